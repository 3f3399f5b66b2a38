package engine_test

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/troglodite/troglodite/attachment"
	"github.com/troglodite/troglodite/engine"
	"github.com/troglodite/troglodite/gpu"
	"github.com/troglodite/troglodite/gpu/gputest"
	"github.com/troglodite/troglodite/renderpass"
)

type surface struct {
	extent core1_0.Extent2D
}

func (s *surface) DrawableSize() core1_0.Extent2D { return s.extent }

func newEngine(t *testing.T) (*engine.Engine, *gputest.Device, *surface) {
	t.Helper()
	dev := gputest.New()
	surf := &surface{extent: core1_0.Extent2D{Width: 1920, Height: 1080}}
	e, err := engine.New(dev, surf, engine.Options{})
	require.NoError(t, err)
	return e, dev, surf
}

func countOps(calls []gputest.Call, op string) int {
	n := 0
	for _, c := range calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func isRelease(op string) bool {
	return strings.HasPrefix(op, "Destroy") || op == "FreeMemory"
}

func isCreate(op string) bool {
	return strings.HasPrefix(op, "Create")
}

func TestNew(t *testing.T) {
	e, dev, _ := newEngine(t)

	out := e.OutputPass()
	require.NotNil(t, out)
	assert.True(t, out.Presentation())
	require.Len(t, out.Subpasses(), 2)
	assert.Equal(t, "scene", out.Subpasses()[0].Name)
	assert.Equal(t, "overlay", out.Subpasses()[1].Name)

	color, ok := e.Registry().Output()
	require.True(t, ok)
	assert.Len(t, out.DependenciesFor(color), 2)
	assert.Len(t, out.Framebuffers(), 3)

	clears := out.BeginInfo(0).ClearValues
	require.Len(t, clears, 2)
	assert.Equal(t, core1_0.ClearValueFloat{0.321, 0.321, 0.321, 1.0}, clears[0])
	assert.Equal(t, core1_0.ClearValueDepthStencil{Depth: 1.0, Stencil: 0}, clears[1])

	assert.Equal(t, 3, dev.Live(gpu.KindFence), "two frame fences and the upload fence")
	assert.Equal(t, 4, dev.Live(gpu.KindSemaphore))
	assert.Equal(t, 3, dev.Live(gpu.KindCommandPool))
	assert.Equal(t, engine.Idle, e.State())
	assert.Zero(t, e.FrameNumber())
}

func TestNewFailureReleasesEverything(t *testing.T) {
	dev := gputest.New()
	dev.FailNext("CreateSemaphore", errors.New("out of host memory"))
	_, err := engine.New(dev, &surface{extent: core1_0.Extent2D{Width: 800, Height: 600}}, engine.Options{})
	require.Error(t, err)

	for kind := gpu.KindImage; kind <= gpu.KindSwapchain; kind++ {
		assert.Zero(t, dev.Live(kind), kind.String())
	}
	assert.Empty(t, dev.Misuse)
}

func TestNewRejectsEmptySurface(t *testing.T) {
	_, err := engine.New(gputest.New(), &surface{}, engine.Options{})
	assert.Error(t, err)
}

func TestFrameRotation(t *testing.T) {
	e, dev, _ := newEngine(t)
	var slots []int
	var buffers []gpu.CommandBuffer
	var fences []gpu.Fence
	e.SetScene(engine.RecordFunc(func(frame *engine.FrameContext) error {
		slots = append(slots, frame.Index)
		buffers = append(buffers, frame.CommandBuffer)
		fences = append(fences, frame.Fence)
		return nil
	}))

	mark := len(dev.Calls)
	for i := 0; i < 6; i++ {
		require.NoError(t, e.Draw())
	}
	assert.Equal(t, []int{0, 1, 0, 1, 0, 1}, slots)
	assert.Equal(t, uint64(6), e.FrameNumber())
	assert.NotEqual(t, buffers[0], buffers[1])
	assert.Equal(t, buffers[0], buffers[2])
	assert.Empty(t, dev.Misuse, "no fence was reset or resubmitted while pending")

	// Between a slot's submission and the next reset of its command buffer
	// there must be a wait on its fence.
	calls := dev.Calls[mark:]
	for slot := 0; slot < engine.FramesInFlight; slot++ {
		buf := uint64(buffers[slot])
		fence := uint64(fences[slot])
		require.NotZero(t, fence)
		// Each fence is reset right before the submission it guards.
		for i, c := range calls {
			if c.Op == "Submit" && c.Handle == fence {
				require.Greater(t, i, 0)
				assert.Equal(t, "ResetFence", calls[i-1].Op)
				assert.Equal(t, fence, calls[i-1].Handle)
			}
		}
		submitted, waited := false, false
		for _, c := range calls {
			switch {
			case c.Op == "Submit" && c.Handle == fence:
				submitted, waited = true, false
			case c.Op == "WaitForFence" && c.Handle == fence:
				waited = true
			case c.Op == "ResetCommandBuffer" && c.Handle == buf:
				if submitted {
					assert.True(t, waited, "slot %d command buffer reset before its fence signaled", slot)
				}
			}
		}
	}
}

func TestStateDuringRecording(t *testing.T) {
	e, _, _ := newEngine(t)
	var seen engine.FrameState
	e.SetScene(engine.RecordFunc(func(*engine.FrameContext) error {
		seen = e.State()
		return nil
	}))
	require.NoError(t, e.Draw())
	assert.Equal(t, engine.Recording, seen)
	assert.Equal(t, engine.Idle, e.State())
	assert.Equal(t, "presenting", engine.Presenting.String())
}

func TestOverlayRecordsInFinalSubpass(t *testing.T) {
	e, dev, _ := newEngine(t)
	var order []string
	e.SetScene(engine.RecordFunc(func(*engine.FrameContext) error {
		order = append(order, dev.Calls[len(dev.Calls)-1].Op, "scene")
		return nil
	}))
	e.SetOverlay(engine.RecordFunc(func(*engine.FrameContext) error {
		order = append(order, dev.Calls[len(dev.Calls)-1].Op, "overlay")
		return nil
	}))
	require.NoError(t, e.Draw())
	assert.Equal(t, []string{"CmdSetScissor", "scene", "CmdNextSubpass", "overlay"}, order)
}

func TestRegenerationOnOutOfDate(t *testing.T) {
	e, dev, surf := newEngine(t)
	surf.extent = core1_0.Extent2D{Width: 1280, Height: 720}
	dev.Acquires = []gputest.AcquireResult{
		{Result: khr_swapchain.VKErrorOutOfDate, Err: errors.New("out of date")},
	}

	mark := len(dev.Calls)
	require.NoError(t, e.Draw())
	calls := dev.Calls[mark:]

	assert.Equal(t, 2, countOps(calls, "AcquireNextImage"), "exactly one retry")
	assert.Equal(t, 2, countOps(calls, "WaitForFence"))

	first := -1
	for i, c := range calls {
		if c.Op == "AcquireNextImage" {
			first = i
			break
		}
	}
	require.GreaterOrEqual(t, first, 0)
	lastRelease, firstCreate := -1, -1
	for i := first; i < len(calls); i++ {
		switch {
		case isRelease(calls[i].Op):
			lastRelease = i
		case isCreate(calls[i].Op) && firstCreate < 0:
			firstCreate = i
		}
	}
	require.Greater(t, lastRelease, first)
	require.Greater(t, firstCreate, 0)
	assert.Less(t, lastRelease, firstCreate, "swapchain objects are released before any replacement is created")
	assert.Equal(t, "DestroySwapchain", calls[lastRelease].Op)

	assert.Equal(t, 1, dev.Destroyed[gpu.KindSwapchain])
	for _, fb := range e.OutputPass().Framebuffers() {
		assert.Equal(t, surf.extent, fb.Extent)
	}
	assert.Equal(t, surf.extent, e.Swapchain().Extent)
	assert.Equal(t, uint64(1), e.FrameNumber())
	assert.Empty(t, dev.Misuse)
}

func TestRegenerationRetriesOnce(t *testing.T) {
	e, dev, _ := newEngine(t)
	stale := gputest.AcquireResult{Result: khr_swapchain.VKErrorOutOfDate, Err: errors.New("out of date")}
	dev.Acquires = []gputest.AcquireResult{stale, stale, stale}

	mark := len(dev.Calls)
	err := e.Draw()
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrSurfaceLost))
	assert.Equal(t, 2, countOps(dev.Calls[mark:], "AcquireNextImage"))
	assert.Equal(t, 1, countOps(dev.Calls[mark:], "CreateSwapchain"))
	assert.Zero(t, countOps(dev.Calls[mark:], "Submit"))
}

func TestSuboptimalAcquireDrainsSemaphore(t *testing.T) {
	e, dev, _ := newEngine(t)
	frame := e.CurrentFrame()
	dev.Acquires = []gputest.AcquireResult{{Index: 0, Result: khr_swapchain.VKSuboptimal}}

	mark := len(dev.Calls)
	require.NoError(t, e.Draw())
	calls := dev.Calls[mark:]

	require.NotEmpty(t, dev.Submits)
	drain := dev.Submits[0]
	assert.Equal(t, []gpu.Semaphore{frame.ImageAcquired}, drain.Info.WaitSemaphores)
	assert.Empty(t, drain.Info.CommandBuffers)
	assert.Zero(t, drain.Fence)

	submit := dev.Index("Submit", mark)
	idle := dev.Index("WaitIdle", mark)
	assert.Less(t, submit, idle, "drained before regenerating")
	assert.Equal(t, 1, countOps(calls, "CreateSwapchain"))
	assert.Equal(t, 2, countOps(calls, "Submit"))
}

func TestAcquireTimeout(t *testing.T) {
	e, dev, _ := newEngine(t)
	dev.Acquires = []gputest.AcquireResult{{Result: core1_0.VKTimeout}}
	err := e.Draw()
	assert.True(t, errors.Is(err, gpu.ErrTimeout))
}

func TestAcquireFailureIsFatal(t *testing.T) {
	e, dev, _ := newEngine(t)
	dev.Acquires = []gputest.AcquireResult{{Result: core1_0.VKErrorUnknown, Err: errors.New("device lost")}}
	err := e.Draw()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device lost")
	assert.Zero(t, dev.Destroyed[gpu.KindSwapchain])
}

func TestPresentStalenessIsTolerated(t *testing.T) {
	e, dev, _ := newEngine(t)
	dev.Presents = []gputest.PresentResult{
		{Result: khr_swapchain.VKErrorOutOfDate, Err: errors.New("out of date")},
		{Result: khr_swapchain.VKSuboptimal},
	}

	require.NoError(t, e.Draw())
	require.NoError(t, e.Draw())
	assert.Equal(t, uint64(2), e.FrameNumber())
	assert.Equal(t, 1, dev.Created[gpu.KindSwapchain], "present does not regenerate")
}

func TestPresentFailureIsFatal(t *testing.T) {
	e, dev, _ := newEngine(t)
	dev.Presents = []gputest.PresentResult{{Result: core1_0.VKErrorUnknown, Err: errors.New("device lost")}}
	assert.Error(t, e.Draw())
}

func TestSubmitFailureIsFatal(t *testing.T) {
	e, dev, _ := newEngine(t)
	dev.FailNext("Submit", errors.New("device lost"))
	err := e.Draw()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submitting frame 0")
}

func TestRecorderFailureIsFatal(t *testing.T) {
	e, dev, _ := newEngine(t)
	frame := e.CurrentFrame()
	e.SetScene(engine.RecordFunc(func(*engine.FrameContext) error {
		return errors.New("pipeline missing")
	}))
	err := e.Draw()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline missing")
	assert.Equal(t, engine.Idle, e.State())
	assert.Equal(t, gputest.FenceSignaled, dev.FenceState(frame.Fence), "the slot fence was not reset")
}

func TestFailedFrameLeavesIdleState(t *testing.T) {
	e, dev, _ := newEngine(t)
	dev.FailNext("Submit", errors.New("device lost"))
	require.Error(t, e.Draw())
	assert.Equal(t, engine.Idle, e.State())

	e, dev, _ = newEngine(t)
	dev.Acquires = []gputest.AcquireResult{{Result: core1_0.VKErrorUnknown, Err: errors.New("device lost")}}
	require.Error(t, e.Draw())
	assert.Equal(t, engine.Idle, e.State())
}

func TestPersistentlySuboptimalSurfaceStillRenders(t *testing.T) {
	e, dev, _ := newEngine(t)
	frame := e.CurrentFrame()
	dev.Acquires = []gputest.AcquireResult{
		{Index: 0, Result: khr_swapchain.VKSuboptimal},
		{Index: 1, Result: khr_swapchain.VKSuboptimal},
	}

	mark := len(dev.Calls)
	require.NoError(t, e.Draw())
	calls := dev.Calls[mark:]
	assert.Equal(t, 1, countOps(calls, "CreateSwapchain"), "regenerated once")
	assert.Equal(t, 2, countOps(calls, "AcquireNextImage"))
	assert.Equal(t, uint64(1), e.FrameNumber())

	// Only the first acquire is drained. The second image is rendered.
	require.Len(t, dev.Submits, 2)
	assert.Empty(t, dev.Submits[0].Info.CommandBuffers)
	assert.Equal(t, []gpu.CommandBuffer{frame.CommandBuffer}, dev.Submits[1].Info.CommandBuffers)
	assert.Empty(t, dev.Misuse)
}

func TestResizeEventsCoalesce(t *testing.T) {
	e, dev, surf := newEngine(t)
	surf.extent = core1_0.Extent2D{Width: 1024, Height: 768}
	e.NotifyResize()
	e.NotifyResize()
	e.NotifyResize()

	mark := len(dev.Calls)
	require.NoError(t, e.Draw())
	require.NoError(t, e.Draw())
	calls := dev.Calls[mark:]

	assert.Equal(t, 1, countOps(calls, "CreateSwapchain"))
	assert.Equal(t, 2, countOps(calls, "AcquireNextImage"), "the flagged frame does not acquire from the old swapchain")
	assert.Equal(t, surf.extent, e.OutputPass().BeginInfo(0).RenderArea.Extent)
}

func TestResizeFollowsImageCount(t *testing.T) {
	e, dev, surf := newEngine(t)
	dev.ImageCount = 2
	surf.extent = core1_0.Extent2D{Width: 640, Height: 480}
	e.NotifyResize()
	require.NoError(t, e.Draw())

	out := e.OutputPass()
	assert.Equal(t, 2, out.FramebufferCount())
	require.Len(t, out.Framebuffers(), 2)

	depth := out.Framebuffers()[0].Attachments[1]
	assert.Equal(t, depth, out.Framebuffers()[1].Attachments[1])
	for _, fb := range out.Framebuffers() {
		assert.Equal(t, surf.extent, fb.Extent)
	}
	assert.Equal(t, 3, dev.Live(gpu.KindImageView), "two swapchain views and one depth view")
}

func TestMinimizedWindowSkipsFrames(t *testing.T) {
	e, dev, surf := newEngine(t)
	full := surf.extent
	surf.extent = core1_0.Extent2D{}
	e.NotifyResize()

	mark := len(dev.Calls)
	require.NoError(t, e.Draw())
	assert.Zero(t, countOps(dev.Calls[mark:], "AcquireNextImage"))
	assert.Zero(t, countOps(dev.Calls[mark:], "CreateSwapchain"))
	assert.Zero(t, e.FrameNumber())

	surf.extent = full
	require.NoError(t, e.Draw())
	assert.Equal(t, 1, countOps(dev.Calls[mark:], "CreateSwapchain"), "the resize survives the skipped frame")
	assert.Equal(t, uint64(1), e.FrameNumber())
}

func TestRegisteredPassesAreRebuilt(t *testing.T) {
	e, dev, surf := newEngine(t)
	reg := e.Registry()
	color, _ := reg.Output()
	extra, err := newOverlayOnlyPass(dev, reg, color)
	require.NoError(t, err)
	e.RegisterPass(extra)

	surf.extent = core1_0.Extent2D{Width: 800, Height: 600}
	e.NotifyResize()
	require.NoError(t, e.Draw())
	for _, fb := range extra.Framebuffers() {
		assert.Equal(t, surf.extent, fb.Extent)
	}

	require.NoError(t, e.Close())
	assert.Zero(t, dev.Live(gpu.KindRenderPass))
}

func newOverlayOnlyPass(dev *gputest.Device, reg *attachment.Registry, color attachment.Handle) (*renderpass.RenderPass, error) {
	preserve := reg.RegisterShared(attachment.DefaultColor(false), color)
	return renderpass.NewBuilder("ui").
		AddAttachment(preserve, "color", nil).
		AddSubpass(core1_0.PipelineBindPointGraphics, []renderpass.UsageDescription{renderpass.ColorWrite(preserve)}, "ui").
		Build(dev, reg, dev.ImageCount)
}

func TestClose(t *testing.T) {
	e, dev, _ := newEngine(t)
	_, err := e.CreatePerFrameBuffer(64, core1_0.BufferUsageUniformBuffer)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Draw())
	}

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	for kind := gpu.KindImage; kind <= gpu.KindSwapchain; kind++ {
		assert.Zero(t, dev.Live(kind), kind.String())
	}
	assert.Empty(t, dev.Misuse)
	assert.Panics(t, func() { _ = e.Draw() })
}
