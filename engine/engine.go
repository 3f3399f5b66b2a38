// Package engine drives frame submission. It owns the swapchain, the output
// render pass and the frame-in-flight slots, runs the acquire, record, submit
// and present cycle, and rebuilds everything that depends on the swapchain
// when the surface goes stale.
package engine

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/troglodite/troglodite/attachment"
	"github.com/troglodite/troglodite/gpu"
	"github.com/troglodite/troglodite/renderpass"
)

// ErrSurfaceLost is returned by Draw when the swapchain is still unusable
// after being regenerated.
var ErrSurfaceLost = errors.New("engine: presentable surface lost")

var errMinimized = errors.New("engine: surface has no drawable area")

// Surface reports the current drawable size of the window being presented to.
type Surface interface {
	DrawableSize() core1_0.Extent2D
}

type Options struct {
	Logger         *slog.Logger
	FenceTimeout   time.Duration
	AcquireTimeout time.Duration
	DepthFormat    core1_0.Format
	ClearColor     [4]float32
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.FenceTimeout <= 0 {
		o.FenceTimeout = time.Second
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = time.Second
	}
	if o.DepthFormat == 0 {
		o.DepthFormat = core1_0.FormatD32SignedFloat
	}
	if o.ClearColor == [4]float32{} {
		o.ClearColor = [4]float32{0.321, 0.321, 0.321, 1.0}
	}
}

type Engine struct {
	dev     gpu.Device
	surface Surface
	opts    Options
	log     *slog.Logger

	// lifetime is flushed on Close. swapchainReleases is flushed on every
	// regeneration, before anything replacing its contents is created.
	lifetime          *gpu.ReleaseQueue
	swapchainReleases *gpu.ReleaseQueue

	registry  *attachment.Registry
	swapchain gpu.SwapchainImages
	color     attachment.Handle
	depth     attachment.Handle
	output    *renderpass.RenderPass
	passes    []*renderpass.RenderPass

	frames      [FramesInFlight]FrameContext
	frameNumber uint64
	upload      uploadContext

	scene   Recorder
	overlay Recorder

	resize bool
	state  FrameState
	stats  FrameStats
	closed bool
}

// New creates the swapchain, the output pass and the frame slots. The output
// pass has a scene subpass drawing color and depth, followed by an overlay
// subpass drawing over the color.
func New(dev gpu.Device, surface Surface, opts Options) (*Engine, error) {
	opts.setDefaults()
	e := &Engine{
		dev:               dev,
		surface:           surface,
		opts:              opts,
		log:               opts.Logger,
		lifetime:          gpu.NewReleaseQueue("lifetime", opts.Logger),
		swapchainReleases: gpu.NewReleaseQueue("swapchain", opts.Logger),
	}
	e.registry = attachment.NewRegistry(dev, opts.Logger)

	extent := surface.DrawableSize()
	if extent.Width == 0 || extent.Height == 0 {
		return nil, errors.Newf("cannot create a swapchain for a %dx%d surface", extent.Width, extent.Height)
	}
	sc, err := dev.CreateSwapchain(extent)
	if err != nil {
		return nil, errors.Wrap(err, "creating swapchain")
	}
	e.adoptSwapchain(sc)
	e.color = e.registry.RegisterOutput(attachment.DefaultColor(true), sc)

	e.depth, err = e.registry.RegisterOwned(attachment.DefaultDepth(true).WithFormat(opts.DepthFormat), sc.Extent, e.swapchainReleases)
	if err != nil {
		e.abort()
		return nil, err
	}

	e.output, err = renderpass.NewBuilder("output", renderpass.AsPresentation(), renderpass.WithLogger(opts.Logger)).
		AddAttachment(e.color, "color", core1_0.ClearValueFloat(opts.ClearColor)).
		AddAttachment(e.depth, "depth", core1_0.ClearValueDepthStencil{Depth: 1.0, Stencil: 0}).
		AddSubpass(core1_0.PipelineBindPointGraphics,
			[]renderpass.UsageDescription{renderpass.ColorWrite(e.color), renderpass.DepthWrite(e.depth)}, "scene").
		AddSubpass(core1_0.PipelineBindPointGraphics,
			[]renderpass.UsageDescription{renderpass.ColorWrite(e.color)}, "overlay").
		Build(dev, e.registry, len(sc.Images))
	if err != nil {
		e.abort()
		return nil, err
	}
	e.passes = append(e.passes, e.output)

	for i := range e.frames {
		if err := e.createFrame(i); err != nil {
			e.abort()
			return nil, errors.Wrapf(err, "creating frame %d", i)
		}
	}
	if err := e.createUploadContext(); err != nil {
		e.abort()
		return nil, errors.Wrap(err, "creating upload context")
	}

	e.log.Info("engine ready", "images", len(sc.Images), "extent", sc.Extent, "frames", FramesInFlight)
	return e, nil
}

func (e *Engine) createFrame(i int) error {
	f := &e.frames[i]
	f.Index = i

	var err error
	if f.CommandPool, err = e.dev.CreateCommandPool(true); err != nil {
		return err
	}
	e.lifetime.Push(gpu.KindCommandPool, uint64(f.CommandPool), "frame command pool")
	if f.CommandBuffer, err = e.dev.AllocateCommandBuffer(f.CommandPool); err != nil {
		return err
	}
	// Created signaled so the first wait on each slot returns at once.
	if f.Fence, err = e.dev.CreateFence(true); err != nil {
		return err
	}
	e.lifetime.Push(gpu.KindFence, uint64(f.Fence), "frame fence")
	if f.ImageAcquired, err = e.dev.CreateSemaphore(); err != nil {
		return err
	}
	e.lifetime.Push(gpu.KindSemaphore, uint64(f.ImageAcquired), "image acquired")
	if f.RenderFinished, err = e.dev.CreateSemaphore(); err != nil {
		return err
	}
	e.lifetime.Push(gpu.KindSemaphore, uint64(f.RenderFinished), "render finished")
	return nil
}

// adoptSwapchain queues a new swapchain and its views for release with the
// swapchain. Views are released before the swapchain.
func (e *Engine) adoptSwapchain(sc gpu.SwapchainImages) {
	e.swapchain = sc
	e.swapchainReleases.Push(gpu.KindSwapchain, uint64(sc.Swapchain), "swapchain")
	for _, view := range sc.Views {
		e.swapchainReleases.Push(gpu.KindImageView, uint64(view), "swapchain image")
	}
}

// abort releases whatever a failed New managed to create.
func (e *Engine) abort() {
	for _, rp := range e.passes {
		rp.Destroy()
	}
	e.swapchainReleases.Flush(e.dev)
	e.lifetime.Flush(e.dev)
}

// NotifyResize marks the swapchain for regeneration before the next frame.
// Any number of calls between frames cause a single regeneration.
func (e *Engine) NotifyResize() {
	e.resize = true
}

func (e *Engine) SetScene(r Recorder)   { e.scene = r }
func (e *Engine) SetOverlay(r Recorder) { e.overlay = r }

// OutputPass is the pass frames are rendered with. Pipelines drawing into it
// are built against its handle.
func (e *Engine) OutputPass() *renderpass.RenderPass { return e.output }

func (e *Engine) Registry() *attachment.Registry { return e.registry }

// Lifetime is the queue released when the engine closes.
func (e *Engine) Lifetime() *gpu.ReleaseQueue { return e.lifetime }

func (e *Engine) Swapchain() gpu.SwapchainImages { return e.swapchain }

// CurrentFrame is the slot the next Draw records into.
func (e *Engine) CurrentFrame() *FrameContext {
	return &e.frames[e.frameNumber%FramesInFlight]
}

// FrameNumber is the number of frames drawn so far.
func (e *Engine) FrameNumber() uint64 { return e.frameNumber }

func (e *Engine) State() FrameState { return e.state }

func (e *Engine) Stats() *FrameStats { return &e.stats }

// RegisterPass hands a pass whose framebuffers are indexed by swapchain image
// to the engine. It is rebuilt on regeneration and destroyed on Close.
func (e *Engine) RegisterPass(rp *renderpass.RenderPass) {
	e.passes = append(e.passes, rp)
}

// Draw renders and presents one frame. A stale swapchain is regenerated and
// the frame retried once. Any error returned is unrecoverable.
func (e *Engine) Draw() error {
	if e.closed {
		panic(errors.AssertionFailedf("Draw called on a closed engine"))
	}
	start := hrtime.Now()
	frame := e.CurrentFrame()

	extent := e.surface.DrawableSize()
	if extent.Width == 0 || extent.Height == 0 {
		return nil
	}

	e.state = Acquiring
	imageIndex, err := e.acquire(frame)
	if err != nil {
		e.state = Idle
		if errors.Is(err, errMinimized) {
			return nil
		}
		return err
	}

	e.state = Recording
	frame.Number = e.frameNumber
	frame.ImageIndex = imageIndex
	if err := e.record(frame); err != nil {
		e.state = Idle
		return errors.Wrapf(err, "recording frame %d", e.frameNumber)
	}

	// The fence is reset only once there is work to signal it, so a failed
	// recording leaves the slot waitable.
	if err := e.dev.ResetFence(frame.Fence); err != nil {
		e.state = Idle
		return errors.Wrapf(err, "resetting fence of frame slot %d", frame.Index)
	}
	err = e.dev.Submit(gpu.SubmitInfo{
		WaitSemaphores:   []gpu.Semaphore{frame.ImageAcquired},
		WaitStages:       []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
		CommandBuffers:   []gpu.CommandBuffer{frame.CommandBuffer},
		SignalSemaphores: []gpu.Semaphore{frame.RenderFinished},
	}, frame.Fence)
	if err != nil {
		e.state = Idle
		return errors.Wrapf(err, "submitting frame %d", e.frameNumber)
	}
	e.state = Submitted

	e.state = Presenting
	res, err := e.dev.Present(e.swapchain.Swapchain, imageIndex, frame.RenderFinished)
	switch {
	case res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal:
		// The next acquire reports the same condition and regenerates.
		e.log.Debug("stale swapchain at present", "frame", e.frameNumber, "result", res)
	case err != nil:
		e.state = Idle
		return errors.Wrapf(err, "presenting frame %d", e.frameNumber)
	}

	e.frameNumber++
	e.state = Idle
	e.stats.Record(hrtime.Since(start))
	return nil
}

// acquire waits for the frame's previous submission and acquires the next
// image, regenerating the swapchain at most once.
func (e *Engine) acquire(frame *FrameContext) (int, error) {
	regenerated := false
	for {
		if err := e.dev.WaitForFence(frame.Fence, e.opts.FenceTimeout); err != nil {
			return 0, errors.Wrapf(err, "waiting for frame slot %d", frame.Index)
		}

		stale := e.resize
		if !stale {
			index, res, err := e.dev.AcquireNextImage(e.swapchain.Swapchain, e.opts.AcquireTimeout, frame.ImageAcquired)
			switch {
			case res == khr_swapchain.VKErrorOutOfDate:
				stale = true
			case res == khr_swapchain.VKSuboptimal && regenerated:
				// Some surfaces stay suboptimal. The image is usable.
				e.log.Debug("suboptimal swapchain after regeneration", "frame", e.frameNumber)
				return index, nil
			case res == khr_swapchain.VKSuboptimal:
				// A suboptimal acquire still signals the semaphore. Consume
				// the signal so the retry can reuse it.
				if err := e.drain(frame.ImageAcquired); err != nil {
					return 0, err
				}
				stale = true
			case res == core1_0.VKTimeout:
				return 0, errors.Wrapf(gpu.ErrTimeout, "acquiring image for frame %d", e.frameNumber)
			case err != nil:
				return 0, errors.Wrapf(err, "acquiring image for frame %d", e.frameNumber)
			default:
				return index, nil
			}
		}

		if regenerated {
			e.log.Error("swapchain still stale after regeneration", "frame", e.frameNumber)
			return 0, ErrSurfaceLost
		}
		if err := e.regenerate(); err != nil {
			return 0, err
		}
		regenerated = true
	}
}

func (e *Engine) drain(semaphore gpu.Semaphore) error {
	err := e.dev.Submit(gpu.SubmitInfo{
		WaitSemaphores: []gpu.Semaphore{semaphore},
		WaitStages:     []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
	}, 0)
	return errors.Wrap(err, "draining acquire semaphore")
}

// regenerate replaces the swapchain and everything sized from it. All
// swapchain-scoped objects are released before any replacement is created.
func (e *Engine) regenerate() error {
	extent := e.surface.DrawableSize()
	if extent.Width == 0 || extent.Height == 0 {
		return errMinimized
	}
	if err := e.dev.WaitIdle(); err != nil {
		return errors.Wrap(err, "waiting for device idle before regeneration")
	}

	for _, rp := range e.passes {
		rp.ReleaseFramebuffers()
	}
	e.swapchainReleases.Flush(e.dev)

	sc, err := e.dev.CreateSwapchain(extent)
	if err != nil {
		return errors.Wrap(err, "recreating swapchain")
	}
	e.adoptSwapchain(sc)
	e.registry.RecreateOutput(sc)
	if err := e.registry.ReallocateOwned(e.depth, sc.Extent, e.swapchainReleases); err != nil {
		return err
	}

	for _, rp := range e.passes {
		if rp.FramebufferCount() != len(sc.Images) {
			rp.SetFramebufferCount(len(sc.Images))
		}
		if err := rp.RebuildFramebuffers(e.registry); err != nil {
			return err
		}
	}

	e.resize = false
	e.log.Info("regenerated swapchain", "extent", sc.Extent, "images", len(sc.Images))
	return nil
}

func (e *Engine) record(frame *FrameContext) error {
	if err := e.dev.ResetCommandBuffer(frame.CommandBuffer); err != nil {
		return err
	}
	buf := frame.CommandBuffer
	if err := e.dev.BeginCommandBuffer(buf, true); err != nil {
		return err
	}

	begin := e.output.BeginInfo(frame.ImageIndex)
	frame.Extent = begin.RenderArea.Extent
	if err := e.dev.CmdBeginRenderPass(buf, begin); err != nil {
		return err
	}
	e.dev.CmdSetViewport(buf, core1_0.Viewport{
		X:        0,
		Y:        0,
		Width:    float32(frame.Extent.Width),
		Height:   float32(frame.Extent.Height),
		MinDepth: 0,
		MaxDepth: 1,
	})
	e.dev.CmdSetScissor(buf, begin.RenderArea)

	if e.scene != nil {
		if err := e.scene.RecordDraws(frame); err != nil {
			return errors.Wrap(err, "recording scene")
		}
	}
	for i := 1; i < len(e.output.Subpasses()); i++ {
		e.dev.CmdNextSubpass(buf)
	}
	if e.overlay != nil {
		if err := e.overlay.RecordDraws(frame); err != nil {
			return errors.Wrap(err, "recording overlay")
		}
	}

	e.dev.CmdEndRenderPass(buf)
	return e.dev.EndCommandBuffer(buf)
}

// Close waits for the device to go idle and releases everything the engine
// created. The engine cannot be used afterwards.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.dev.WaitIdle()

	for i := len(e.passes) - 1; i >= 0; i-- {
		e.passes[i].Destroy()
	}
	e.swapchainReleases.Flush(e.dev)
	e.lifetime.Flush(e.dev)
	e.log.Info("engine closed", "frames", e.frameNumber)
	return errors.Wrap(err, "waiting for device idle")
}
