package renderpass_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/troglodite/troglodite/attachment"
	"github.com/troglodite/troglodite/gpu"
	"github.com/troglodite/troglodite/gpu/gputest"
	"github.com/troglodite/troglodite/renderpass"
)

var (
	extent     = core1_0.Extent2D{Width: 1920, Height: 1080}
	clearColor = core1_0.ClearValueFloat{0.321, 0.321, 0.321, 1.0}
	clearDepth = core1_0.ClearValueDepthStencil{Depth: 1.0, Stencil: 0}
)

type fixture struct {
	dev      *gputest.Device
	reg      *attachment.Registry
	releases *gpu.ReleaseQueue
	color    attachment.Handle
	depth    attachment.Handle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dev: gputest.New()}
	f.reg = attachment.NewRegistry(f.dev, nil)
	f.releases = gpu.NewReleaseQueue("swapchain", nil)

	var err error
	f.depth, err = f.reg.RegisterOwned(attachment.DefaultDepth(true), extent, f.releases)
	require.NoError(t, err)
	sc, err := f.dev.CreateSwapchain(extent)
	require.NoError(t, err)
	f.color = f.reg.RegisterOutput(attachment.DefaultColor(true), sc)
	return f
}

// sceneAndOverlay builds a pass whose first subpass draws the scene into
// color and depth, and whose second draws an overlay on top of the color.
func (f *fixture) sceneAndOverlay(t *testing.T) *renderpass.RenderPass {
	t.Helper()
	rp, err := renderpass.NewBuilder("output", renderpass.AsPresentation()).
		AddAttachment(f.color, "color", clearColor).
		AddAttachment(f.depth, "depth", clearDepth).
		AddSubpass(core1_0.PipelineBindPointGraphics,
			[]renderpass.UsageDescription{renderpass.ColorWrite(f.color), renderpass.DepthWrite(f.depth)}, "scene").
		AddSubpass(core1_0.PipelineBindPointGraphics,
			[]renderpass.UsageDescription{renderpass.ColorWrite(f.color)}, "overlay").
		Build(f.dev, f.reg, 3)
	require.NoError(t, err)
	return rp
}

func TestSceneAndOverlayPass(t *testing.T) {
	f := newFixture(t)
	rp := f.sceneAndOverlay(t)

	assert.Len(t, rp.DependenciesFor(f.color), 2)
	assert.Len(t, rp.DependenciesFor(f.depth), 1)
	assert.Len(t, rp.Dependencies(), 3)
	assert.True(t, rp.Presentation())
	assert.Equal(t, []string{"color", "depth"}, rp.AttachmentNames())

	begin := rp.BeginInfo(0)
	require.Len(t, begin.ClearValues, 2)
	assert.Equal(t, clearColor, begin.ClearValues[0])
	assert.Equal(t, clearDepth, begin.ClearValues[1])
	assert.Equal(t, rp.Handle(), begin.RenderPass)
	assert.Equal(t, rp.Framebuffers()[0].Handle, begin.Framebuffer)
	assert.Equal(t, extent, begin.RenderArea.Extent)
	assert.Equal(t, core1_0.Offset2D{}, begin.RenderArea.Offset)

	info := f.dev.RenderPasses[rp.Handle()]
	require.Len(t, info.Subpasses, 2)
	require.Len(t, info.Subpasses[0].ColorAttachments, 1)
	require.NotNil(t, info.Subpasses[0].DepthStencilAttachment)
	assert.Equal(t, 1, info.Subpasses[0].DepthStencilAttachment.Attachment)
	assert.Nil(t, info.Subpasses[1].DepthStencilAttachment)
	assert.Len(t, info.SubpassDependencies, 3)
	assert.Len(t, info.Attachments, 2)
}

func TestDependencyChain(t *testing.T) {
	f := newFixture(t)
	read := renderpass.UsageDescription{
		Attachment: f.color,
		Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
		Stage:      core1_0.PipelineStageFragmentShader,
		Access:     core1_0.AccessColorAttachmentRead | core1_0.AccessColorAttachmentWrite,
	}
	b := renderpass.NewBuilder("chain").
		AddAttachment(f.color, "color", clearColor).
		AddAttachment(f.depth, "depth", clearDepth)
	usages := [][]renderpass.UsageDescription{
		{renderpass.ColorWrite(f.color), renderpass.DepthWrite(f.depth)},
		{renderpass.DepthWrite(f.depth)},
		{read},
		{renderpass.ColorWrite(f.color)},
	}
	for _, u := range usages {
		b.AddSubpass(core1_0.PipelineBindPointGraphics, u, "")
	}
	rp, err := b.Build(f.dev, f.reg, 1)
	require.NoError(t, err)

	check := func(h attachment.Handle, subpasses []int) {
		deps := rp.DependenciesFor(h)
		require.Len(t, deps, len(subpasses))

		first := deps[0].Native
		assert.Equal(t, core1_0.SubpassExternal, first.SrcSubpass)
		assert.Equal(t, core1_0.PipelineStageTopOfPipe, first.SrcStageMask)
		assert.Equal(t, core1_0.AccessFlags(0), first.SrcAccessMask)

		for i, dep := range deps {
			self, _ := usageFor(usages[subpasses[i]], h)
			assert.Equal(t, subpasses[i], dep.Native.DstSubpass)
			assert.Equal(t, self.Stage, dep.Native.DstStageMask)
			assert.Equal(t, self.Access, dep.Native.DstAccessMask)
			if i == 0 {
				continue
			}
			prev, _ := usageFor(usages[subpasses[i-1]], h)
			assert.Equal(t, subpasses[i-1], dep.Native.SrcSubpass)
			assert.Equal(t, prev.Stage, dep.Native.SrcStageMask)
			assert.Equal(t, prev.Access, dep.Native.SrcAccessMask)
		}
	}
	check(f.color, []int{0, 2, 3})
	check(f.depth, []int{0, 1})
}

func usageFor(usages []renderpass.UsageDescription, h attachment.Handle) (renderpass.UsageDescription, bool) {
	for _, u := range usages {
		if u.Attachment == h {
			return u, true
		}
	}
	return renderpass.UsageDescription{}, false
}

func TestFramebufferAttachmentCount(t *testing.T) {
	f := newFixture(t)
	rp := f.sceneAndOverlay(t)

	require.Len(t, rp.Framebuffers(), 3)
	color, _ := f.reg.Lookup(f.color)
	depth, _ := f.reg.Lookup(f.depth)
	for i, fb := range rp.Framebuffers() {
		info := f.dev.Framebuffers[fb.Handle]
		require.Len(t, info.Attachments, rp.AttachmentCount())
		assert.Equal(t, color.Textures()[i].View, info.Attachments[0])
		assert.Equal(t, depth.Textures()[0].View, info.Attachments[1], "depth is shared by every framebuffer")
		assert.Equal(t, 1920, info.Width)
		assert.Equal(t, 1080, info.Height)
		assert.Equal(t, 1, info.Layers)
	}
}

func TestStrictDepthPairing(t *testing.T) {
	f := newFixture(t)
	b := renderpass.NewBuilder("strict", renderpass.WithStrictDepthPairing()).
		AddAttachment(f.color, "color", clearColor).
		AddAttachment(f.depth, "depth", clearDepth).
		AddSubpass(core1_0.PipelineBindPointGraphics,
			[]renderpass.UsageDescription{renderpass.ColorWrite(f.color), renderpass.DepthWrite(f.depth)}, "scene").
		AddSubpass(core1_0.PipelineBindPointGraphics,
			[]renderpass.UsageDescription{renderpass.ColorWrite(f.color)}, "overlay")
	assert.Panics(t, func() { _, _ = b.Build(f.dev, f.reg, 1) })

	rp, err := renderpass.NewBuilder("strict", renderpass.WithStrictDepthPairing()).
		AddAttachment(f.color, "color", clearColor).
		AddAttachment(f.depth, "depth", clearDepth).
		AddSubpass(core1_0.PipelineBindPointGraphics,
			[]renderpass.UsageDescription{renderpass.ColorWrite(f.color), renderpass.DepthWrite(f.depth)}, "scene").
		Build(f.dev, f.reg, 1)
	require.NoError(t, err)
	for _, sp := range rp.Subpasses() {
		depth := 0
		if sp.DepthStencilAttachment != nil {
			depth = 1
		}
		assert.Equal(t, len(sp.ColorAttachments), depth)
	}
}

func TestRebuildFramebuffersIsIdempotent(t *testing.T) {
	f := newFixture(t)
	rp := f.sceneAndOverlay(t)
	before := rp.Framebuffers()

	require.NoError(t, rp.RebuildFramebuffers(f.reg))
	require.NoError(t, rp.RebuildFramebuffers(f.reg))

	after := rp.Framebuffers()
	require.Len(t, after, len(before))
	for i := range after {
		assert.Equal(t, before[i].Extent, after[i].Extent)
		assert.Equal(t, before[i].Attachments, after[i].Attachments)
	}
	assert.Equal(t, 9, f.dev.Created[gpu.KindFramebuffer])
	assert.Equal(t, 6, f.dev.Destroyed[gpu.KindFramebuffer])
	assert.Equal(t, 3, f.dev.Live(gpu.KindFramebuffer))
	assert.Empty(t, f.dev.Misuse)
}

func TestRebuildAfterResize(t *testing.T) {
	f := newFixture(t)
	rp := f.sceneAndOverlay(t)

	f.releases.Flush(f.dev)
	resized := core1_0.Extent2D{Width: 640, Height: 480}
	f.dev.ImageCount = 2
	sc, err := f.dev.CreateSwapchain(resized)
	require.NoError(t, err)
	f.reg.RecreateOutput(sc)
	require.NoError(t, f.reg.ReallocateOwned(f.depth, resized, f.releases))
	rp.SetFramebufferCount(len(sc.Images))
	require.NoError(t, rp.RebuildFramebuffers(f.reg))

	require.Len(t, rp.Framebuffers(), 2)
	for i, fb := range rp.Framebuffers() {
		assert.Equal(t, resized, fb.Extent)
		assert.Equal(t, sc.Views[i], fb.Attachments[0])
	}
	assert.Equal(t, resized, rp.BeginInfo(1).RenderArea.Extent)
	assert.Panics(t, func() { rp.BeginInfo(2) })
}

func TestLoadAttachmentGetsPlaceholderClear(t *testing.T) {
	f := newFixture(t)
	preserve := f.reg.RegisterShared(attachment.DefaultDepth(false), f.depth)
	rp, err := renderpass.NewBuilder("late").
		AddAttachment(f.color, "color", clearColor).
		AddAttachment(preserve, "depth", clearDepth).
		AddSubpass(core1_0.PipelineBindPointGraphics,
			[]renderpass.UsageDescription{renderpass.ColorWrite(f.color), renderpass.DepthWrite(preserve)}, "late").
		Build(f.dev, f.reg, 1)
	require.NoError(t, err)

	clears := rp.BeginInfo(0).ClearValues
	require.Len(t, clears, 2)
	assert.Equal(t, clearColor, clears[0])
	assert.Equal(t, core1_0.ClearValueFloat{}, clears[1])
}

func TestBuildAssertions(t *testing.T) {
	f := newFixture(t)
	external, err := f.reg.RegisterOwned(attachment.Description{Type: attachment.Type(7)}, extent, f.releases)
	require.NoError(t, err)
	other, err := f.reg.RegisterOwned(attachment.DefaultDepth(true), extent, f.releases)
	require.NoError(t, err)

	graphics := core1_0.PipelineBindPointGraphics
	cases := map[string]func() *renderpass.Builder{
		"duplicate reference": func() *renderpass.Builder {
			return renderpass.NewBuilder("p").
				AddAttachment(f.color, "color", clearColor).
				AddSubpass(graphics, []renderpass.UsageDescription{renderpass.ColorWrite(f.color), renderpass.ColorWrite(f.color)}, "")
		},
		"undeclared attachment": func() *renderpass.Builder {
			return renderpass.NewBuilder("p").
				AddAttachment(f.color, "color", clearColor).
				AddSubpass(graphics, []renderpass.UsageDescription{renderpass.DepthWrite(f.depth)}, "")
		},
		"unregistered attachment": func() *renderpass.Builder {
			return renderpass.NewBuilder("p").
				AddAttachment(attachment.Handle(42), "ghost", clearColor).
				AddSubpass(graphics, nil, "")
		},
		"attachment declared twice": func() *renderpass.Builder {
			return renderpass.NewBuilder("p").
				AddAttachment(f.color, "color", clearColor).
				AddAttachment(f.color, "again", clearColor).
				AddSubpass(graphics, nil, "")
		},
		"unsupported type": func() *renderpass.Builder {
			return renderpass.NewBuilder("p").
				AddAttachment(external, "odd", clearColor).
				AddSubpass(graphics, []renderpass.UsageDescription{renderpass.ColorWrite(external)}, "")
		},
		"two depth attachments": func() *renderpass.Builder {
			return renderpass.NewBuilder("p").
				AddAttachment(f.depth, "depth", clearDepth).
				AddAttachment(other, "other", clearDepth).
				AddSubpass(graphics, []renderpass.UsageDescription{renderpass.DepthWrite(f.depth), renderpass.DepthWrite(other)}, "")
		},
		"no subpasses": func() *renderpass.Builder {
			return renderpass.NewBuilder("p").AddAttachment(f.color, "color", clearColor)
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			b := build()
			assert.Panics(t, func() { _, _ = b.Build(f.dev, f.reg, 1) })
		})
	}
}

func TestTooManyColorAttachments(t *testing.T) {
	f := newFixture(t)
	b := renderpass.NewBuilder("wide")
	var usages []renderpass.UsageDescription
	for i := 0; i <= renderpass.MaxColorAttachments; i++ {
		tex, err := f.dev.CreateImage(gpu.ImageInfo{Format: core1_0.FormatB8G8R8A8SRGB, Extent: extent})
		require.NoError(t, err)
		h := f.reg.RegisterTextures(attachment.DefaultColor(true), []gpu.Texture{tex})
		b.AddAttachment(h, "target", clearColor)
		usages = append(usages, renderpass.ColorWrite(h))
	}
	b.AddSubpass(core1_0.PipelineBindPointGraphics, usages, "gbuffer")
	assert.Panics(t, func() { _, _ = b.Build(f.dev, f.reg, 1) })
}

func TestBuilderIsSingleUse(t *testing.T) {
	f := newFixture(t)
	b := renderpass.NewBuilder("once").
		AddAttachment(f.color, "color", clearColor).
		AddSubpass(core1_0.PipelineBindPointGraphics, []renderpass.UsageDescription{renderpass.ColorWrite(f.color)}, "")
	_, err := b.Build(f.dev, f.reg, 1)
	require.NoError(t, err)

	assert.Panics(t, func() { _, _ = b.Build(f.dev, f.reg, 1) })
	assert.Panics(t, func() { b.AddAttachment(f.depth, "depth", clearDepth) })
	assert.Panics(t, func() { b.AddSubpass(core1_0.PipelineBindPointGraphics, nil, "") })
}

func TestBuildFailures(t *testing.T) {
	f := newFixture(t)
	f.dev.FailNext("CreateRenderPass", errors.New("device lost"))
	_, err := renderpass.NewBuilder("broken").
		AddAttachment(f.color, "color", clearColor).
		AddSubpass(core1_0.PipelineBindPointGraphics, []renderpass.UsageDescription{renderpass.ColorWrite(f.color)}, "").
		Build(f.dev, f.reg, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `render pass "broken"`)

	f.dev.FailNext("CreateFramebuffer", errors.New("out of host memory"))
	_, err = renderpass.NewBuilder("no framebuffers").
		AddAttachment(f.color, "color", clearColor).
		AddSubpass(core1_0.PipelineBindPointGraphics, []renderpass.UsageDescription{renderpass.ColorWrite(f.color)}, "").
		Build(f.dev, f.reg, 1)
	require.Error(t, err)
	assert.Zero(t, f.dev.Live(gpu.KindRenderPass), "a pass without framebuffers is destroyed")
}

func TestDestroy(t *testing.T) {
	f := newFixture(t)
	rp := f.sceneAndOverlay(t)
	rp.Destroy()
	rp.Destroy()

	assert.Zero(t, f.dev.Live(gpu.KindFramebuffer))
	assert.Zero(t, f.dev.Live(gpu.KindRenderPass))
	assert.Empty(t, f.dev.Misuse)
}
