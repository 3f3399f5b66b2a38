package renderpass

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/troglodite/troglodite/attachment"
	"github.com/troglodite/troglodite/gpu"
)

type Subpass struct {
	Name                   string
	BindPoint              core1_0.PipelineBindPoint
	Usages                 []UsageDescription
	ColorAttachments       []core1_0.AttachmentReference
	DepthStencilAttachment *core1_0.AttachmentReference
}

// Dependency is a subpass dependency together with the attachment whose use
// produced it.
type Dependency struct {
	Attachment attachment.Handle
	Native     core1_0.SubpassDependency
}

type Framebuffer struct {
	Handle      gpu.Framebuffer
	Extent      core1_0.Extent2D
	Attachments []gpu.ImageView
}

// RenderPass is a compiled pass. Only its framebuffers change after Build.
type RenderPass struct {
	dev          gpu.PassDevice
	log          *slog.Logger
	name         string
	presentation bool
	handle       gpu.RenderPass

	attachments     []attachment.Handle
	attachmentNames []string
	clearValues     []core1_0.ClearValue
	subpasses       []Subpass
	dependencies    []Dependency

	framebufferCount int
	framebuffers     []Framebuffer
}

func (rp *RenderPass) Handle() gpu.RenderPass { return rp.handle }
func (rp *RenderPass) Name() string           { return rp.name }
func (rp *RenderPass) Presentation() bool     { return rp.presentation }

func (rp *RenderPass) AttachmentCount() int { return len(rp.attachments) }

func (rp *RenderPass) AttachmentNames() []string {
	return append([]string(nil), rp.attachmentNames...)
}

func (rp *RenderPass) Subpasses() []Subpass {
	return append([]Subpass(nil), rp.subpasses...)
}

func (rp *RenderPass) Dependencies() []Dependency {
	return append([]Dependency(nil), rp.dependencies...)
}

// DependenciesFor returns the dependency chain produced by uses of h, in
// subpass order.
func (rp *RenderPass) DependenciesFor(h attachment.Handle) []Dependency {
	var deps []Dependency
	for _, dep := range rp.dependencies {
		if dep.Attachment == h {
			deps = append(deps, dep)
		}
	}
	return deps
}

// ClearValues returns one value per attachment in declaration order.
func (rp *RenderPass) ClearValues() []core1_0.ClearValue {
	return append([]core1_0.ClearValue(nil), rp.clearValues...)
}

func (rp *RenderPass) FramebufferCount() int { return rp.framebufferCount }

func (rp *RenderPass) Framebuffers() []Framebuffer {
	return append([]Framebuffer(nil), rp.framebuffers...)
}

// SetFramebufferCount changes how many framebuffers the next rebuild creates.
func (rp *RenderPass) SetFramebufferCount(n int) {
	if n <= 0 {
		panic(errors.AssertionFailedf("render pass %q needs at least one framebuffer, got %d", rp.name, n))
	}
	rp.framebufferCount = n
}

// BeginInfo describes how to begin the pass against framebuffer i.
func (rp *RenderPass) BeginInfo(i int) gpu.RenderPassBegin {
	if i < 0 || i >= len(rp.framebuffers) {
		panic(errors.AssertionFailedf("render pass %q has %d framebuffers, asked for %d", rp.name, len(rp.framebuffers), i))
	}
	fb := rp.framebuffers[i]
	return gpu.RenderPassBegin{
		RenderPass:  rp.handle,
		Framebuffer: fb.Handle,
		RenderArea: core1_0.Rect2D{
			Offset: core1_0.Offset2D{X: 0, Y: 0},
			Extent: fb.Extent,
		},
		ClearValues: rp.ClearValues(),
	}
}

// ReleaseFramebuffers destroys the framebuffers without rebuilding them, for
// when the images they reference are about to be destroyed.
func (rp *RenderPass) ReleaseFramebuffers() {
	for _, fb := range rp.framebuffers {
		rp.dev.DestroyFramebuffer(fb.Handle)
	}
	rp.framebuffers = rp.framebuffers[:0]
}

// extent is taken from the first color attachment, or the first attachment
// when the pass has no color attachment.
func (rp *RenderPass) extent(reg *attachment.Registry) core1_0.Extent2D {
	var first core1_0.Extent2D
	for i, h := range rp.attachments {
		a, _ := reg.Lookup(h)
		if i == 0 {
			first = a.Extent()
		}
		if a.Description().Type == attachment.Color {
			return a.Extent()
		}
	}
	return first
}

// RebuildFramebuffers frees the current framebuffers and creates new ones from
// the registry's current textures.
func (rp *RenderPass) RebuildFramebuffers(reg *attachment.Registry) error {
	rp.ReleaseFramebuffers()

	resolved := make([]*attachment.Attachment, len(rp.attachments))
	for i, h := range rp.attachments {
		a, ok := reg.Lookup(h)
		if !ok {
			panic(errors.AssertionFailedf("render pass %q: attachment %q (%d) is not registered", rp.name, rp.attachmentNames[i], h))
		}
		resolved[i] = a
	}
	extent := rp.extent(reg)

	for slot := 0; slot < rp.framebufferCount; slot++ {
		views := make([]gpu.ImageView, len(resolved))
		for i, a := range resolved {
			views[i] = a.Texture(slot).View
		}
		handle, err := rp.dev.CreateFramebuffer(gpu.FramebufferInfo{
			RenderPass:  rp.handle,
			Attachments: views,
			Width:       int(extent.Width),
			Height:      int(extent.Height),
			Layers:      1,
		})
		if err != nil {
			rp.log.Error("framebuffer creation failed", "pass", rp.name, "framebuffer", slot, "error", err)
			return errors.Wrapf(err, "creating framebuffer %d of render pass %q", slot, rp.name)
		}
		rp.framebuffers = append(rp.framebuffers, Framebuffer{Handle: handle, Extent: extent, Attachments: views})
	}
	return nil
}

// Destroy frees the framebuffers and the pass itself.
func (rp *RenderPass) Destroy() {
	rp.ReleaseFramebuffers()
	if rp.handle != 0 {
		rp.dev.DestroyRenderPass(rp.handle)
		rp.handle = 0
	}
}
