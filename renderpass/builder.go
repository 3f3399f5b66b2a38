// Package renderpass compiles declarative pass descriptions into native render
// passes. Subpass dependencies are derived from per-subpass usage declarations
// and never written by hand.
package renderpass

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/troglodite/troglodite/attachment"
	"github.com/troglodite/troglodite/gpu"
)

// MaxColorAttachments is the number of color references a subpass may use.
// Every conformant device supports at least this many.
const MaxColorAttachments = 8

// UsageDescription declares how one subpass touches one attachment: the
// layout it needs, and the first stage and access it performs.
type UsageDescription struct {
	Attachment attachment.Handle
	Layout     core1_0.ImageLayout
	Stage      core1_0.PipelineStageFlags
	Access     core1_0.AccessFlags
}

// ColorWrite is the usage of a color attachment written by a graphics subpass.
func ColorWrite(h attachment.Handle) UsageDescription {
	return UsageDescription{
		Attachment: h,
		Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
		Stage:      core1_0.PipelineStageColorAttachmentOutput,
		Access:     core1_0.AccessColorAttachmentWrite,
	}
}

// DepthWrite is the usage of a depth attachment tested and written by a
// graphics subpass.
func DepthWrite(h attachment.Handle) UsageDescription {
	return UsageDescription{
		Attachment: h,
		Layout:     core1_0.ImageLayoutDepthStencilAttachmentOptimal,
		Stage:      core1_0.PipelineStageEarlyFragmentTests,
		Access:     core1_0.AccessDepthStencilAttachmentWrite,
	}
}

type Option func(*Builder)

// WithStrictDepthPairing requires every subpass to use exactly one depth
// attachment per color attachment.
func WithStrictDepthPairing() Option {
	return func(b *Builder) { b.strictDepth = true }
}

// AsPresentation marks the pass as the one that renders into the output.
func AsPresentation() Option {
	return func(b *Builder) { b.presentation = true }
}

func WithLogger(log *slog.Logger) Option {
	return func(b *Builder) { b.log = log }
}

type declaredAttachment struct {
	handle attachment.Handle
	name   string
	clear  core1_0.ClearValue
}

type declaredSubpass struct {
	bindPoint core1_0.PipelineBindPoint
	usages    []UsageDescription
	name      string
}

// Builder collects attachments and subpasses for one pass. It is single use:
// after Build it panics on every call.
type Builder struct {
	name         string
	log          *slog.Logger
	strictDepth  bool
	presentation bool
	attachments  []declaredAttachment
	subpasses    []declaredSubpass
	built        bool
}

func NewBuilder(name string, opts ...Option) *Builder {
	b := &Builder{name: name, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) checkOpen() {
	if b.built {
		panic(errors.AssertionFailedf("render pass builder %q used after Build", b.name))
	}
}

// AddAttachment appends an attachment to the pass. Attachments are bound in
// the order they are added. The clear value is used only when the
// attachment's description clears on load.
func (b *Builder) AddAttachment(h attachment.Handle, name string, clear core1_0.ClearValue) *Builder {
	b.checkOpen()
	b.attachments = append(b.attachments, declaredAttachment{handle: h, name: name, clear: clear})
	return b
}

// AddSubpass appends a subpass using the given attachments. Each attachment
// may appear at most once in usages.
func (b *Builder) AddSubpass(bindPoint core1_0.PipelineBindPoint, usages []UsageDescription, name string) *Builder {
	b.checkOpen()
	b.subpasses = append(b.subpasses, declaredSubpass{
		bindPoint: bindPoint,
		usages:    append([]UsageDescription(nil), usages...),
		name:      name,
	})
	return b
}

// Build compiles the pass and creates framebufferCount framebuffers for it.
// Configuration mistakes panic; device failures are returned.
func (b *Builder) Build(dev gpu.PassDevice, reg *attachment.Registry, framebufferCount int) (*RenderPass, error) {
	b.checkOpen()
	b.built = true

	if len(b.subpasses) == 0 {
		panic(errors.AssertionFailedf("render pass %q has no subpasses", b.name))
	}
	if framebufferCount <= 0 {
		panic(errors.AssertionFailedf("render pass %q needs at least one framebuffer, got %d", b.name, framebufferCount))
	}

	rp := &RenderPass{
		dev:              dev,
		log:              b.log,
		name:             b.name,
		presentation:     b.presentation,
		framebufferCount: framebufferCount,
	}

	descriptions := make([]core1_0.AttachmentDescription, len(b.attachments))
	types := make([]attachment.Type, len(b.attachments))
	index := make(map[attachment.Handle]int, len(b.attachments))
	for i, decl := range b.attachments {
		if _, dup := index[decl.handle]; dup {
			panic(errors.AssertionFailedf("render pass %q declares attachment %q twice", b.name, decl.name))
		}
		a, ok := reg.Lookup(decl.handle)
		if !ok {
			panic(errors.AssertionFailedf("render pass %q: attachment %q (%d) is not registered", b.name, decl.name, decl.handle))
		}
		index[decl.handle] = i
		desc := a.Description()
		descriptions[i] = desc.Native
		types[i] = desc.Type

		rp.attachments = append(rp.attachments, decl.handle)
		rp.attachmentNames = append(rp.attachmentNames, decl.name)
		if desc.ClearOnLoad() && decl.clear != nil {
			rp.clearValues = append(rp.clearValues, decl.clear)
		} else {
			// Keeps clear values indexed by attachment position.
			rp.clearValues = append(rp.clearValues, core1_0.ClearValueFloat{})
		}
	}

	for s, sp := range b.subpasses {
		seen := make(map[attachment.Handle]bool, len(sp.usages))
		for _, u := range sp.usages {
			if seen[u.Attachment] {
				panic(errors.AssertionFailedf("render pass %q subpass %q references attachment %d twice", b.name, sp.name, u.Attachment))
			}
			seen[u.Attachment] = true
			if _, ok := index[u.Attachment]; !ok {
				panic(errors.AssertionFailedf("render pass %q subpass %d %q uses attachment %d which is not part of the pass", b.name, s, sp.name, u.Attachment))
			}
		}
		rp.subpasses = append(rp.subpasses, Subpass{Name: sp.name, BindPoint: sp.bindPoint, Usages: sp.usages})
	}

	// Walk attachment-major so each attachment's uses form one chain, and
	// references within a subpass follow attachment declaration order.
	for i, decl := range b.attachments {
		prev := -1
		var prevUsage UsageDescription
		for s, sp := range b.subpasses {
			u, ok := usageOf(sp.usages, decl.handle)
			if !ok {
				continue
			}
			ref := core1_0.AttachmentReference{Attachment: i, Layout: u.Layout}
			switch types[i] {
			case attachment.Color:
				rp.subpasses[s].ColorAttachments = append(rp.subpasses[s].ColorAttachments, ref)
			case attachment.DepthStencil:
				if rp.subpasses[s].DepthStencilAttachment != nil {
					panic(errors.AssertionFailedf("render pass %q subpass %q has more than one depth-stencil attachment", b.name, sp.name))
				}
				rp.subpasses[s].DepthStencilAttachment = &ref
			default:
				panic(errors.AssertionFailedf("render pass %q attachment %q has unsupported type %s", b.name, decl.name, types[i]))
			}

			dep := Dependency{
				Attachment: decl.handle,
				Native: core1_0.SubpassDependency{
					SrcSubpass:    core1_0.SubpassExternal,
					DstSubpass:    s,
					SrcStageMask:  core1_0.PipelineStageTopOfPipe,
					SrcAccessMask: 0,
					DstStageMask:  u.Stage,
					DstAccessMask: u.Access,
				},
			}
			if prev >= 0 {
				dep.Native.SrcSubpass = prev
				dep.Native.SrcStageMask = prevUsage.Stage
				dep.Native.SrcAccessMask = prevUsage.Access
			}
			rp.dependencies = append(rp.dependencies, dep)
			prev, prevUsage = s, u
		}
	}

	for _, sp := range rp.subpasses {
		if len(sp.ColorAttachments) > MaxColorAttachments {
			panic(errors.AssertionFailedf("render pass %q subpass %q uses %d color attachments, limit is %d",
				b.name, sp.Name, len(sp.ColorAttachments), MaxColorAttachments))
		}
		if b.strictDepth {
			depth := 0
			if sp.DepthStencilAttachment != nil {
				depth = 1
			}
			if len(sp.ColorAttachments) != depth {
				panic(errors.AssertionFailedf("render pass %q subpass %q has %d color and %d depth-stencil attachments",
					b.name, sp.Name, len(sp.ColorAttachments), depth))
			}
		}
	}

	info := core1_0.RenderPassCreateInfo{Attachments: descriptions}
	for _, sp := range rp.subpasses {
		info.Subpasses = append(info.Subpasses, core1_0.SubpassDescription{
			PipelineBindPoint:      sp.BindPoint,
			ColorAttachments:       sp.ColorAttachments,
			DepthStencilAttachment: sp.DepthStencilAttachment,
		})
	}
	for _, dep := range rp.dependencies {
		info.SubpassDependencies = append(info.SubpassDependencies, dep.Native)
	}

	handle, err := dev.CreateRenderPass(info)
	if err != nil {
		b.log.Error("render pass creation failed", "pass", b.name, "error", err)
		return nil, errors.Wrapf(err, "creating render pass %q", b.name)
	}
	rp.handle = handle

	if err := rp.RebuildFramebuffers(reg); err != nil {
		rp.Destroy()
		return nil, err
	}

	b.log.Debug("built render pass", "pass", b.name,
		"attachments", len(rp.attachments), "subpasses", len(rp.subpasses), "dependencies", len(rp.dependencies))
	return rp, nil
}

func usageOf(usages []UsageDescription, h attachment.Handle) (UsageDescription, bool) {
	for _, u := range usages {
		if u.Attachment == h {
			return u, true
		}
	}
	return UsageDescription{}, false
}
