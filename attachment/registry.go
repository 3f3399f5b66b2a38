// Package attachment keeps the render targets that passes draw into. A
// Registry owns depth and other internally allocated images and wraps the
// presentable images handed to it by the swapchain. Attachments are addressed
// by stable handles and are never removed individually.
package attachment

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/troglodite/troglodite/gpu"
)

type Handle int

// Source tells who provides an attachment's textures.
type Source int

const (
	// Owned attachments are allocated by the registry.
	Owned Source = iota
	// External attachments wrap textures the caller keeps ownership of.
	External
	// Output is the attachment backed by the presentable surface.
	Output
	// Shared attachments alias the textures of another attachment.
	Shared
)

// Attachment is one registered render target.
type Attachment struct {
	reg      *Registry
	desc     Description
	source   Source
	textures []gpu.Texture
	extent   core1_0.Extent2D
	alias    Handle
}

func (a *Attachment) Description() Description { return a.desc }
func (a *Attachment) Source() Source           { return a.source }

// Textures returns the backing textures. Per-frame attachments such as the
// output have several; everything else has one.
func (a *Attachment) Textures() []gpu.Texture {
	if a.source == Shared {
		return a.reg.attachments[a.alias].Textures()
	}
	return a.textures
}

// Texture returns the texture a framebuffer slot should bind. Slots beyond
// the texture count wrap around, so a single depth image serves every
// swapchain image.
func (a *Attachment) Texture(slot int) gpu.Texture {
	textures := a.Textures()
	return textures[slot%len(textures)]
}

func (a *Attachment) Extent() core1_0.Extent2D {
	if a.source == Shared {
		return a.reg.attachments[a.alias].Extent()
	}
	return a.extent
}

type Registry struct {
	dev         gpu.ImageAllocator
	log         *slog.Logger
	attachments []*Attachment
	output      Handle
	hasOutput   bool
}

func NewRegistry(dev gpu.ImageAllocator, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{dev: dev, log: log}
}

func (r *Registry) add(a *Attachment) Handle {
	a.reg = r
	r.attachments = append(r.attachments, a)
	return Handle(len(r.attachments) - 1)
}

func (r *Registry) allocate(desc Description, extent core1_0.Extent2D) (gpu.Texture, error) {
	return r.dev.CreateImage(gpu.ImageInfo{
		Format:  desc.Native.Format,
		Extent:  extent,
		Samples: desc.Native.Samples,
		Usage:   desc.usage(),
		Aspect:  desc.aspect(),
	})
}

// RegisterOwned allocates an image matching desc and registers it. The image
// is queued on releases, which decides how long it lives.
func (r *Registry) RegisterOwned(desc Description, extent core1_0.Extent2D, releases *gpu.ReleaseQueue) (Handle, error) {
	tex, err := r.allocate(desc, extent)
	if err != nil {
		return 0, errors.Wrapf(err, "allocating %s attachment %dx%d", desc.Type, extent.Width, extent.Height)
	}
	h := r.add(&Attachment{
		desc:     desc,
		source:   Owned,
		textures: []gpu.Texture{tex},
		extent:   extent,
	})
	releases.PushTexture(tex, "attachment")
	r.log.Debug("registered attachment", "attachment", int(h), "type", desc.Type, "extent", extent)
	return h, nil
}

// ReallocateOwned replaces the image of an owned attachment with one of the
// new extent. The previous image must already have been released through the
// queue it was registered on. On failure the attachment is left without an
// image until a later ReallocateOwned succeeds.
func (r *Registry) ReallocateOwned(h Handle, extent core1_0.Extent2D, releases *gpu.ReleaseQueue) error {
	a := r.mustGet(h)
	if a.source != Owned {
		panic(errors.AssertionFailedf("attachment %d is not owned by the registry", h))
	}
	// The old image is already gone.
	a.textures[0] = gpu.Texture{}
	a.extent = core1_0.Extent2D{}
	tex, err := r.allocate(a.desc, extent)
	if err != nil {
		return errors.Wrapf(err, "reallocating attachment %d at %dx%d", h, extent.Width, extent.Height)
	}
	a.textures[0] = tex
	a.extent = extent
	releases.PushTexture(tex, "attachment")
	return nil
}

// RegisterTextures registers textures the caller owns and will destroy.
func (r *Registry) RegisterTextures(desc Description, textures []gpu.Texture) Handle {
	if len(textures) == 0 {
		panic(errors.AssertionFailedf("attachment registered without textures"))
	}
	return r.add(&Attachment{
		desc:     desc,
		source:   External,
		textures: append([]gpu.Texture(nil), textures...),
		extent:   textures[0].Extent,
	})
}

// RegisterShared registers a second description over the textures of source,
// typically a load variant so a later pass keeps what an earlier one stored.
// Replacing the source's textures is visible through the shared attachment.
func (r *Registry) RegisterShared(desc Description, source Handle) Handle {
	src := r.mustGet(source)
	if src.desc.Native.Format != desc.Native.Format {
		panic(errors.AssertionFailedf("shared attachment format %d does not match source format %d",
			desc.Native.Format, src.desc.Native.Format))
	}
	for src.source == Shared {
		source = src.alias
		src = r.attachments[source]
	}
	return r.add(&Attachment{desc: desc, source: Shared, alias: source})
}

func swapchainTextures(sc gpu.SwapchainImages) []gpu.Texture {
	if len(sc.Images) != len(sc.Views) {
		panic(errors.AssertionFailedf("swapchain has %d images but %d views", len(sc.Images), len(sc.Views)))
	}
	textures := make([]gpu.Texture, len(sc.Images))
	for i := range sc.Images {
		textures[i] = gpu.Texture{
			Image:    sc.Images[i],
			View:     sc.Views[i],
			Format:   sc.Format,
			Extent:   sc.Extent,
			MipCount: 1,
		}
	}
	return textures
}

// RegisterOutput registers the attachment backed by the presentable images.
// The images are not owned by the registry. Only one output may exist.
func (r *Registry) RegisterOutput(desc Description, sc gpu.SwapchainImages) Handle {
	if r.hasOutput {
		panic(errors.AssertionFailedf("output attachment already registered as %d", r.output))
	}
	if desc.Type != Color {
		panic(errors.AssertionFailedf("output attachment must be a color attachment, got %s", desc.Type))
	}
	desc = desc.WithFormat(sc.Format)
	h := r.add(&Attachment{
		desc:     desc,
		source:   Output,
		textures: swapchainTextures(sc),
		extent:   sc.Extent,
	})
	r.output = h
	r.hasOutput = true
	r.log.Info("registered output attachment", "attachment", int(h), "images", len(sc.Images), "extent", sc.Extent)
	return h
}

// RecreateOutput swaps the output's images for those of a new swapchain,
// keeping its handle. Framebuffers referencing it must be rebuilt afterwards.
func (r *Registry) RecreateOutput(sc gpu.SwapchainImages) {
	if !r.hasOutput {
		panic(errors.AssertionFailedf("no output attachment to recreate"))
	}
	a := r.attachments[r.output]
	if sc.Format != a.desc.Native.Format {
		panic(errors.AssertionFailedf("swapchain format changed from %d to %d", a.desc.Native.Format, sc.Format))
	}
	a.textures = swapchainTextures(sc)
	a.extent = sc.Extent
}

// Output returns the output attachment handle, if one was registered.
func (r *Registry) Output() (Handle, bool) {
	return r.output, r.hasOutput
}

// Lookup returns the attachment for h.
func (r *Registry) Lookup(h Handle) (*Attachment, bool) {
	if h < 0 || int(h) >= len(r.attachments) {
		return nil, false
	}
	return r.attachments[h], true
}

func (r *Registry) mustGet(h Handle) *Attachment {
	a, ok := r.Lookup(h)
	if !ok {
		panic(errors.AssertionFailedf("unknown attachment %d", h))
	}
	return a
}

func (r *Registry) Len() int {
	return len(r.attachments)
}
