package attachment

import (
	"fmt"

	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
)

// Type is the semantic role of an attachment inside a subpass.
type Type int

const (
	Color Type = iota + 1
	DepthStencil
)

func (t Type) String() string {
	switch t {
	case Color:
		return "color"
	case DepthStencil:
		return "depth-stencil"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Description is the immutable part of an attachment. Format and Type never
// change once an attachment is registered.
type Description struct {
	Native core1_0.AttachmentDescription
	Type   Type
}

// ClearOnLoad reports whether the attachment is cleared at the start of a
// pass, in which case the pass supplies a clear value for it.
func (d Description) ClearOnLoad() bool {
	return d.Native.LoadOp == core1_0.AttachmentLoadOpClear
}

func (d Description) Format() core1_0.Format {
	return d.Native.Format
}

func (d Description) usage() core1_0.ImageUsageFlags {
	if d.Type == DepthStencil {
		return core1_0.ImageUsageDepthStencilAttachment
	}
	return core1_0.ImageUsageColorAttachment
}

func (d Description) aspect() core1_0.ImageAspectFlags {
	if d.Type == DepthStencil {
		return core1_0.ImageAspectDepth
	}
	return core1_0.ImageAspectColor
}

// DefaultColor describes a presentable sRGB color target. With clearOnLoad
// false the previous contents are loaded, for passes that draw over the output
// of an earlier pass.
func DefaultColor(clearOnLoad bool) Description {
	d := Description{
		Type: Color,
		Native: core1_0.AttachmentDescription{
			Format:         core1_0.FormatB8G8R8A8SRGB,
			Samples:        core1_0.Samples1,
			LoadOp:         core1_0.AttachmentLoadOpClear,
			StoreOp:        core1_0.AttachmentStoreOpStore,
			StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
			StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
			InitialLayout:  core1_0.ImageLayoutUndefined,
			FinalLayout:    khr_swapchain.ImageLayoutPresentSrc,
		},
	}
	if !clearOnLoad {
		d.Native.LoadOp = core1_0.AttachmentLoadOpLoad
		d.Native.InitialLayout = khr_swapchain.ImageLayoutPresentSrc
	}
	return d
}

// DefaultDepth describes a 32 bit float depth target.
func DefaultDepth(clearOnLoad bool) Description {
	d := Description{
		Type: DepthStencil,
		Native: core1_0.AttachmentDescription{
			Format:         core1_0.FormatD32SignedFloat,
			Samples:        core1_0.Samples1,
			LoadOp:         core1_0.AttachmentLoadOpClear,
			StoreOp:        core1_0.AttachmentStoreOpStore,
			StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
			StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
			InitialLayout:  core1_0.ImageLayoutUndefined,
			FinalLayout:    core1_0.ImageLayoutDepthStencilAttachmentOptimal,
		},
	}
	if !clearOnLoad {
		d.Native.LoadOp = core1_0.AttachmentLoadOpLoad
		d.Native.InitialLayout = core1_0.ImageLayoutDepthStencilAttachmentOptimal
	}
	return d
}

// WithFormat returns a copy of d using format.
func (d Description) WithFormat(format core1_0.Format) Description {
	d.Native.Format = format
	return d
}
