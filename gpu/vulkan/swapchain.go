package vulkan

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/troglodite/troglodite/gpu"
)

var presentModes = map[string]khr_surface.PresentMode{
	"mailbox":   khr_surface.PresentModeMailbox,
	"fifo":      khr_surface.PresentModeFIFO,
	"immediate": khr_surface.PresentModeImmediate,
}

// DrawableSize is the window's drawable area in pixels. It is zero while the
// window is minimized.
func (d *Device) DrawableSize() core1_0.Extent2D {
	if d.window.GetFlags()&sdl.WINDOW_MINIMIZED != 0 {
		return core1_0.Extent2D{}
	}
	w, h := d.window.VulkanGetDrawableSize()
	return core1_0.Extent2D{Width: int(w), Height: int(h)}
}

func chooseSurfaceFormat(available []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	for _, format := range available {
		if format.Format == core1_0.FormatB8G8R8A8SRGB && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format
		}
	}
	return available[0]
}

// choosePresentMode returns the named mode if the surface supports it. FIFO
// is always available.
func choosePresentMode(available []khr_surface.PresentMode, name string) khr_surface.PresentMode {
	want, ok := presentModes[name]
	if !ok {
		return khr_surface.PresentModeFIFO
	}
	for _, mode := range available {
		if mode == want {
			return mode
		}
	}
	return khr_surface.PresentModeFIFO
}

// chooseExtent uses the surface's fixed extent when it reports one,
// otherwise clamps want to the supported range.
func chooseExtent(caps *khr_surface.SurfaceCapabilities, want core1_0.Extent2D) core1_0.Extent2D {
	if caps.CurrentExtent.Width != -1 {
		return caps.CurrentExtent
	}
	return core1_0.Extent2D{
		Width:  clamp(want.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
		Height: clamp(want.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
	}
}

func chooseImageCount(caps *khr_surface.SurfaceCapabilities) int {
	count := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && caps.MaxImageCount < count {
		count = caps.MaxImageCount
	}
	return count
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (d *Device) CreateSwapchain(extent core1_0.Extent2D) (gpu.SwapchainImages, error) {
	var out gpu.SwapchainImages

	caps, _, err := d.surfaceDriver.GetPhysicalDeviceSurfaceCapabilities(d.surface, d.physical)
	if err != nil {
		return out, errors.Wrap(err, "querying surface capabilities")
	}
	formats, _, err := d.surfaceDriver.GetPhysicalDeviceSurfaceFormats(d.surface, d.physical)
	if err != nil {
		return out, errors.Wrap(err, "querying surface formats")
	}
	modes, _, err := d.surfaceDriver.GetPhysicalDeviceSurfacePresentModes(d.surface, d.physical)
	if err != nil {
		return out, errors.Wrap(err, "querying present modes")
	}

	format := chooseSurfaceFormat(formats)
	mode := choosePresentMode(modes, d.opts.PresentMode)
	extent = chooseExtent(caps, extent)

	sharing := core1_0.SharingModeExclusive
	var families []int
	if *d.families.graphics != *d.families.present {
		sharing = core1_0.SharingModeConcurrent
		families = []int{*d.families.graphics, *d.families.present}
	}

	native, _, err := d.swapchainDriver.CreateSwapchain(nil, khr_swapchain.SwapchainCreateInfo{
		Surface:            d.surface,
		MinImageCount:      chooseImageCount(caps),
		ImageFormat:        format.Format,
		ImageColorSpace:    format.ColorSpace,
		ImageExtent:        extent,
		ImageArrayLayers:   1,
		ImageUsage:         core1_0.ImageUsageColorAttachment,
		ImageSharingMode:   sharing,
		QueueFamilyIndices: families,
		PreTransform:       caps.CurrentTransform,
		CompositeAlpha:     khr_surface.CompositeAlphaOpaque,
		PresentMode:        mode,
		Clipped:            true,
	})
	if err != nil {
		return out, err
	}

	images, _, err := d.swapchainDriver.GetSwapchainImages(native)
	if err != nil {
		d.swapchainDriver.DestroySwapchain(native, nil)
		return out, errors.Wrap(err, "listing swapchain images")
	}

	sc := swapchain{native: native}
	out = gpu.SwapchainImages{Format: format.Format, Extent: extent}
	for _, image := range images {
		view, err := d.createImageView(image, format.Format, core1_0.ImageAspectColor)
		if err != nil {
			for _, v := range out.Views {
				d.DestroyImageView(v)
			}
			for _, img := range sc.images {
				d.images.take(img)
			}
			d.swapchainDriver.DestroySwapchain(native, nil)
			return gpu.SwapchainImages{}, errors.Wrap(err, "creating swapchain image view")
		}
		h := d.images.add(image)
		sc.images = append(sc.images, h)
		out.Images = append(out.Images, h)
		out.Views = append(out.Views, d.views.add(view))
	}
	out.Swapchain = d.swapchains.add(sc)

	d.log.Debug("swapchain created",
		"images", len(images), "extent", extent, "format", format.Format, "presentMode", mode)
	return out, nil
}

// DestroySwapchain destroys the swapchain. Views over its images are
// released separately.
func (d *Device) DestroySwapchain(h gpu.Swapchain) {
	sc := d.swapchains.take(h)
	for _, image := range sc.images {
		d.images.take(image)
	}
	d.swapchainDriver.DestroySwapchain(sc.native, nil)
}

func (d *Device) AcquireNextImage(h gpu.Swapchain, timeout time.Duration, signal gpu.Semaphore) (int, common.VkResult, error) {
	semaphore := d.semaphores.get(signal)
	return d.swapchainDriver.AcquireNextImage(d.swapchains.get(h).native, timeout, &semaphore, nil)
}

func (d *Device) Present(h gpu.Swapchain, imageIndex int, wait gpu.Semaphore) (common.VkResult, error) {
	return d.swapchainDriver.QueuePresent(d.present, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{d.semaphores.get(wait)},
		Swapchains:     []khr_swapchain.Swapchain{d.swapchains.get(h).native},
		ImageIndices:   []int{imageIndex},
	})
}
