package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/troglodite/troglodite/gpu"
)

// findMemoryType returns the first memory type allowed by typeFilter that
// has every flag in properties.
func findMemoryType(types []core1_0.MemoryType, typeFilter uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	for i, memoryType := range types {
		if typeFilter&(1<<i) != 0 && memoryType.PropertyFlags&properties == properties {
			return i, nil
		}
	}
	return 0, errors.Newf("no memory type matches filter %b with properties %s", typeFilter, properties)
}

func (d *Device) allocate(reqs *core1_0.MemoryRequirements, properties core1_0.MemoryPropertyFlags) (core1_0.DeviceMemory, error) {
	index, err := findMemoryType(d.memory.MemoryTypes, reqs.MemoryTypeBits, properties)
	if err != nil {
		return core1_0.DeviceMemory{}, err
	}
	memory, _, err := d.driver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: index,
	})
	return memory, err
}

func (d *Device) createImageView(image core1_0.Image, format core1_0.Format, aspect core1_0.ImageAspectFlags) (core1_0.ImageView, error) {
	view, _, err := d.driver.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:    image,
		ViewType: core1_0.ImageViewType2D,
		Format:   format,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask: aspect,
			LevelCount: 1,
			LayerCount: 1,
		},
	})
	return view, err
}

// CreateImage creates a device-local 2D image with bound memory and a view
// over it.
func (d *Device) CreateImage(info gpu.ImageInfo) (gpu.Texture, error) {
	samples := info.Samples
	if samples == 0 {
		samples = core1_0.Samples1
	}
	image, _, err := d.driver.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType:     core1_0.ImageType2D,
		Extent:        core1_0.Extent3D{Width: info.Extent.Width, Height: info.Extent.Height, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        info.Format,
		Tiling:        core1_0.ImageTilingOptimal,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         info.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       samples,
	})
	if err != nil {
		return gpu.Texture{}, errors.Wrap(err, "creating image")
	}

	memory, err := d.allocate(d.driver.GetImageMemoryRequirements(image), core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		d.driver.DestroyImage(image, nil)
		return gpu.Texture{}, errors.Wrap(err, "allocating image memory")
	}
	if _, err := d.driver.BindImageMemory(image, memory, 0); err != nil {
		d.driver.DestroyImage(image, nil)
		d.driver.FreeMemory(memory, nil)
		return gpu.Texture{}, errors.Wrap(err, "binding image memory")
	}

	view, err := d.createImageView(image, info.Format, info.Aspect)
	if err != nil {
		d.driver.DestroyImage(image, nil)
		d.driver.FreeMemory(memory, nil)
		return gpu.Texture{}, errors.Wrap(err, "creating image view")
	}

	return gpu.Texture{
		Image:    d.images.add(image),
		View:     d.views.add(view),
		Memory:   d.allocations.add(memory),
		Format:   info.Format,
		Extent:   info.Extent,
		MipCount: 1,
	}, nil
}

func (d *Device) DestroyImage(h gpu.Image) { d.driver.DestroyImage(d.images.take(h), nil) }

func (d *Device) DestroyImageView(h gpu.ImageView) {
	d.driver.DestroyImageView(d.views.take(h), nil)
}

func (d *Device) FreeMemory(h gpu.Memory) { d.driver.FreeMemory(d.allocations.take(h), nil) }

func (d *Device) CreateBuffer(size int, usage core1_0.BufferUsageFlags, properties core1_0.MemoryPropertyFlags) (gpu.Buffer, gpu.Memory, error) {
	buffer, _, err := d.driver.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return 0, 0, errors.Wrapf(err, "creating %d byte buffer", size)
	}
	memory, err := d.allocate(d.driver.GetBufferMemoryRequirements(buffer), properties)
	if err != nil {
		d.driver.DestroyBuffer(buffer, nil)
		return 0, 0, errors.Wrap(err, "allocating buffer memory")
	}
	if _, err := d.driver.BindBufferMemory(buffer, memory, 0); err != nil {
		d.driver.DestroyBuffer(buffer, nil)
		d.driver.FreeMemory(memory, nil)
		return 0, 0, errors.Wrap(err, "binding buffer memory")
	}
	return d.buffers.add(buffer), d.allocations.add(memory), nil
}

func (d *Device) DestroyBuffer(h gpu.Buffer) { d.driver.DestroyBuffer(d.buffers.take(h), nil) }

// WriteMemory copies data into host-visible memory at offset.
func (d *Device) WriteMemory(h gpu.Memory, offset int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	memory := d.allocations.get(h)
	ptr, _, err := d.driver.MapMemory(memory, offset, len(data), 0)
	if err != nil {
		return errors.Wrap(err, "mapping memory")
	}
	defer d.driver.UnmapMemory(memory)

	copy(unsafe.Slice((*byte)(ptr), len(data)), data)
	return nil
}

func (d *Device) CreateRenderPass(info core1_0.RenderPassCreateInfo) (gpu.RenderPass, error) {
	pass, _, err := d.driver.CreateRenderPass(nil, info)
	if err != nil {
		return 0, err
	}
	return d.renderPasses.add(pass), nil
}

func (d *Device) DestroyRenderPass(h gpu.RenderPass) {
	d.driver.DestroyRenderPass(d.renderPasses.take(h), nil)
}

func (d *Device) CreateFramebuffer(info gpu.FramebufferInfo) (gpu.Framebuffer, error) {
	views := make([]core1_0.ImageView, len(info.Attachments))
	for i, v := range info.Attachments {
		views[i] = d.views.get(v)
	}
	framebuffer, _, err := d.driver.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
		RenderPass:  d.renderPasses.get(info.RenderPass),
		Attachments: views,
		Width:       info.Width,
		Height:      info.Height,
		Layers:      info.Layers,
	})
	if err != nil {
		return 0, err
	}
	return d.framebuffers.add(framebuffer), nil
}

func (d *Device) DestroyFramebuffer(h gpu.Framebuffer) {
	d.driver.DestroyFramebuffer(d.framebuffers.take(h), nil)
}
