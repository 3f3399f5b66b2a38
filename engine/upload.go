package engine

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/troglodite/troglodite/gpu"
)

// uploadContext is the dedicated pool, buffer and fence used by
// ImmediateSubmit.
type uploadContext struct {
	pool   gpu.CommandPool
	buffer gpu.CommandBuffer
	fence  gpu.Fence
	busy   bool
}

func (e *Engine) createUploadContext() error {
	var err error
	u := &e.upload
	if u.pool, err = e.dev.CreateCommandPool(false); err != nil {
		return err
	}
	e.lifetime.Push(gpu.KindCommandPool, uint64(u.pool), "upload command pool")
	if u.buffer, err = e.dev.AllocateCommandBuffer(u.pool); err != nil {
		return err
	}
	if u.fence, err = e.dev.CreateFence(false); err != nil {
		return err
	}
	e.lifetime.Push(gpu.KindFence, uint64(u.fence), "upload fence")
	return nil
}

// ImmediateSubmit records commands with record, submits them and blocks until
// the device has executed them. It must not be called from within record.
func (e *Engine) ImmediateSubmit(record func(buf gpu.CommandBuffer) error) error {
	u := &e.upload
	if u.busy {
		panic(errors.AssertionFailedf("ImmediateSubmit called while another immediate submission is recording"))
	}
	u.busy = true
	reset, pending := false, false
	defer func() {
		u.busy = false
		// Any exit after Begin, a panic included, returns the buffer to the
		// initial state. The pool has no per-buffer reset. A buffer still
		// executing cannot be reset.
		if !reset && !pending {
			if err := e.dev.ResetCommandPool(u.pool); err != nil {
				e.log.Warn("resetting immediate command pool", "error", err)
			}
		}
	}()

	if err := e.dev.BeginCommandBuffer(u.buffer, true); err != nil {
		return errors.Wrap(err, "beginning immediate command buffer")
	}
	if err := record(u.buffer); err != nil {
		return errors.Wrap(err, "recording immediate commands")
	}
	if err := e.dev.EndCommandBuffer(u.buffer); err != nil {
		return errors.Wrap(err, "ending immediate command buffer")
	}
	if err := e.dev.Submit(gpu.SubmitInfo{CommandBuffers: []gpu.CommandBuffer{u.buffer}}, u.fence); err != nil {
		return errors.Wrap(err, "submitting immediate commands")
	}
	pending = true
	if err := e.dev.WaitForFence(u.fence, e.opts.FenceTimeout); err != nil {
		return errors.Wrap(err, "waiting for immediate commands")
	}
	pending = false
	if err := e.dev.ResetFence(u.fence); err != nil {
		return err
	}
	reset = true
	return e.dev.ResetCommandPool(u.pool)
}

func (e *Engine) allocate(size int, usage core1_0.BufferUsageFlags, properties core1_0.MemoryPropertyFlags) (AllocatedBuffer, error) {
	buffer, memory, err := e.dev.CreateBuffer(size, usage, properties)
	if err != nil {
		return AllocatedBuffer{}, errors.Wrapf(err, "creating %d byte buffer", size)
	}
	return AllocatedBuffer{Buffer: buffer, Memory: memory, Size: size}, nil
}

func (e *Engine) keep(b AllocatedBuffer, label string) {
	e.lifetime.Push(gpu.KindMemory, uint64(b.Memory), label)
	e.lifetime.Push(gpu.KindBuffer, uint64(b.Buffer), label)
}

// CreateBuffer creates a buffer that lives until the engine is closed.
func (e *Engine) CreateBuffer(size int, usage core1_0.BufferUsageFlags, properties core1_0.MemoryPropertyFlags) (AllocatedBuffer, error) {
	b, err := e.allocate(size, usage, properties)
	if err != nil {
		return AllocatedBuffer{}, err
	}
	e.keep(b, "buffer")
	return b, nil
}

// UploadData writes data into a host-visible buffer at offset.
func (e *Engine) UploadData(b AllocatedBuffer, offset int, data []byte) error {
	if offset < 0 || offset+len(data) > b.Size {
		panic(errors.AssertionFailedf("upload of %d bytes at %d overflows %d byte buffer", len(data), offset, b.Size))
	}
	return errors.Wrap(e.dev.WriteMemory(b.Memory, offset, data), "writing buffer memory")
}

// UploadToDevice copies data into a new device-local buffer through a
// staging buffer, which is released before returning.
func (e *Engine) UploadToDevice(data []byte, usage core1_0.BufferUsageFlags) (AllocatedBuffer, error) {
	size := len(data)
	staging, err := e.allocate(size, core1_0.BufferUsageTransferSrc,
		core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
	if err != nil {
		return AllocatedBuffer{}, err
	}
	defer func() {
		e.dev.DestroyBuffer(staging.Buffer)
		e.dev.FreeMemory(staging.Memory)
	}()
	if err := e.UploadData(staging, 0, data); err != nil {
		return AllocatedBuffer{}, err
	}

	b, err := e.allocate(size, usage|core1_0.BufferUsageTransferDst, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return AllocatedBuffer{}, err
	}
	err = e.ImmediateSubmit(func(buf gpu.CommandBuffer) error {
		return e.dev.CmdCopyBuffer(buf, staging.Buffer, b.Buffer, size)
	})
	if err != nil {
		e.dev.DestroyBuffer(b.Buffer)
		e.dev.FreeMemory(b.Memory)
		return AllocatedBuffer{}, err
	}
	e.keep(b, "device buffer")
	return b, nil
}

// PadUniformBufferSize rounds size up to the device's dynamic uniform offset
// alignment.
func (e *Engine) PadUniformBufferSize(size int) int {
	align := e.dev.MinUniformBufferOffsetAlignment()
	if align <= 0 {
		return size
	}
	return (size + align - 1) &^ (align - 1)
}

// CreatePerFrameBuffer creates one host-visible buffer per frame slot and
// returns the index of the new buffers in FrameContext.Buffers.
func (e *Engine) CreatePerFrameBuffer(size int, usage core1_0.BufferUsageFlags) (int, error) {
	index := len(e.frames[0].Buffers)
	for i := range e.frames {
		b, err := e.CreateBuffer(size, usage, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
		if err != nil {
			return 0, errors.Wrapf(err, "creating buffer for frame slot %d", i)
		}
		e.frames[i].Buffers = append(e.frames[i].Buffers, b)
	}
	return index, nil
}
