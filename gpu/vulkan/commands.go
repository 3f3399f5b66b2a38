package vulkan

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/troglodite/troglodite/gpu"
)

func (d *Device) CreateCommandPool(resetBuffers bool) (gpu.CommandPool, error) {
	info := core1_0.CommandPoolCreateInfo{QueueFamilyIndex: *d.families.graphics}
	if resetBuffers {
		info.Flags = core1_0.CommandPoolCreateResetBuffer
	}
	pool, _, err := d.driver.CreateCommandPool(nil, info)
	if err != nil {
		return 0, err
	}
	return d.pools.add(pool), nil
}

// DestroyCommandPool destroys the pool and forgets every buffer allocated
// from it.
func (d *Device) DestroyCommandPool(h gpu.CommandPool) {
	pool := d.pools.take(h)
	for buf, cb := range d.commandBuffers.items {
		if cb.pool == h {
			delete(d.commandBuffers.items, buf)
		}
	}
	d.driver.DestroyCommandPool(pool, nil)
}

func (d *Device) AllocateCommandBuffer(h gpu.CommandPool) (gpu.CommandBuffer, error) {
	buffers, _, err := d.driver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.pools.get(h),
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return 0, err
	}
	return d.commandBuffers.add(commandBuffer{native: buffers[0], pool: h}), nil
}

func (d *Device) ResetCommandPool(h gpu.CommandPool) error {
	_, err := d.driver.ResetCommandPool(d.pools.get(h), 0)
	return err
}

func (d *Device) ResetCommandBuffer(h gpu.CommandBuffer) error {
	_, err := d.driver.ResetCommandBuffer(d.commandBuffers.get(h).native, 0)
	return err
}

func (d *Device) BeginCommandBuffer(h gpu.CommandBuffer, oneTimeSubmit bool) error {
	var info core1_0.CommandBufferBeginInfo
	if oneTimeSubmit {
		info.Flags = core1_0.CommandBufferUsageOneTimeSubmit
	}
	_, err := d.driver.BeginCommandBuffer(d.commandBuffers.get(h).native, info)
	return err
}

func (d *Device) EndCommandBuffer(h gpu.CommandBuffer) error {
	_, err := d.driver.EndCommandBuffer(d.commandBuffers.get(h).native)
	return err
}

func (d *Device) CmdBeginRenderPass(h gpu.CommandBuffer, begin gpu.RenderPassBegin) error {
	return d.driver.CmdBeginRenderPass(d.commandBuffers.get(h).native, core1_0.SubpassContentsInline,
		core1_0.RenderPassBeginInfo{
			RenderPass:  d.renderPasses.get(begin.RenderPass),
			Framebuffer: d.framebuffers.get(begin.Framebuffer),
			RenderArea:  begin.RenderArea,
			ClearValues: begin.ClearValues,
		})
}

func (d *Device) CmdNextSubpass(h gpu.CommandBuffer) {
	d.driver.CmdNextSubpass(d.commandBuffers.get(h).native, core1_0.SubpassContentsInline)
}

func (d *Device) CmdEndRenderPass(h gpu.CommandBuffer) {
	d.driver.CmdEndRenderPass(d.commandBuffers.get(h).native)
}

func (d *Device) CmdSetViewport(h gpu.CommandBuffer, viewport core1_0.Viewport) {
	d.driver.CmdSetViewport(d.commandBuffers.get(h).native, viewport)
}

func (d *Device) CmdSetScissor(h gpu.CommandBuffer, scissor core1_0.Rect2D) {
	d.driver.CmdSetScissor(d.commandBuffers.get(h).native, scissor)
}

func (d *Device) CmdCopyBuffer(h gpu.CommandBuffer, src, dst gpu.Buffer, size int) error {
	return d.driver.CmdCopyBuffer(d.commandBuffers.get(h).native, d.buffers.get(src), d.buffers.get(dst),
		core1_0.BufferCopy{Size: size})
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	var info core1_0.FenceCreateInfo
	if signaled {
		info.Flags = core1_0.FenceCreateSignaled
	}
	fence, _, err := d.driver.CreateFence(nil, info)
	if err != nil {
		return 0, err
	}
	return d.fences.add(fence), nil
}

func (d *Device) DestroyFence(h gpu.Fence) { d.driver.DestroyFence(d.fences.take(h), nil) }

// WaitForFence blocks until the fence signals, returning gpu.ErrTimeout if it
// does not within timeout.
func (d *Device) WaitForFence(h gpu.Fence, timeout time.Duration) error {
	res, err := d.driver.WaitForFences(true, timeout, d.fences.get(h))
	if err != nil {
		return err
	}
	if res == core1_0.VKTimeout {
		return errors.Wrapf(gpu.ErrTimeout, "fence after %s", timeout)
	}
	return nil
}

func (d *Device) ResetFence(h gpu.Fence) error {
	_, err := d.driver.ResetFences(d.fences.get(h))
	return err
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	semaphore, _, err := d.driver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return 0, err
	}
	return d.semaphores.add(semaphore), nil
}

func (d *Device) DestroySemaphore(h gpu.Semaphore) {
	d.driver.DestroySemaphore(d.semaphores.take(h), nil)
}

// Submit submits to the graphics queue. A zero fence submits unfenced.
func (d *Device) Submit(info gpu.SubmitInfo, fence gpu.Fence) error {
	native := core1_0.SubmitInfo{WaitDstStageMask: info.WaitStages}
	for _, s := range info.WaitSemaphores {
		native.WaitSemaphores = append(native.WaitSemaphores, d.semaphores.get(s))
	}
	for _, b := range info.CommandBuffers {
		native.CommandBuffers = append(native.CommandBuffers, d.commandBuffers.get(b).native)
	}
	for _, s := range info.SignalSemaphores {
		native.SignalSemaphores = append(native.SignalSemaphores, d.semaphores.get(s))
	}

	var f *core1_0.Fence
	if fence != 0 {
		nf := d.fences.get(fence)
		f = &nf
	}
	_, err := d.driver.QueueSubmit(d.graphics, f, native)
	return err
}
