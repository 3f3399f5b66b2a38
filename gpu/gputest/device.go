// Package gputest provides an in-memory gpu.Device that records every call,
// for exercising the renderer core without a graphics driver.
package gputest

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/troglodite/troglodite/gpu"
)

type Call struct {
	Op     string
	Handle uint64
}

type AcquireResult struct {
	Index  int
	Result common.VkResult
	Err    error
}

type PresentResult struct {
	Result common.VkResult
	Err    error
}

type FenceState int

const (
	FenceUnsignaled FenceState = iota
	FenceSignaled
	FencePending
)

type Submission struct {
	Info  gpu.SubmitInfo
	Fence gpu.Fence
}

// Device is a recording gpu.Device. Handles are allocated from a single
// counter so they are unique across kinds.
type Device struct {
	Calls     []Call
	Created   map[gpu.Kind]int
	Destroyed map[gpu.Kind]int
	// Misuse collects calls that would be invalid on a real device, such
	// as destroying a handle twice or submitting with a signaled fence.
	Misuse []Call

	ImageCount    int
	SurfaceFormat core1_0.Format
	Alignment     int

	Acquires []AcquireResult
	Presents []PresentResult

	RenderPasses map[gpu.RenderPass]core1_0.RenderPassCreateInfo
	Framebuffers map[gpu.Framebuffer]gpu.FramebufferInfo
	Images       map[gpu.Image]gpu.ImageInfo
	Memory       map[gpu.Memory][]byte
	Submits      []Submission
	Swapchains   map[gpu.Swapchain]gpu.SwapchainImages

	failures  map[string]error
	fences    map[gpu.Fence]FenceState
	pools     map[gpu.CommandPool]bool
	commands  map[gpu.CommandBuffer]*commandState
	live      map[gpu.Kind]map[uint64]struct{}
	next      uint64
	nextImage int
}

var _ gpu.Device = (*Device)(nil)

func New() *Device {
	return &Device{
		Created:       map[gpu.Kind]int{},
		Destroyed:     map[gpu.Kind]int{},
		ImageCount:    3,
		SurfaceFormat: core1_0.FormatB8G8R8A8SRGB,
		Alignment:     256,
		RenderPasses:  map[gpu.RenderPass]core1_0.RenderPassCreateInfo{},
		Framebuffers:  map[gpu.Framebuffer]gpu.FramebufferInfo{},
		Images:        map[gpu.Image]gpu.ImageInfo{},
		Memory:        map[gpu.Memory][]byte{},
		Swapchains:    map[gpu.Swapchain]gpu.SwapchainImages{},
		failures:      map[string]error{},
		fences:        map[gpu.Fence]FenceState{},
		pools:         map[gpu.CommandPool]bool{},
		commands:      map[gpu.CommandBuffer]*commandState{},
		live:          map[gpu.Kind]map[uint64]struct{}{},
	}
}

// FailNext makes the next call to op return err.
func (d *Device) FailNext(op string, err error) {
	d.failures[op] = err
}

// Live is the number of objects of kind created and not yet destroyed.
func (d *Device) Live(kind gpu.Kind) int {
	return len(d.live[kind])
}

// Ops returns the operation names of the call log, in order.
func (d *Device) Ops() []string {
	ops := make([]string, len(d.Calls))
	for i, c := range d.Calls {
		ops[i] = c.Op
	}
	return ops
}

// Index returns the position of the first call to op at or after from, or -1.
func (d *Device) Index(op string, from int) int {
	for i := from; i < len(d.Calls); i++ {
		if d.Calls[i].Op == op {
			return i
		}
	}
	return -1
}

func (d *Device) FenceState(fence gpu.Fence) FenceState {
	return d.fences[fence]
}

func (d *Device) record(op string, handle uint64) error {
	d.Calls = append(d.Calls, Call{Op: op, Handle: handle})
	if err, ok := d.failures[op]; ok {
		delete(d.failures, op)
		return err
	}
	return nil
}

func (d *Device) create(kind gpu.Kind) uint64 {
	d.next++
	if d.live[kind] == nil {
		d.live[kind] = map[uint64]struct{}{}
	}
	d.live[kind][d.next] = struct{}{}
	d.Created[kind]++
	return d.next
}

func (d *Device) destroy(op string, kind gpu.Kind, handle uint64) {
	d.Calls = append(d.Calls, Call{Op: op, Handle: handle})
	if _, ok := d.live[kind][handle]; !ok {
		d.Misuse = append(d.Misuse, Call{Op: op, Handle: handle})
		return
	}
	delete(d.live[kind], handle)
	d.Destroyed[kind]++
}

func (d *Device) CreateImage(info gpu.ImageInfo) (gpu.Texture, error) {
	if err := d.record("CreateImage", 0); err != nil {
		return gpu.Texture{}, err
	}
	image := gpu.Image(d.create(gpu.KindImage))
	memory := gpu.Memory(d.create(gpu.KindMemory))
	d.Images[image] = info
	d.Memory[memory] = nil
	if err := d.record("CreateImageView", uint64(image)); err != nil {
		return gpu.Texture{}, err
	}
	view := gpu.ImageView(d.create(gpu.KindImageView))
	return gpu.Texture{
		Image:    image,
		View:     view,
		Memory:   memory,
		Format:   info.Format,
		Extent:   info.Extent,
		MipCount: 1,
	}, nil
}

func (d *Device) DestroyImage(image gpu.Image) {
	d.destroy("DestroyImage", gpu.KindImage, uint64(image))
}

func (d *Device) DestroyImageView(view gpu.ImageView) {
	d.destroy("DestroyImageView", gpu.KindImageView, uint64(view))
}

func (d *Device) FreeMemory(memory gpu.Memory) {
	d.destroy("FreeMemory", gpu.KindMemory, uint64(memory))
}

func (d *Device) CreateRenderPass(info core1_0.RenderPassCreateInfo) (gpu.RenderPass, error) {
	if err := d.record("CreateRenderPass", 0); err != nil {
		return 0, err
	}
	pass := gpu.RenderPass(d.create(gpu.KindRenderPass))
	d.RenderPasses[pass] = info
	return pass, nil
}

func (d *Device) DestroyRenderPass(pass gpu.RenderPass) {
	d.destroy("DestroyRenderPass", gpu.KindRenderPass, uint64(pass))
}

func (d *Device) CreateFramebuffer(info gpu.FramebufferInfo) (gpu.Framebuffer, error) {
	if err := d.record("CreateFramebuffer", uint64(info.RenderPass)); err != nil {
		return 0, err
	}
	framebuffer := gpu.Framebuffer(d.create(gpu.KindFramebuffer))
	info.Attachments = append([]gpu.ImageView(nil), info.Attachments...)
	d.Framebuffers[framebuffer] = info
	return framebuffer, nil
}

func (d *Device) DestroyFramebuffer(framebuffer gpu.Framebuffer) {
	d.destroy("DestroyFramebuffer", gpu.KindFramebuffer, uint64(framebuffer))
}

func (d *Device) DestroyBuffer(buffer gpu.Buffer) {
	d.destroy("DestroyBuffer", gpu.KindBuffer, uint64(buffer))
}

func (d *Device) DestroyCommandPool(pool gpu.CommandPool) {
	d.destroy("DestroyCommandPool", gpu.KindCommandPool, uint64(pool))
}

func (d *Device) DestroyFence(fence gpu.Fence) {
	d.destroy("DestroyFence", gpu.KindFence, uint64(fence))
	delete(d.fences, fence)
}

func (d *Device) DestroySemaphore(semaphore gpu.Semaphore) {
	d.destroy("DestroySemaphore", gpu.KindSemaphore, uint64(semaphore))
}

func (d *Device) DestroySwapchain(swapchain gpu.Swapchain) {
	d.destroy("DestroySwapchain", gpu.KindSwapchain, uint64(swapchain))
}

func (d *Device) CreateSwapchain(extent core1_0.Extent2D) (gpu.SwapchainImages, error) {
	if err := d.record("CreateSwapchain", 0); err != nil {
		return gpu.SwapchainImages{}, err
	}
	sc := gpu.SwapchainImages{
		Swapchain: gpu.Swapchain(d.create(gpu.KindSwapchain)),
		Format:    d.SurfaceFormat,
		Extent:    extent,
	}
	for i := 0; i < d.ImageCount; i++ {
		// Swapchain images belong to the swapchain and are never destroyed
		// individually, so they are not tracked as live objects.
		d.next++
		sc.Images = append(sc.Images, gpu.Image(d.next))
		d.Calls = append(d.Calls, Call{Op: "CreateImageView", Handle: d.next})
		sc.Views = append(sc.Views, gpu.ImageView(d.create(gpu.KindImageView)))
	}
	d.Swapchains[sc.Swapchain] = sc
	d.nextImage = 0
	return sc, nil
}

func (d *Device) AcquireNextImage(swapchain gpu.Swapchain, timeout time.Duration, signal gpu.Semaphore) (int, common.VkResult, error) {
	if err := d.record("AcquireNextImage", uint64(signal)); err != nil {
		return 0, core1_0.VKErrorUnknown, err
	}
	if _, ok := d.live[gpu.KindSwapchain][uint64(swapchain)]; !ok {
		d.Misuse = append(d.Misuse, Call{Op: "AcquireNextImage", Handle: uint64(swapchain)})
	}
	if len(d.Acquires) > 0 {
		r := d.Acquires[0]
		d.Acquires = d.Acquires[1:]
		return r.Index, r.Result, r.Err
	}
	index := d.nextImage
	d.nextImage = (d.nextImage + 1) % d.ImageCount
	return index, core1_0.VKSuccess, nil
}

func (d *Device) Present(swapchain gpu.Swapchain, imageIndex int, wait gpu.Semaphore) (common.VkResult, error) {
	if err := d.record("Present", uint64(wait)); err != nil {
		return core1_0.VKErrorUnknown, err
	}
	if len(d.Presents) > 0 {
		r := d.Presents[0]
		d.Presents = d.Presents[1:]
		return r.Result, r.Err
	}
	return core1_0.VKSuccess, nil
}

type commandState struct {
	pool      gpu.CommandPool
	recording bool
	recorded  bool
}

func (d *Device) misuse(op string, handle uint64) {
	d.Misuse = append(d.Misuse, Call{Op: op, Handle: handle})
}

func (d *Device) CreateCommandPool(resetBuffers bool) (gpu.CommandPool, error) {
	if err := d.record("CreateCommandPool", 0); err != nil {
		return 0, err
	}
	pool := gpu.CommandPool(d.create(gpu.KindCommandPool))
	d.pools[pool] = resetBuffers
	return pool, nil
}

func (d *Device) AllocateCommandBuffer(pool gpu.CommandPool) (gpu.CommandBuffer, error) {
	if err := d.record("AllocateCommandBuffer", uint64(pool)); err != nil {
		return 0, err
	}
	// Command buffers are freed with their pool.
	d.next++
	buffer := gpu.CommandBuffer(d.next)
	d.commands[buffer] = &commandState{pool: pool}
	return buffer, nil
}

func (d *Device) ResetCommandPool(pool gpu.CommandPool) error {
	if err := d.record("ResetCommandPool", uint64(pool)); err != nil {
		return err
	}
	for _, c := range d.commands {
		if c.pool == pool {
			c.recording, c.recorded = false, false
		}
	}
	return nil
}

func (d *Device) ResetCommandBuffer(buffer gpu.CommandBuffer) error {
	if err := d.record("ResetCommandBuffer", uint64(buffer)); err != nil {
		return err
	}
	if c := d.commands[buffer]; c != nil {
		if !d.pools[c.pool] {
			d.misuse("ResetCommandBuffer", uint64(buffer))
		}
		c.recording, c.recorded = false, false
	}
	return nil
}

// BeginCommandBuffer flags beginning a buffer that is still recording, or
// re-beginning a recorded buffer whose pool does not allow implicit resets.
func (d *Device) BeginCommandBuffer(buffer gpu.CommandBuffer, oneTimeSubmit bool) error {
	if err := d.record("BeginCommandBuffer", uint64(buffer)); err != nil {
		return err
	}
	if c := d.commands[buffer]; c != nil {
		if c.recording || (c.recorded && !d.pools[c.pool]) {
			d.misuse("BeginCommandBuffer", uint64(buffer))
		}
		c.recording, c.recorded = true, false
	}
	return nil
}

func (d *Device) EndCommandBuffer(buffer gpu.CommandBuffer) error {
	if err := d.record("EndCommandBuffer", uint64(buffer)); err != nil {
		return err
	}
	if c := d.commands[buffer]; c != nil {
		if !c.recording {
			d.misuse("EndCommandBuffer", uint64(buffer))
		}
		c.recording, c.recorded = false, true
	}
	return nil
}

func (d *Device) CmdBeginRenderPass(buffer gpu.CommandBuffer, begin gpu.RenderPassBegin) error {
	return d.record("CmdBeginRenderPass", uint64(begin.Framebuffer))
}

func (d *Device) CmdNextSubpass(buffer gpu.CommandBuffer) {
	_ = d.record("CmdNextSubpass", uint64(buffer))
}

func (d *Device) CmdEndRenderPass(buffer gpu.CommandBuffer) {
	_ = d.record("CmdEndRenderPass", uint64(buffer))
}

func (d *Device) CmdSetViewport(buffer gpu.CommandBuffer, viewport core1_0.Viewport) {
	_ = d.record("CmdSetViewport", uint64(buffer))
}

func (d *Device) CmdSetScissor(buffer gpu.CommandBuffer, scissor core1_0.Rect2D) {
	_ = d.record("CmdSetScissor", uint64(buffer))
}

func (d *Device) CmdCopyBuffer(buffer gpu.CommandBuffer, src, dst gpu.Buffer, size int) error {
	return d.record("CmdCopyBuffer", uint64(dst))
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	if err := d.record("CreateFence", 0); err != nil {
		return 0, err
	}
	fence := gpu.Fence(d.create(gpu.KindFence))
	d.fences[fence] = FenceUnsignaled
	if signaled {
		d.fences[fence] = FenceSignaled
	}
	return fence, nil
}

// WaitForFence completes pending work immediately. Waiting on a fence that
// was never submitted times out, as it would on a real device.
func (d *Device) WaitForFence(fence gpu.Fence, timeout time.Duration) error {
	if err := d.record("WaitForFence", uint64(fence)); err != nil {
		return err
	}
	switch d.fences[fence] {
	case FencePending:
		d.fences[fence] = FenceSignaled
	case FenceUnsignaled:
		return gpu.ErrTimeout
	}
	return nil
}

func (d *Device) ResetFence(fence gpu.Fence) error {
	if err := d.record("ResetFence", uint64(fence)); err != nil {
		return err
	}
	if d.fences[fence] == FencePending {
		d.Misuse = append(d.Misuse, Call{Op: "ResetFence", Handle: uint64(fence)})
	}
	d.fences[fence] = FenceUnsignaled
	return nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	if err := d.record("CreateSemaphore", 0); err != nil {
		return 0, err
	}
	return gpu.Semaphore(d.create(gpu.KindSemaphore)), nil
}

func (d *Device) Submit(info gpu.SubmitInfo, fence gpu.Fence) error {
	if err := d.record("Submit", uint64(fence)); err != nil {
		return err
	}
	d.Submits = append(d.Submits, Submission{Info: info, Fence: fence})
	if fence == 0 {
		return nil
	}
	if d.fences[fence] != FenceUnsignaled {
		d.Misuse = append(d.Misuse, Call{Op: "Submit", Handle: uint64(fence)})
	}
	d.fences[fence] = FencePending
	return nil
}

func (d *Device) WaitIdle() error {
	if err := d.record("WaitIdle", 0); err != nil {
		return err
	}
	for fence, state := range d.fences {
		if state == FencePending {
			d.fences[fence] = FenceSignaled
		}
	}
	return nil
}

func (d *Device) CreateBuffer(size int, usage core1_0.BufferUsageFlags, properties core1_0.MemoryPropertyFlags) (gpu.Buffer, gpu.Memory, error) {
	if err := d.record("CreateBuffer", 0); err != nil {
		return 0, 0, err
	}
	buffer := gpu.Buffer(d.create(gpu.KindBuffer))
	memory := gpu.Memory(d.create(gpu.KindMemory))
	d.Memory[memory] = make([]byte, size)
	return buffer, memory, nil
}

func (d *Device) WriteMemory(memory gpu.Memory, offset int, data []byte) error {
	if err := d.record("WriteMemory", uint64(memory)); err != nil {
		return err
	}
	buf, ok := d.Memory[memory]
	if !ok {
		return errors.Newf("gputest: write to unknown memory %d", memory)
	}
	if offset+len(data) > len(buf) {
		return errors.Newf("gputest: write of %d bytes at %d overflows %d byte allocation", len(data), offset, len(buf))
	}
	copy(buf[offset:], data)
	return nil
}

func (d *Device) MinUniformBufferOffsetAlignment() int {
	return d.Alignment
}
