package gpu

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
)

// ErrTimeout is returned when a fence wait or image acquire does not finish
// within its timeout.
var ErrTimeout = errors.New("gpu: wait timed out")

type ImageInfo struct {
	Format  core1_0.Format
	Extent  core1_0.Extent2D
	Samples core1_0.SampleCountFlags
	Usage   core1_0.ImageUsageFlags
	Aspect  core1_0.ImageAspectFlags
}

type FramebufferInfo struct {
	RenderPass  RenderPass
	Attachments []ImageView
	Width       int
	Height      int
	Layers      int
}

// RenderPassBegin is everything needed to start recording a render pass
// against one framebuffer.
type RenderPassBegin struct {
	RenderPass  RenderPass
	Framebuffer Framebuffer
	RenderArea  core1_0.Rect2D
	ClearValues []core1_0.ClearValue
}

type SubmitInfo struct {
	WaitSemaphores   []Semaphore
	WaitStages       []core1_0.PipelineStageFlags
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
}

// SwapchainImages is a freshly created swapchain along with views created
// over each of its images.
type SwapchainImages struct {
	Swapchain Swapchain
	Images    []Image
	Views     []ImageView
	Format    core1_0.Format
	Extent    core1_0.Extent2D
}

// ImageAllocator creates and frees attachment-backing images.
type ImageAllocator interface {
	CreateImage(info ImageInfo) (Texture, error)
	DestroyImage(image Image)
	DestroyImageView(view ImageView)
	FreeMemory(memory Memory)
}

// PassDevice creates native render pass and framebuffer objects.
type PassDevice interface {
	CreateRenderPass(info core1_0.RenderPassCreateInfo) (RenderPass, error)
	DestroyRenderPass(pass RenderPass)
	CreateFramebuffer(info FramebufferInfo) (Framebuffer, error)
	DestroyFramebuffer(framebuffer Framebuffer)
}

// Releaser destroys every kind of object a ReleaseQueue can hold.
type Releaser interface {
	DestroyImage(image Image)
	DestroyImageView(view ImageView)
	FreeMemory(memory Memory)
	DestroyBuffer(buffer Buffer)
	DestroyFramebuffer(framebuffer Framebuffer)
	DestroyRenderPass(pass RenderPass)
	DestroyCommandPool(pool CommandPool)
	DestroyFence(fence Fence)
	DestroySemaphore(semaphore Semaphore)
	DestroySwapchain(swapchain Swapchain)
}

// Device is the full surface the frame engine drives. Acquire and present
// return the raw result code alongside the error so callers can tell the
// tolerated out-of-date and suboptimal codes from real failures.
type Device interface {
	ImageAllocator
	PassDevice
	Releaser

	CreateSwapchain(extent core1_0.Extent2D) (SwapchainImages, error)
	AcquireNextImage(swapchain Swapchain, timeout time.Duration, signal Semaphore) (int, common.VkResult, error)
	Present(swapchain Swapchain, imageIndex int, wait Semaphore) (common.VkResult, error)

	CreateCommandPool(resetBuffers bool) (CommandPool, error)
	AllocateCommandBuffer(pool CommandPool) (CommandBuffer, error)
	ResetCommandPool(pool CommandPool) error
	ResetCommandBuffer(buffer CommandBuffer) error
	BeginCommandBuffer(buffer CommandBuffer, oneTimeSubmit bool) error
	EndCommandBuffer(buffer CommandBuffer) error

	CmdBeginRenderPass(buffer CommandBuffer, begin RenderPassBegin) error
	CmdNextSubpass(buffer CommandBuffer)
	CmdEndRenderPass(buffer CommandBuffer)
	CmdSetViewport(buffer CommandBuffer, viewport core1_0.Viewport)
	CmdSetScissor(buffer CommandBuffer, scissor core1_0.Rect2D)
	CmdCopyBuffer(buffer CommandBuffer, src, dst Buffer, size int) error

	CreateFence(signaled bool) (Fence, error)
	WaitForFence(fence Fence, timeout time.Duration) error
	ResetFence(fence Fence) error
	CreateSemaphore() (Semaphore, error)

	Submit(info SubmitInfo, fence Fence) error
	WaitIdle() error

	CreateBuffer(size int, usage core1_0.BufferUsageFlags, properties core1_0.MemoryPropertyFlags) (Buffer, Memory, error)
	WriteMemory(memory Memory, offset int, data []byte) error
	MinUniformBufferOffsetAlignment() int
}
