// Package gpu describes the narrow slice of the graphics device the renderer
// core depends on. Native objects are referred to through small typed handles
// so that everything above this package can be driven by a real Vulkan device
// or by an in-memory recorder.
package gpu

import (
	"fmt"

	"github.com/vkngwrapper/core/v3/core1_0"
)

// Handles are opaque, non-zero when valid, and unique per device for the
// device's lifetime.
type (
	Image         uint64
	ImageView     uint64
	Memory        uint64
	Buffer        uint64
	Framebuffer   uint64
	RenderPass    uint64
	CommandPool   uint64
	CommandBuffer uint64
	Fence         uint64
	Semaphore     uint64
	Swapchain     uint64
)

// Kind tags the native object type a handle refers to.
type Kind uint8

const (
	KindImage Kind = iota + 1
	KindImageView
	KindMemory
	KindBuffer
	KindFramebuffer
	KindRenderPass
	KindCommandPool
	KindFence
	KindSemaphore
	KindSwapchain
)

var kindNames = map[Kind]string{
	KindImage:       "image",
	KindImageView:   "image view",
	KindMemory:      "memory",
	KindBuffer:      "buffer",
	KindFramebuffer: "framebuffer",
	KindRenderPass:  "render pass",
	KindCommandPool: "command pool",
	KindFence:       "fence",
	KindSemaphore:   "semaphore",
	KindSwapchain:   "swapchain",
}

func (k Kind) String() string {
	name, ok := kindNames[k]
	if !ok {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return name
}

// Texture is an image together with the view used to bind it as an
// attachment. Memory is zero for images the device does not let us free,
// such as swapchain images.
type Texture struct {
	Image    Image
	View     ImageView
	Memory   Memory
	Format   core1_0.Format
	Extent   core1_0.Extent2D
	MipCount int
}
