package gpu

import (
	"log/slog"

	"github.com/cockroachdb/errors"
)

// Release is a pending destruction of one native object.
type Release struct {
	Kind   Kind
	Handle uint64
	Label  string
}

// ReleaseQueue collects objects to destroy together at the end of some
// lifetime. Flush destroys them in reverse order of registration, so an
// object is always released before the objects it was created from.
type ReleaseQueue struct {
	name    string
	log     *slog.Logger
	pending []Release
}

func NewReleaseQueue(name string, log *slog.Logger) *ReleaseQueue {
	if log == nil {
		log = slog.Default()
	}
	return &ReleaseQueue{name: name, log: log}
}

func (q *ReleaseQueue) Push(kind Kind, handle uint64, label string) {
	if handle == 0 {
		return
	}
	q.pending = append(q.pending, Release{Kind: kind, Handle: handle, Label: label})
}

// PushTexture queues the view, image and memory of a texture. A zero memory
// handle (swapchain images) only releases the view.
func (q *ReleaseQueue) PushTexture(tex Texture, label string) {
	q.Push(KindMemory, uint64(tex.Memory), label)
	if tex.Memory != 0 {
		q.Push(KindImage, uint64(tex.Image), label)
	}
	q.Push(KindImageView, uint64(tex.View), label)
}

// Pending returns a copy of the queued releases in registration order.
func (q *ReleaseQueue) Pending() []Release {
	out := make([]Release, len(q.pending))
	copy(out, q.pending)
	return out
}

func (q *ReleaseQueue) Len() int {
	return len(q.pending)
}

// Flush destroys every queued object and empties the queue.
func (q *ReleaseQueue) Flush(dev Releaser) {
	for i := len(q.pending) - 1; i >= 0; i-- {
		r := q.pending[i]
		q.log.Debug("release", "queue", q.name, "kind", r.Kind, "handle", r.Handle, "label", r.Label)
		release(dev, r)
	}
	q.pending = q.pending[:0]
}

func release(dev Releaser, r Release) {
	switch r.Kind {
	case KindImage:
		dev.DestroyImage(Image(r.Handle))
	case KindImageView:
		dev.DestroyImageView(ImageView(r.Handle))
	case KindMemory:
		dev.FreeMemory(Memory(r.Handle))
	case KindBuffer:
		dev.DestroyBuffer(Buffer(r.Handle))
	case KindFramebuffer:
		dev.DestroyFramebuffer(Framebuffer(r.Handle))
	case KindRenderPass:
		dev.DestroyRenderPass(RenderPass(r.Handle))
	case KindCommandPool:
		dev.DestroyCommandPool(CommandPool(r.Handle))
	case KindFence:
		dev.DestroyFence(Fence(r.Handle))
	case KindSemaphore:
		dev.DestroySemaphore(Semaphore(r.Handle))
	case KindSwapchain:
		dev.DestroySwapchain(Swapchain(r.Handle))
	default:
		panic(errors.AssertionFailedf("release of unknown kind %s", r.Kind))
	}
}
