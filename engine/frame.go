package engine

import (
	"fmt"

	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/troglodite/troglodite/gpu"
)

// FramesInFlight is how many frames the CPU may record ahead of the GPU.
const FramesInFlight = 2

// FrameState is where the engine is within Draw.
type FrameState int

const (
	Idle FrameState = iota
	Acquiring
	Recording
	Submitted
	Presenting
)

var frameStateNames = [...]string{"idle", "acquiring", "recording", "submitted", "presenting"}

func (s FrameState) String() string {
	if s < 0 || int(s) >= len(frameStateNames) {
		return fmt.Sprintf("FrameState(%d)", int(s))
	}
	return frameStateNames[s]
}

// AllocatedBuffer is a buffer and the memory bound to it.
type AllocatedBuffer struct {
	Buffer gpu.Buffer
	Memory gpu.Memory
	Size   int
}

// FrameContext holds the objects of one frame-in-flight slot. They live
// until the engine is closed.
type FrameContext struct {
	Index          int
	CommandPool    gpu.CommandPool
	CommandBuffer  gpu.CommandBuffer
	ImageAcquired  gpu.Semaphore
	RenderFinished gpu.Semaphore
	Fence          gpu.Fence

	// Buffers holds the slot's copy of every buffer made with
	// CreatePerFrameBuffer, indexed by the value it returned. The CPU must
	// not write them until Fence has signaled.
	Buffers []AllocatedBuffer

	// Set for the frame being recorded.
	Number     uint64
	ImageIndex int
	Extent     core1_0.Extent2D
}

// Recorder records draw commands into the active output pass.
type Recorder interface {
	RecordDraws(frame *FrameContext) error
}

type RecordFunc func(frame *FrameContext) error

func (f RecordFunc) RecordDraws(frame *FrameContext) error {
	return f(frame)
}
