package engine

import (
	"time"
)

const frameHistory = 256

// FrameStats keeps the CPU time of the most recent frames.
type FrameStats struct {
	times [frameHistory]time.Duration
	next  int
	count int
}

func (s *FrameStats) Record(d time.Duration) {
	s.times[s.next] = d
	s.next = (s.next + 1) % frameHistory
	if s.count < frameHistory {
		s.count++
	}
}

// Count is the number of samples held, at most 256.
func (s *FrameStats) Count() int {
	return s.count
}

func (s *FrameStats) Last() time.Duration {
	if s.count == 0 {
		return 0
	}
	return s.times[(s.next+frameHistory-1)%frameHistory]
}

func (s *FrameStats) Average() time.Duration {
	if s.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < s.count; i++ {
		total += s.times[i]
	}
	return total / time.Duration(s.count)
}

// FPS is the frame rate implied by the average frame time.
func (s *FrameStats) FPS() float64 {
	avg := s.Average()
	if avg <= 0 {
		return 0
	}
	return float64(time.Second) / float64(avg)
}

// History returns the samples oldest first.
func (s *FrameStats) History() []time.Duration {
	out := make([]time.Duration, 0, s.count)
	start := (s.next + frameHistory - s.count) % frameHistory
	for i := 0; i < s.count; i++ {
		out = append(out, s.times[(start+i)%frameHistory])
	}
	return out
}
