package main

import (
	"log/slog"
	"time"

	"github.com/loov/hrtime"

	"github.com/troglodite/troglodite/engine"
)

// statsOverlay runs in the overlay subpass. It draws nothing yet and reports
// frame timings every interval.
type statsOverlay struct {
	eng      *engine.Engine
	log      *slog.Logger
	interval time.Duration
	last     time.Duration
}

func newStatsOverlay(eng *engine.Engine, log *slog.Logger, interval time.Duration) *statsOverlay {
	return &statsOverlay{eng: eng, log: log, interval: interval, last: hrtime.Now()}
}

func (o *statsOverlay) RecordDraws(frame *engine.FrameContext) error {
	now := hrtime.Now()
	if now-o.last < o.interval {
		return nil
	}
	o.last = now
	stats := o.eng.Stats()
	o.log.Info("frame timing",
		"frame", frame.Number,
		"fps", stats.FPS(),
		"average", stats.Average(),
		"last", stats.Last(),
		"extent", frame.Extent)
	return nil
}
