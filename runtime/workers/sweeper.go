package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SweepFunc runs one maintenance pass against the current clock and
// reports how many entries it touched. Zero is the common case.
type SweepFunc func(now time.Time) int

// SweeperWorker drives a component's periodic maintenance on a fixed
// interval. One sweeper per component replaces per-entry timers, so timer
// overhead stays flat no matter how many sessions are connected.
type SweeperWorker struct {
	log      *slog.Logger
	name     string
	interval time.Duration
	sweep    SweepFunc
}

func NewSweeperWorker(log *slog.Logger, name string, interval time.Duration, sweep SweepFunc) *SweeperWorker {
	return &SweeperWorker{log: log, name: name, interval: interval, sweep: sweep}
}

// Run loops until the context is canceled. A sweep never blocks event
// handling: components take their own locks briefly per pass.
func (w *SweeperWorker) Run(ctx context.Context) error {
	w.log.Info(fmt.Sprintf("Starting sweeper : %s (every %s)", w.name, w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if touched := w.sweep(time.Now()); touched > 0 {
				w.log.Debug(fmt.Sprintf("Sweep %s touched %d entries", w.name, touched))
			}
		}
	}
}
