package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"

	"chat-relay/observability"
)

// StatsSource is the engine-side view the heartbeat reports alongside
// process metrics.
type StatsSource interface {
	Snapshot() observability.Snapshot
	ConnectionCount() int
}

// HeartbeatWorker logs self metrics (CPU, RAM, OS status) and engine
// counters on a fixed interval so operators can watch a node without any
// external monitoring plane.
type HeartbeatWorker struct {
	log      *slog.Logger
	source   StatsSource
	interval time.Duration
}

func NewHeartbeatWorker(log *slog.Logger, source StatsSource, interval time.Duration) *HeartbeatWorker {
	return &HeartbeatWorker{log: log, source: source, interval: interval}
}

// Run executes the main loop of the worker, logging health metrics every interval.
func (w *HeartbeatWorker) Run(ctx context.Context) error {
	w.log.Info("Starting heartbeat worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rss, cpu, status, err := getSelfStats(p)
			if err != nil {
				w.log.Error("Failed to collect self stats", "err", err)
				continue
			}

			snap := w.source.Snapshot()
			w.log.Info("Heartbeat",
				"pid", os.Getpid(),
				"pid_status", status,
				"cpu_percent", cpu,
				"ram_bytes", rss,
				"connections", w.source.ConnectionCount(),
				"events_sent", snap.Sent,
				"events_batched", snap.Batched,
				"events_dropped", snap.Dropped,
				"events_per_sec", snap.EventsPerSec,
			)
		}
	}
}

// getSelfStats retrieves technical metrics (Memory, CPU, and OS Status) for the given process.
func getSelfStats(p *process.Process) (uint64, float64, string, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, "", err
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, "", err
	}

	status, err := p.Status()
	if err != nil {
		return 0, 0, "", err
	}
	return memInfo.RSS, cpuPercent, status, nil
}
