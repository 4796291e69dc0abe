// Package helper runs the single background loop described in spec.md
// §4.7: it drains the log/stat MPSC queue on every tick, refreshes
// Prometheus gauges, feeds the control plane's
// tail_logs buffer, and re-applies the latency-based default server
// selection as fresh probe stats arrive.
package helper

import (
	"context"
	"time"

	"pegasproxy/internal/control"
	"pegasproxy/internal/logging"
	"pegasproxy/internal/metrics"
	"pegasproxy/internal/queue"
	"pegasproxy/internal/server"
)

// tickInterval is how often the helper drains the queue, independent of
// the (much longer) probe interval, so logs/stats surface promptly.
const tickInterval = 250 * time.Millisecond

// Loop owns the helper goroutine's dependencies.
type Loop struct {
	mgr         *server.Manager
	q           *queue.Queue
	log         *logging.Logger
	collectors  *metrics.Collectors
	tail        *control.LogTail
	droppedSeen uint64
}

// New builds a helper Loop wiring mgr/q/log to collectors and tail.
func New(mgr *server.Manager, q *queue.Queue, log *logging.Logger, collectors *metrics.Collectors, tail *control.LogTail) *Loop {
	return &Loop{mgr: mgr, q: q, log: log, collectors: collectors, tail: tail}
}

// Run drains the queue and refreshes metrics every tickInterval until ctx
// is cancelled. It does not itself run the prober or control listener —
// those are separate goroutines started alongside it by cmd/pegasproxy,
// mirroring spec.md §4.7's description of several responsibilities
// sharing one loop conceptually while staying idiomatic Go goroutines.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drainOnce()
			return
		case <-ticker.C:
			l.drainOnce()
		}
	}
}

func (l *Loop) drainOnce() {
	logs := l.mgr.Drain(l.q)
	for _, msg := range logs {
		l.tail.Push(msg.Text)
		switch msg.Level {
		case "error":
			l.log.Error(msg.Text)
		case "warn":
			l.log.Warn(msg.Text)
		case "debug":
			l.log.Debug(msg.Text)
		default:
			l.log.Info(msg.Text)
		}
	}
	l.mgr.AutoSelect()

	if l.collectors == nil {
		return
	}
	l.collectors.Refresh(l.mgr)
	if dropped := l.q.Dropped(); dropped > l.droppedSeen {
		l.collectors.QueueDropped.Add(float64(dropped - l.droppedSeen))
		l.droppedSeen = dropped
	}
}
