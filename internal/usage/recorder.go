package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edupro/ai-gateway/internal/domain"
	"github.com/edupro/ai-gateway/internal/metrics"
)

// Recorder decouples usage logging from the request path. Entries are
// queued on a bounded channel and written by a single worker; a full queue
// or a failing sink is logged and counted but never surfaces to the
// caller-facing result.
type Recorder struct {
	store   Store
	sinks   []Sink
	queue   chan domain.UsageLogEntry
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	dropped int

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts the worker goroutine. queueSize bounds how many
// pending entries may accumulate before new ones are dropped.
func NewRecorder(store Store, queueSize int, sinks ...Sink) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Recorder{
		store:   store,
		sinks:   sinks,
		queue:   make(chan domain.UsageLogEntry, queueSize),
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Enqueue submits an entry for asynchronous recording. Never blocks.
// Entries arriving after Close, such as from a stream that outlived a
// shutdown deadline, are dropped rather than sent on the closed queue.
func (r *Recorder) Enqueue(entry domain.UsageLogEntry) {
	r.mu.Lock()
	if r.closed {
		r.dropped++
		r.mu.Unlock()
		metrics.UsageQueueDropped.Inc()
		slog.Warn("usage recorder closed, entry dropped",
			"tenant_id", entry.TenantID, "feature", entry.Feature)
		return
	}
	select {
	case r.queue <- entry:
		r.mu.Unlock()
	default:
		r.dropped++
		r.mu.Unlock()
		metrics.UsageQueueDropped.Inc()
		slog.Warn("usage queue full, entry dropped",
			"tenant_id", entry.TenantID, "feature", entry.Feature)
	}
}

// Dropped reports how many entries were discarded because the queue was
// full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops accepting entries, drains the queue, and waits for the
// worker to finish. Safe to call more than once.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)

		if err := r.store.Record(ctx, entry); err != nil {
			slog.Error("usage log write failed",
				"entry_id", entry.ID, "tenant_id", entry.TenantID, "error", err)
		}

		for _, sink := range r.sinks {
			if err := sink.Record(ctx, entry); err != nil {
				slog.Warn("usage sink failed", "entry_id", entry.ID, "error", err)
			}
		}

		cancel()
	}
}
