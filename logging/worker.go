package logging

import (
	"log"
	"sync/atomic"
	"time"
)

// SinkStats counts what one sink has seen.
type SinkStats struct {
	Name    string
	Written uint64
	Failed  uint64
	Dropped uint64
}

type sinkWorker struct {
	name     string
	sink     Sink
	events   chan Event
	fallback *log.Logger

	// failures and retryAt are owned by run.
	failures int
	retryAt  time.Time

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func newSinkWorker(name string, sink Sink, backlog int, fallback *log.Logger) *sinkWorker {
	return &sinkWorker{
		name:     name,
		sink:     sink,
		events:   make(chan Event, backlog),
		fallback: fallback,
	}
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- cloneEvent(event):
	default:
		w.dropped.Add(1)
		w.fallback.Printf("sink %s backlog full, dropping event type=%s", w.name, event.Type)
	}
}

// run writes events until the channel closes. After a failed write the
// next write waits out an exponential backoff capped at 32s.
func (w *sinkWorker) run() {
	for event := range w.events {
		if w.failures > 0 {
			if wait := time.Until(w.retryAt); wait > 0 {
				time.Sleep(wait)
			}
		}
		if err := w.sink.Write(event); err != nil {
			w.failed.Add(1)
			w.failures++
			delay := time.Duration(1<<min(w.failures, 5)) * time.Second
			w.retryAt = time.Now().Add(delay)
			w.fallback.Printf("sink %s failed: %v (retry in %s)", w.name, err, delay)
			continue
		}
		w.written.Add(1)
		w.failures = 0
	}
}

func (w *sinkWorker) stats() SinkStats {
	return SinkStats{
		Name:    w.name,
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
}
