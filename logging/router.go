package logging

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	routerEventsMetricKey  = "logging_events_total"
	routerDroppedMetricKey = "logging_dropped_total"

	defaultQueueSize = 512
	minSinkBacklog   = 32
	maxSinkBacklog   = 1024
)

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router fans published events out to its sinks. Publish never blocks; a
// full queue drops the event and counts it. Each sink drains its own backlog
// so a slow sink only loses its own events.
type Router struct {
	minSeverity Severity
	fields      map[string]any
	clock       Clock
	metrics     *Metrics
	fallback    *log.Logger
	warn        dropWarner

	queue   chan Event
	workers []*sinkWorker
	stop    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool

	routed  atomic.Uint64
	dropped atomic.Uint64
}

type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
	Sinks        []SinkStats
}

// NewRouter starts a router over namedSinks. A nil clock reads the wall
// clock; a nil metrics table disables counter updates.
func NewRouter(clock Clock, cfg Config, metrics *Metrics, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	queueSize := cfg.BufferSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	backlog := min(max(queueSize, minSinkBacklog), maxSinkBacklog)

	fallback := log.New(os.Stderr, "[logging] ", log.LstdFlags)
	r := &Router{
		minSeverity: cfg.MinimumSeverity,
		fields:      cfg.CloneFields(),
		clock:       clock,
		metrics:     metrics,
		fallback:    fallback,
		warn:        dropWarner{interval: cfg.DropWarnInterval, logger: fallback},
		queue:       make(chan Event, queueSize),
		stop:        make(chan struct{}),
	}
	seen := make(map[string]struct{}, len(namedSinks))
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		if _, dup := seen[named.Name]; dup {
			return nil, errors.New("logging: duplicate sink " + named.Name)
		}
		seen[named.Name] = struct{}{}
		r.workers = append(r.workers, newSinkWorker(named.Name, named.Sink, backlog, fallback))
	}

	for _, w := range r.workers {
		w := w
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			w.run()
		}()
	}
	r.wg.Add(1)
	go r.dispatch()
	return r, nil
}

func (r *Router) dispatch() {
	defer r.wg.Done()
	defer func() {
		for _, w := range r.workers {
			close(w.events)
		}
	}()
	for {
		select {
		case event := <-r.queue:
			r.route(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.route(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) route(event Event) {
	if event.Severity < r.minSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = mergeFields(event, r.fields)
	r.routed.Add(1)
	r.metrics.TelemetryAdd(routerEventsMetricKey, 1)
	for _, w := range r.workers {
		w.enqueue(event)
	}
}

// Publish queues event for every sink. Events without a type and events
// published after Close are ignored.
func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
		r.metrics.TelemetryAdd(routerDroppedMetricKey, 1)
		r.warn.note("dropping event type=%s tick=%d", event.Type, event.Tick)
	}
}

// Close stops dispatch, drains queued events into the sinks and closes them.
// A second call waits for ctx and reports its error.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		<-ctx.Done()
		return ctx.Err()
	}
	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, w := range r.workers {
		if err := w.sink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.routed.Load(),
		DroppedTotal: r.dropped.Load(),
		Sinks:        make([]SinkStats, 0, len(r.workers)),
	}
	for _, w := range r.workers {
		stats.Sinks = append(stats.Sinks, w.stats())
	}
	return stats
}

// Sink returns the sink registered under name, or nil.
func (r *Router) Sink(name string) Sink {
	for _, w := range r.workers {
		if w.name == name {
			return w.sink
		}
	}
	return nil
}

func mergeFields(event Event, fields map[string]any) Event {
	if len(fields) == 0 {
		return event
	}
	event = cloneEvent(event)
	if event.Extra == nil {
		event.Extra = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if _, exists := event.Extra[k]; !exists {
			event.Extra[k] = v
		}
	}
	return event
}

// dropWarner rate-limits drop warnings to one per interval.
type dropWarner struct {
	interval time.Duration
	logger   *log.Logger
	next     atomic.Int64
}

func (d *dropWarner) note(format string, args ...any) {
	interval := d.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now().UnixNano()
	next := d.next.Load()
	if now < next {
		return
	}
	if d.next.CompareAndSwap(next, now+interval.Nanoseconds()) {
		d.logger.Printf(format, args...)
	}
}
