// Package tick drives a fixed-quantum callback on a dedicated worker while a
// timer goroutine only counts due ticks.
package tick

import (
	"context"
	"sync"
	"time"

	"lockstep/server/internal/telemetry"
	"lockstep/server/logging"
)

const (
	metricTicksProcessed = "tick_driver_processed_total"
	metricTickBacklog    = "tick_driver_backlog"
)

// Tick is passed to the handler once per processed tick. Backlog counts the
// ticks still pending behind this one.
type Tick struct {
	Seq     uint64
	Backlog uint64
	Now     time.Time
}

type Handler func(Tick)

// Config tunes the driver. A zero Quantum disables the internal timer so
// callers fire ticks themselves.
type Config struct {
	Quantum time.Duration
	Clock   logging.Clock
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Driver serializes handler invocations. Fire never blocks on the handler;
// ticks that arrive while it is busy or held accumulate and drain in order.
type Driver struct {
	handler Handler
	quantum time.Duration
	clock   logging.Clock
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu        sync.Mutex
	cond      *sync.Cond
	installed bool
	stopping  bool
	pending   uint64
	seq       uint64
	processed uint64
	busy      bool
	held      int
	speed     float64
	ticker    *time.Ticker
	timerStop chan struct{}
	wg        sync.WaitGroup
}

func NewDriver(cfg Config, handler Handler) *Driver {
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	d := &Driver{
		handler: handler,
		quantum: cfg.Quantum,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		speed:   1,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Install starts the worker and, when a quantum is configured, the timer.
// Installing an installed driver is a no-op.
func (d *Driver) Install() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.installed {
		return
	}
	d.installed = true
	d.stopping = false
	d.pending = 0
	d.seq = 0

	d.wg.Add(1)
	go d.work()

	if d.quantum > 0 {
		d.ticker = time.NewTicker(d.periodLocked())
		d.timerStop = make(chan struct{})
		d.wg.Add(1)
		go d.timer(d.ticker, d.timerStop)
	}
}

// Remove stops the timer, lets an in-flight tick finish and discards the
// backlog. Removing an idle driver is a no-op. It must not be called from
// the handler.
func (d *Driver) Remove() {
	d.mu.Lock()
	if !d.installed {
		d.mu.Unlock()
		return
	}
	d.installed = false
	d.stopping = true
	if d.ticker != nil {
		d.ticker.Stop()
		close(d.timerStop)
		d.ticker, d.timerStop = nil, nil
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	d.stopping = false
	d.pending = 0
	d.held = 0
	d.mu.Unlock()
}

// Installed reports whether the driver is running.
func (d *Driver) Installed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installed
}

// Fire counts one due tick. It is the timer callback and is also used by
// callers that drive time themselves.
func (d *Driver) Fire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return
	}
	d.pending++
	d.cond.Signal()
}

// Hold waits for any in-flight tick to finish and then keeps the worker
// parked until Release. Holds nest. Fire keeps counting while held.
func (d *Driver) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held++
	for d.busy {
		d.cond.Wait()
	}
}

func (d *Driver) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held == 0 {
		return
	}
	d.held--
	if d.held == 0 {
		d.cond.Broadcast()
	}
}

func (d *Driver) Pending() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Driver) Processed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processed
}

// WaitIdle blocks until no tick is pending or running, or ctx ends.
func (d *Driver) WaitIdle(ctx context.Context) error {
	poll := time.NewTicker(time.Millisecond)
	defer poll.Stop()
	for {
		d.mu.Lock()
		idle := d.pending == 0 && !d.busy
		d.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
		}
	}
}

// SetSpeed rescales the timer period; 2 runs ticks twice as fast. Non-positive
// factors are ignored.
func (d *Driver) SetSpeed(factor float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if factor <= 0 {
		return
	}
	d.speed = factor
	if d.ticker != nil {
		d.ticker.Reset(d.periodLocked())
	}
}

func (d *Driver) Speed() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}

func (d *Driver) periodLocked() time.Duration {
	period := time.Duration(float64(d.quantum) / d.speed)
	if period <= 0 {
		period = time.Millisecond
	}
	return period
}

func (d *Driver) timer(ticker *time.Ticker, stop <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.Fire()
		}
	}
}

func (d *Driver) work() {
	defer d.wg.Done()
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		for !d.stopping && (d.pending == 0 || d.held > 0) {
			d.cond.Wait()
		}
		if d.stopping {
			return
		}
		d.pending--
		d.seq++
		tick := Tick{Seq: d.seq, Backlog: d.pending, Now: d.clock.Now()}
		d.busy = true
		d.mu.Unlock()

		d.run(tick)

		d.mu.Lock()
		d.busy = false
		d.processed++
		d.cond.Broadcast()
	}
}

func (d *Driver) run(tick Tick) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("[tick] handler panic seq=%d: %v", tick.Seq, r)
		}
	}()
	d.metrics.Store(metricTickBacklog, tick.Backlog)
	if d.handler != nil {
		d.handler(tick)
	}
	d.metrics.Add(metricTicksProcessed, 1)
}
