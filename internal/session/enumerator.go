package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lockstep/server/internal/telemetry"
)

// Prober queries a single address for its session description.
type Prober interface {
	Probe(ctx context.Context, address string) (Descriptor, error)
}

// Lister returns the addresses advertised by an internet master server.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// EnumeratorConfig wires the discovery sources.
type EnumeratorConfig struct {
	LAN          []string
	Master       Lister
	Prober       Prober
	ProbeTimeout time.Duration
	Concurrency  int
	Logger       telemetry.Logger
}

const (
	defaultProbeTimeout = 2 * time.Second
	defaultConcurrency  = 8
)

// Enumerator runs discovery passes in the background. Every accessor is
// non-blocking so the main loop can poll progress each frame.
type Enumerator struct {
	cfg EnumeratorConfig

	mu         sync.Mutex
	sessions   []Descriptor
	progress   float64
	status     string
	changed    bool
	running    bool
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewEnumerator constructs an idle enumerator.
func NewEnumerator(cfg EnumeratorConfig) *Enumerator {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Discard()
	}
	return &Enumerator{cfg: cfg}
}

// Start begins a new pass, cancelling any pass still in flight. The
// discoverable set is replaced when the pass completes.
func (e *Enumerator) Start(scanInternet bool) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.generation++
	gen := e.generation
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	e.running = true
	e.progress = 0
	if scanInternet {
		e.status = "querying master server"
	} else {
		e.status = "scanning local network"
	}
	e.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		e.run(ctx, gen, scanInternet)
	}()
}

// Stop cancels the pass in flight. The previous discoverable set is kept.
func (e *Enumerator) Stop() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.generation++
	e.running = false
	e.status = "cancelled"
}

// Wait blocks until the current pass has finished or ctx is done.
func (e *Enumerator) Wait(ctx context.Context) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a pass is in flight.
func (e *Enumerator) Running() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Progress reports the completed fraction (0..1) and a status line.
func (e *Enumerator) Progress() (float64, string) {
	if e == nil {
		return 0, ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress, e.status
}

// Sessions copies the current discoverable set.
func (e *Enumerator) Sessions() []Descriptor {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Descriptor, len(e.sessions))
	copy(out, e.sessions)
	return out
}

// Changed reports whether the set changed since the flag was last consumed.
func (e *Enumerator) Changed() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed
}

// ConsumeChange returns the change flag and clears it.
func (e *Enumerator) ConsumeChange() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := e.changed
	e.changed = false
	return changed
}

// Clear empties the discoverable set.
func (e *Enumerator) Clear() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) > 0 {
		e.changed = true
	}
	e.sessions = nil
}

func (e *Enumerator) run(ctx context.Context, gen uint64, scanInternet bool) {
	addresses := e.collectAddresses(ctx, gen, scanInternet)
	if len(addresses) == 0 {
		e.finish(gen, nil)
		return
	}

	e.setProgress(gen, 0, fmt.Sprintf("probing %d servers", len(addresses)))

	var (
		resultsMu sync.Mutex
		results   []Descriptor
		completed int
	)
	var group errgroup.Group
	group.SetLimit(e.cfg.Concurrency)
	for _, address := range addresses {
		address := address
		group.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
			desc, err := e.probe(probeCtx, address)
			cancel()

			resultsMu.Lock()
			completed++
			if err == nil {
				results = append(results, desc)
			}
			done := completed
			found := len(results)
			resultsMu.Unlock()

			if err != nil && ctx.Err() == nil {
				e.cfg.Logger.Printf("[discovery] probe %s failed: %v", address, err)
			}
			e.setProgress(gen, float64(done)/float64(len(addresses)), fmt.Sprintf("found %d sessions", found))
			return nil
		})
	}
	_ = group.Wait()
	if ctx.Err() != nil {
		return
	}
	e.finish(gen, results)
}

func (e *Enumerator) collectAddresses(ctx context.Context, gen uint64, scanInternet bool) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(address string) {
		if address == "" {
			return
		}
		if _, ok := seen[address]; ok {
			return
		}
		seen[address] = struct{}{}
		out = append(out, address)
	}
	for _, address := range e.cfg.LAN {
		add(address)
	}
	if scanInternet && e.cfg.Master != nil {
		listCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
		listed, err := e.cfg.Master.List(listCtx)
		cancel()
		if err != nil {
			e.cfg.Logger.Printf("[discovery] master server unavailable: %v", err)
			e.setProgress(gen, 0, "master server unavailable")
		}
		for _, address := range listed {
			add(address)
		}
	}
	return out
}

func (e *Enumerator) probe(ctx context.Context, address string) (Descriptor, error) {
	if e.cfg.Prober == nil {
		return Descriptor{}, fmt.Errorf("no prober configured")
	}
	desc, err := e.cfg.Prober.Probe(ctx, address)
	if err != nil {
		return Descriptor{}, err
	}
	if desc.Address == "" {
		desc.Address = address
	}
	return desc, nil
}

func (e *Enumerator) setProgress(gen uint64, progress float64, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return
	}
	e.progress = progress
	e.status = status
}

func (e *Enumerator) finish(gen uint64, found []Descriptor) {
	unique := make(map[string]Descriptor, len(found))
	for _, desc := range found {
		if prior, ok := unique[desc.Key()]; ok && prior.Ping <= desc.Ping {
			continue
		}
		unique[desc.Key()] = desc
	}
	next := make([]Descriptor, 0, len(unique))
	for _, desc := range unique {
		next = append(next, desc)
	}
	sortDescriptors(next)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return
	}
	if !sameSet(e.sessions, next) {
		e.sessions = next
		e.changed = true
	}
	e.progress = 1
	e.running = false
	e.cancel = nil
	if len(next) == 0 {
		e.status = "no sessions found"
	} else {
		e.status = fmt.Sprintf("found %d sessions", len(next))
	}
}
