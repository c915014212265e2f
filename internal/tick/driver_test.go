package tick

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	ticks []Tick
}

func (r *recorder) handle(t Tick) {
	r.mu.Lock()
	r.ticks = append(r.ticks, t)
	r.mu.Unlock()
}

func (r *recorder) seqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.ticks))
	for i, t := range r.ticks {
		out[i] = t.Seq
	}
	return out
}

func waitIdle(t *testing.T, d *Driver) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.WaitIdle(ctx); err != nil {
		t.Fatalf("driver did not go idle: %v", err)
	}
}

func TestInstallAndRemoveAreIdempotent(t *testing.T) {
	rec := &recorder{}
	d := NewDriver(Config{}, rec.handle)

	d.Remove()
	d.Install()
	d.Install()
	if !d.Installed() {
		t.Fatalf("expected driver installed")
	}
	d.Fire()
	waitIdle(t, d)
	if got := len(rec.seqs()); got != 1 {
		t.Fatalf("expected a single worker to process one tick, got %d", got)
	}

	d.Remove()
	d.Remove()
	if d.Installed() {
		t.Fatalf("expected driver removed")
	}
	d.Fire()
	if d.Pending() != 0 {
		t.Fatalf("expected fire after remove to be ignored, pending=%d", d.Pending())
	}
}

func TestHeldTicksDrainInOrder(t *testing.T) {
	rec := &recorder{}
	d := NewDriver(Config{}, rec.handle)
	d.Install()
	defer d.Remove()

	const n = 25
	d.Hold()
	for i := 0; i < n; i++ {
		d.Fire()
	}
	if d.Pending() != n {
		t.Fatalf("expected %d pending while held, got %d", n, d.Pending())
	}
	if len(rec.seqs()) != 0 {
		t.Fatalf("expected no ticks while held")
	}
	d.Release()
	waitIdle(t, d)

	seqs := rec.seqs()
	if len(seqs) != n {
		t.Fatalf("expected %d ticks, got %d", n, len(seqs))
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("expected seq %d at %d, got %d", i+1, i, seq)
		}
	}
	if rec.ticks[0].Backlog != n-1 {
		t.Fatalf("expected first tick to see backlog %d, got %d", n-1, rec.ticks[0].Backlog)
	}
	if d.Pending() != 0 || d.Processed() != n {
		t.Fatalf("expected pending 0 and processed %d, got %d and %d", n, d.Pending(), d.Processed())
	}
}

func TestFireDoesNotReenterBusyHandler(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var mu sync.Mutex
	active, maxActive := 0, 0
	var once sync.Once

	d := NewDriver(Config{}, func(Tick) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		once.Do(func() {
			close(entered)
			<-unblock
		})
		mu.Lock()
		active--
		mu.Unlock()
	})
	d.Install()
	defer d.Remove()

	d.Fire()
	<-entered
	for i := 0; i < 10; i++ {
		d.Fire()
	}
	if d.Pending() != 10 {
		t.Fatalf("expected backlog of 10 while handler busy, got %d", d.Pending())
	}
	close(unblock)
	waitIdle(t, d)
	if maxActive != 1 {
		t.Fatalf("expected handler never reentered, saw %d concurrent", maxActive)
	}
	if d.Processed() != 11 {
		t.Fatalf("expected 11 processed, got %d", d.Processed())
	}
}

func TestHoldWaitsForInFlightTick(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var finished bool
	var mu sync.Mutex

	d := NewDriver(Config{}, func(Tick) {
		close(entered)
		<-unblock
		mu.Lock()
		finished = true
		mu.Unlock()
	})
	d.Install()
	defer d.Remove()

	d.Fire()
	<-entered
	held := make(chan struct{})
	go func() {
		d.Hold()
		close(held)
	}()
	select {
	case <-held:
		t.Fatalf("expected hold to wait for the running tick")
	case <-time.After(20 * time.Millisecond):
	}
	close(unblock)
	<-held
	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Fatalf("expected tick to finish before hold returned")
	}
	d.Release()
}

func TestTimerDrivesTicks(t *testing.T) {
	rec := &recorder{}
	d := NewDriver(Config{Quantum: time.Millisecond}, rec.handle)
	d.Install()
	d.SetSpeed(2)
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.seqs()) < 5 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	d.Remove()
	if len(rec.seqs()) < 5 {
		t.Fatalf("expected timer to fire at least 5 ticks, got %d", len(rec.seqs()))
	}
	if d.Speed() != 2 {
		t.Fatalf("expected speed 2, got %v", d.Speed())
	}
}
