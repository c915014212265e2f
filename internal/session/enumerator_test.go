package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProber struct {
	mu      sync.Mutex
	results map[string]Descriptor
	block   chan struct{}
	calls   int
}

func (p *fakeProber) Probe(ctx context.Context, address string) (Descriptor, error) {
	p.mu.Lock()
	p.calls++
	block := p.block
	desc, ok := p.results[address]
	p.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Descriptor{}, ctx.Err()
		}
	}
	if !ok {
		return Descriptor{}, errors.New("no route to host")
	}
	return desc, nil
}

func (p *fakeProber) set(address string, desc Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[address] = desc
}

type fakeLister struct {
	addresses []string
	err       error
}

func (l fakeLister) List(context.Context) ([]string, error) {
	return l.addresses, l.err
}

func waitPass(t *testing.T, e *Enumerator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("enumeration did not finish: %v", err)
	}
}

func TestEnumeratorDeduplicatesAddressAndName(t *testing.T) {
	prober := &fakeProber{results: map[string]Descriptor{
		"10.0.0.1:7777": {Name: "alpha", World: "intro", Ping: 20 * time.Millisecond},
		"10.0.0.2:7777": {Address: "10.0.0.2:7777", Name: "beta", World: "arena"},
	}}
	enumerator := NewEnumerator(EnumeratorConfig{
		LAN:    []string{"10.0.0.1:7777", "10.0.0.2:7777", "10.0.0.1:7777"},
		Master: fakeLister{addresses: []string{"10.0.0.2:7777", "10.0.0.3:7777"}},
		Prober: prober,
	})

	enumerator.Start(true)
	waitPass(t, enumerator)

	sessions := enumerator.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 unique sessions, got %d: %+v", len(sessions), sessions)
	}
	seen := make(map[string]bool)
	for _, desc := range sessions {
		if seen[desc.Key()] {
			t.Fatalf("duplicate session %q", desc.Key())
		}
		seen[desc.Key()] = true
	}
	if sessions[0].Address != "10.0.0.1:7777" {
		t.Fatalf("expected prober address to be filled in, got %q", sessions[0].Address)
	}
	progress, status := enumerator.Progress()
	if progress != 1 {
		t.Fatalf("expected progress 1 after pass, got %f", progress)
	}
	if status != "found 2 sessions" {
		t.Fatalf("unexpected status %q", status)
	}
	if prober.calls != 3 {
		t.Fatalf("expected 3 probes for 3 unique addresses, got %d", prober.calls)
	}
}

func TestEnumeratorChangeFlagOnlyWhenSetDiffers(t *testing.T) {
	prober := &fakeProber{results: map[string]Descriptor{
		"a": {Name: "one"},
	}}
	enumerator := NewEnumerator(EnumeratorConfig{LAN: []string{"a", "b"}, Prober: prober})

	enumerator.Start(false)
	waitPass(t, enumerator)
	if !enumerator.ConsumeChange() {
		t.Fatalf("expected change flag after first non-empty pass")
	}

	enumerator.Start(false)
	waitPass(t, enumerator)
	if enumerator.ConsumeChange() {
		t.Fatalf("expected no change flag for an identical pass")
	}

	prober.set("b", Descriptor{Name: "two"})
	enumerator.Start(false)
	waitPass(t, enumerator)
	if !enumerator.ConsumeChange() {
		t.Fatalf("expected change flag when a session appears")
	}
	if got := len(enumerator.Sessions()); got != 2 {
		t.Fatalf("expected 2 sessions, got %d", got)
	}

	enumerator.Clear()
	if !enumerator.ConsumeChange() {
		t.Fatalf("expected change flag after clearing a non-empty set")
	}
	enumerator.Clear()
	if enumerator.ConsumeChange() {
		t.Fatalf("expected no change flag when clearing an empty set")
	}
}

func TestEnumeratorRestartReplacesInFlightPass(t *testing.T) {
	block := make(chan struct{})
	prober := &fakeProber{results: map[string]Descriptor{"a": {Name: "slow"}}, block: block}
	enumerator := NewEnumerator(EnumeratorConfig{LAN: []string{"a"}, Prober: prober})

	enumerator.Start(false)
	if !enumerator.Running() {
		t.Fatalf("expected pass to be running")
	}

	prober.mu.Lock()
	prober.block = nil
	prober.results["a"] = Descriptor{Name: "fast"}
	prober.mu.Unlock()

	enumerator.Start(false)
	waitPass(t, enumerator)
	close(block)

	sessions := enumerator.Sessions()
	if len(sessions) != 1 || sessions[0].Name != "fast" {
		t.Fatalf("expected only the replacing pass to publish, got %+v", sessions)
	}
	if enumerator.Running() {
		t.Fatalf("expected enumerator to be idle")
	}
}

func TestEnumeratorMasterFailureDegrades(t *testing.T) {
	prober := &fakeProber{results: map[string]Descriptor{"lan": {Name: "local"}}}
	enumerator := NewEnumerator(EnumeratorConfig{
		LAN:    []string{"lan"},
		Master: fakeLister{err: errors.New("master offline")},
		Prober: prober,
	})
	enumerator.Start(true)
	waitPass(t, enumerator)
	if got := len(enumerator.Sessions()); got != 1 {
		t.Fatalf("expected LAN results despite master failure, got %d", got)
	}
}

func TestEnumeratorStopKeepsPreviousSet(t *testing.T) {
	prober := &fakeProber{results: map[string]Descriptor{"a": {Name: "kept"}}}
	enumerator := NewEnumerator(EnumeratorConfig{LAN: []string{"a"}, Prober: prober})
	enumerator.Start(false)
	waitPass(t, enumerator)
	enumerator.ConsumeChange()

	prober.mu.Lock()
	prober.block = make(chan struct{})
	prober.results["a"] = Descriptor{Name: "replaced"}
	prober.mu.Unlock()

	enumerator.Start(false)
	enumerator.Stop()
	waitPass(t, enumerator)

	if _, status := enumerator.Progress(); status != "cancelled" {
		t.Fatalf("expected cancelled status, got %q", status)
	}
	sessions := enumerator.Sessions()
	if len(sessions) != 1 || sessions[0].Name != "kept" {
		t.Fatalf("expected previous set to survive a cancelled pass, got %+v", sessions)
	}
	if enumerator.ConsumeChange() {
		t.Fatalf("expected no change flag for a cancelled pass")
	}
}
