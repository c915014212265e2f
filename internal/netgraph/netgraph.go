// Package netgraph keeps a fixed-size ring of per-tick network
// classifications for diagnostics and connection-stability checks.
package netgraph

import "sync"

// DefaultCapacity matches the number of ticks shown by the diagnostics graph.
const DefaultCapacity = 100

// Kind classifies what happened on one tick.
type Kind uint8

const (
	// KindAction marks a tick that carried player actions.
	KindAction Kind = iota
	// KindNonAction marks a tick that carried no actions.
	KindNonAction
	// KindMissing marks a tick whose frame never arrived.
	KindMissing
	// KindSkippedAction marks ticks whose actions were skipped while the
	// driver drained a backlog.
	KindSkippedAction
	// KindReplicatedAction marks a frame that repeated one already applied.
	KindReplicatedAction
)

func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindNonAction:
		return "non_action"
	case KindMissing:
		return "missing"
	case KindSkippedAction:
		return "skipped_action"
	case KindReplicatedAction:
		return "replicated_action"
	default:
		return "unknown"
	}
}

// Entry is one graph sample. Latency is in seconds.
type Entry struct {
	Kind    Kind    `json:"kind"`
	Latency float64 `json:"latency"`
}

// Stats summarises the newest entries of a graph.
type Stats struct {
	Samples    int     `json:"samples"`
	Missing    int     `json:"missing"`
	Actions    int     `json:"actions"`
	AvgLatency float64 `json:"avgLatency"`
	MaxLatency float64 `json:"maxLatency"`
}

// MissingRatio is Missing/Samples, zero for an empty window.
func (s Stats) MissingRatio() float64 {
	if s.Samples == 0 {
		return 0
	}
	return float64(s.Missing) / float64(s.Samples)
}

// Graph is a ring of entries, overwritten oldest-first. It is safe for
// concurrent use.
type Graph struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	count   int
}

// New constructs a graph holding capacity entries.
func New(capacity int) *Graph {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Graph{entries: make([]Entry, capacity)}
}

// Capacity reports the ring size.
func (g *Graph) Capacity() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// Len reports the number of stored entries.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Add appends an entry. Negative latencies are clamped to zero.
func (g *Graph) Add(kind Kind, latency float64) {
	if g == nil {
		return
	}
	if latency < 0 {
		latency = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[g.next] = Entry{Kind: kind, Latency: latency}
	g.next = (g.next + 1) % len(g.entries)
	if g.count < len(g.entries) {
		g.count++
	}
}

// Snapshot copies the stored entries ordered oldest to newest.
func (g *Graph) Snapshot() []Entry {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.newestLocked(g.count)
}

// Stats summarises the newest window entries (all entries when window <= 0).
func (g *Graph) Stats(window int) Stats {
	if g == nil {
		return Stats{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if window <= 0 || window > g.count {
		window = g.count
	}
	var stats Stats
	var latencySum float64
	var latencySamples int
	for _, entry := range g.newestLocked(window) {
		stats.Samples++
		switch entry.Kind {
		case KindMissing:
			stats.Missing++
			continue
		case KindAction, KindReplicatedAction:
			stats.Actions++
		}
		latencySum += entry.Latency
		latencySamples++
		if entry.Latency > stats.MaxLatency {
			stats.MaxLatency = entry.Latency
		}
	}
	if latencySamples > 0 {
		stats.AvgLatency = latencySum / float64(latencySamples)
	}
	return stats
}

// Reset clears every entry.
func (g *Graph) Reset() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.entries {
		g.entries[i] = Entry{}
	}
	g.next = 0
	g.count = 0
}

func (g *Graph) newestLocked(n int) []Entry {
	out := make([]Entry, n)
	start := (g.next - n + len(g.entries)) % len(g.entries)
	for i := 0; i < n; i++ {
		out[i] = g.entries[(start+i)%len(g.entries)]
	}
	return out
}
