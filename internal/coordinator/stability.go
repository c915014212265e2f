package coordinator

import (
	"fmt"
	"time"

	"lockstep/server/internal/netgraph"
)

// StabilityConfig bounds how degraded a client connection may get.
type StabilityConfig struct {
	Window          int           `mapstructure:"window"`
	MaxMissingRatio float64       `mapstructure:"max_missing_ratio"`
	MaxLatency      time.Duration `mapstructure:"max_latency"`
	MaxMissingRun   int           `mapstructure:"max_missing_run"`
}

func (c StabilityConfig) withDefaults() StabilityConfig {
	if c.Window <= 0 {
		c.Window = 40
	}
	if c.MaxMissingRatio <= 0 {
		c.MaxMissingRatio = 0.25
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = 500 * time.Millisecond
	}
	if c.MaxMissingRun <= 0 {
		c.MaxMissingRun = 200
	}
	return c
}

type stabilitySignal struct {
	MissingRun int
	Missing    uint64
	Total      uint64
}

func (s stabilitySignal) summary() string {
	return fmt.Sprintf("no frames from server for %d ticks (missing=%d total=%d)", s.MissingRun, s.Missing, s.Total)
}

// stabilityPolicy tracks missing ticks on a client. The netgraph window
// answers whether the link is currently stable; a long enough run of missing
// ticks trips a disconnect once.
type stabilityPolicy struct {
	cfg        StabilityConfig
	total      uint64
	missing    uint64
	missingRun int
	tripped    bool
	unstable   bool
}

func newStabilityPolicy(cfg StabilityConfig) *stabilityPolicy {
	return &stabilityPolicy{cfg: cfg.withDefaults()}
}

func (p *stabilityPolicy) noteTick(missing bool) {
	if p.total == ^uint64(0) {
		p.total /= 2
		p.missing /= 2
	}
	p.total++
	if missing {
		p.missing++
		p.missingRun++
		return
	}
	p.missingRun = 0
}

func (p *stabilityPolicy) exceeded() (stabilitySignal, bool) {
	if p.tripped || p.missingRun < p.cfg.MaxMissingRun {
		return stabilitySignal{}, false
	}
	p.tripped = true
	return stabilitySignal{MissingRun: p.missingRun, Missing: p.missing, Total: p.total}, true
}

func (p *stabilityPolicy) stable(graph *netgraph.Graph) bool {
	stats := graph.Stats(p.cfg.Window)
	if stats.Samples == 0 {
		return true
	}
	if stats.MissingRatio() > p.cfg.MaxMissingRatio {
		return false
	}
	return stats.AvgLatency <= p.cfg.MaxLatency.Seconds()
}

// transition reports the first tick a stable link turns unstable.
func (p *stabilityPolicy) transition(graph *netgraph.Graph) (netgraph.Stats, bool) {
	stable := p.stable(graph)
	if stable {
		p.unstable = false
		return netgraph.Stats{}, false
	}
	if p.unstable {
		return netgraph.Stats{}, false
	}
	p.unstable = true
	return graph.Stats(p.cfg.Window), true
}

func (p *stabilityPolicy) reset() {
	p.total = 0
	p.missing = 0
	p.missingRun = 0
	p.tripped = false
	p.unstable = false
}
