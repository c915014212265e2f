package consistency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotGathering is returned by Add outside a BeginGather/FinishGather pair.
var ErrNotGathering = errors.New("consistency: gather not in progress")

// Hasher computes the checksum of one content item.
type Hasher interface {
	Checksum(ctx context.Context, id string) (Checksum, error)
}

type gatherState uint8

const (
	gatherIdle gatherState = iota
	gatherActive
	gatherFinished
)

// Checker accumulates item checksums and seals them into a Fingerprint.
type Checker struct {
	mu     sync.Mutex
	hasher Hasher
	build  string
	items  []Item
	seen   map[string]struct{}
	state  gatherState
	sealed Fingerprint
}

// NewChecker constructs a checker for the given build identifier.
func NewChecker(hasher Hasher, build string) *Checker {
	return &Checker{hasher: hasher, build: build}
}

// Build returns the build identifier folded into fingerprints.
func (c *Checker) Build() string {
	return c.build
}

// BeginGather discards any previous gather and starts a new one.
func (c *Checker) BeginGather() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.seen = make(map[string]struct{})
	c.state = gatherActive
	c.sealed = Fingerprint{}
}

// Add hashes one item into the gather. Repeated ids are ignored.
func (c *Checker) Add(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.state != gatherActive {
		c.mu.Unlock()
		return ErrNotGathering
	}
	if _, dup := c.seen[id]; dup {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("checksum %s: %w", id, err)
	}
	if c.hasher == nil {
		return fmt.Errorf("checksum %s: no hasher configured", id)
	}
	sum, err := c.hasher.Checksum(ctx, id)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", id, err)
	}
	return c.AddChecksum(id, sum)
}

// AddChecksum records a precomputed checksum.
func (c *Checker) AddChecksum(id string, sum Checksum) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != gatherActive {
		return ErrNotGathering
	}
	if _, dup := c.seen[id]; dup {
		return nil
	}
	c.seen[id] = struct{}{}
	c.items = append(c.items, Item{ID: id, Sum: sum})
	return nil
}

// FinishGather sorts the items, computes the combined checksum and seals the
// fingerprint. Calling it again without a new BeginGather returns the sealed
// fingerprint unchanged.
func (c *Checker) FinishGather() Fingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == gatherFinished {
		return c.sealed.Clone()
	}
	items := append([]Item(nil), c.items...)
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	c.sealed = Fingerprint{
		Build:    c.build,
		Items:    items,
		Combined: Combine(c.build, items),
	}
	c.state = gatherFinished
	c.items = nil
	c.seen = nil
	return c.sealed.Clone()
}

// Combined returns the sealed combined checksum, zero before FinishGather.
func (c *Checker) Combined() Checksum {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed.Combined
}

// Fingerprint returns the sealed fingerprint and whether one exists.
func (c *Checker) Fingerprint() (Fingerprint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != gatherFinished {
		return Fingerprint{}, false
	}
	return c.sealed.Clone(), true
}

// Reset forgets any gathered or sealed state.
func (c *Checker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.seen = nil
	c.state = gatherIdle
	c.sealed = Fingerprint{}
}

// Gather runs a complete gather over ids, stopping at the first error.
func (c *Checker) Gather(ctx context.Context, ids []string) (Fingerprint, error) {
	c.BeginGather()
	for _, id := range ids {
		if err := c.Add(ctx, id); err != nil {
			c.Reset()
			return Fingerprint{}, err
		}
	}
	return c.FinishGather(), nil
}

// Sums is an in-memory Hasher over precomputed checksums.
type Sums map[string]Checksum

// Checksum implements Hasher.
func (s Sums) Checksum(_ context.Context, id string) (Checksum, error) {
	sum, ok := s[id]
	if !ok {
		return 0, fmt.Errorf("unknown content %q", id)
	}
	return sum, nil
}
