// Package consistency builds and compares content fingerprints so peers
// that would simulate differently never share a session.
package consistency

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrVersionMismatch reports peers running different engine builds.
	ErrVersionMismatch = errors.New("engine version mismatch")
	// ErrContentMismatch reports peers whose content checksums differ.
	ErrContentMismatch = errors.New("content mismatch")
)

// Checksum is the fixed-width value produced for one content item.
type Checksum uint64

// Version identifies an engine build.
type Version struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ParseVersion parses "major.minor".
func ParseVersion(raw string) (Version, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok {
		return Version{}, fmt.Errorf("version %q: expected major.minor", raw)
	}
	ma, err := strconv.ParseUint(major, 10, 32)
	if err != nil {
		return Version{}, fmt.Errorf("version %q: %w", raw, err)
	}
	mi, err := strconv.ParseUint(minor, 10, 32)
	if err != nil {
		return Version{}, fmt.Errorf("version %q: %w", raw, err)
	}
	return Version{Major: uint32(ma), Minor: uint32(mi)}, nil
}

// Item is one gathered (content id, checksum) pair.
type Item struct {
	ID  string   `json:"id"`
	Sum Checksum `json:"sum"`
}

// Fingerprint is the ordered item list plus the combined checksum over the
// list and the build identifier.
type Fingerprint struct {
	Build    string   `json:"build"`
	Items    []Item   `json:"items"`
	Combined Checksum `json:"combined"`
}

// IDs lists the item ids in fingerprint order.
func (f Fingerprint) IDs() []string {
	ids := make([]string, len(f.Items))
	for i, item := range f.Items {
		ids[i] = item.ID
	}
	return ids
}

// Clone copies the fingerprint so callers can't alias the item list.
func (f Fingerprint) Clone() Fingerprint {
	out := f
	out.Items = append([]Item(nil), f.Items...)
	return out
}

// Combine folds the build id and every item into one value. Each field is
// length-prefixed so no two distinct lists hash the same input.
func Combine(build string, items []Item) Checksum {
	digest := xxhash.New()
	var scratch [8]byte
	writeString := func(s string) {
		binary.BigEndian.PutUint32(scratch[:4], uint32(len(s)))
		digest.Write(scratch[:4])
		digest.WriteString(s)
	}
	writeString(build)
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(items)))
	digest.Write(scratch[:4])
	for _, item := range items {
		writeString(item.ID)
		binary.BigEndian.PutUint64(scratch[:], uint64(item.Sum))
		digest.Write(scratch[:])
	}
	return Checksum(digest.Sum64())
}

// MismatchError describes why two fingerprints are incompatible. It matches
// ErrVersionMismatch or ErrContentMismatch through errors.Is.
type MismatchError struct {
	Kind        error
	Local       string
	Remote      string
	Item        string
	RequiredMod string
}

func (e *MismatchError) Error() string {
	if e.Item != "" {
		return fmt.Sprintf("%v: %s (item %s)", e.Kind, e.RequiredMod, e.Item)
	}
	return fmt.Sprintf("%v: local %s, remote %s", e.Kind, e.Local, e.Remote)
}

func (e *MismatchError) Unwrap() error {
	return e.Kind
}

// Verify compares a locally recomputed fingerprint with the one received
// from the host. Build skew is reported before content differences.
func Verify(local, remote Fingerprint, mod string) error {
	if local.Build != remote.Build {
		return &MismatchError{
			Kind:        ErrVersionMismatch,
			Local:       local.Build,
			Remote:      remote.Build,
			RequiredMod: RequiredMod(mod, remote.Build),
		}
	}
	if local.Combined == remote.Combined {
		return nil
	}
	return &MismatchError{
		Kind:        ErrContentMismatch,
		Local:       fmt.Sprintf("%016x", uint64(local.Combined)),
		Remote:      fmt.Sprintf("%016x", uint64(remote.Combined)),
		Item:        firstDifference(local.Items, remote.Items),
		RequiredMod: RequiredMod(mod, remote.Build),
	}
}

// RequiredMod renders the advisory shown to a player whose content differs
// from the host's.
func RequiredMod(mod, build string) string {
	if mod == "" {
		mod = "base game"
	}
	return fmt.Sprintf("%s (version %s)", mod, build)
}

func firstDifference(local, remote []Item) string {
	sums := make(map[string]Checksum, len(local))
	for _, item := range local {
		sums[item.ID] = item.Sum
	}
	for _, item := range remote {
		sum, ok := sums[item.ID]
		if !ok || sum != item.Sum {
			return item.ID
		}
		delete(sums, item.ID)
	}
	for _, item := range local {
		if _, extra := sums[item.ID]; extra {
			return item.ID
		}
	}
	return ""
}
