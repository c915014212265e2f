// Package session describes discoverable sessions and enumerates them.
package session

import (
	"sort"
	"time"
)

// Descriptor describes a discoverable or joinable remote session. Values are
// immutable once discovered; a new enumeration pass replaces them wholesale.
type Descriptor struct {
	Address    string        `json:"address"`
	Name       string        `json:"name"`
	World      string        `json:"world"`
	Players    int           `json:"players"`
	MaxPlayers int           `json:"maxPlayers"`
	Ping       time.Duration `json:"ping"`
	GameType   string        `json:"gameType"`
	Mod        string        `json:"mod"`
	Version    string        `json:"version"`
}

// NewDescriptor returns a descriptor for connecting to a known address
// without prior discovery.
func NewDescriptor(address string) Descriptor {
	return Descriptor{Address: address}
}

// Key identifies a descriptor within a discoverable set.
func (d Descriptor) Key() string {
	return d.Address + "\x00" + d.Name
}

// Full reports whether the session has no room left.
func (d Descriptor) Full() bool {
	return d.MaxPlayers > 0 && d.Players >= d.MaxPlayers
}

// sortDescriptors orders by address then name so published sets are stable.
func sortDescriptors(list []Descriptor) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Address != list[j].Address {
			return list[i].Address < list[j].Address
		}
		return list[i].Name < list[j].Name
	})
}

func sameSet(a, b []Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	index := make(map[string]Descriptor, len(a))
	for _, d := range a {
		index[d.Key()] = d
	}
	for _, d := range b {
		prior, ok := index[d.Key()]
		if !ok || prior != d {
			return false
		}
	}
	return true
}
