// Package world is a small deterministic arena driven by lockstep tick
// frames: players join, steer with intents and leave.
package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lockstep/server/internal/net/proto"
)

var ErrNoWorld = errors.New("no world loaded")

const spawnAttempts = 32

// Player is one occupied slot in the arena.
type Player struct {
	Slot int    `json:"slot"`
	Name string `json:"name"`
	Team string `json:"team,omitempty"`
	Actor
}

// Intent is the payload of a player action.
type Intent struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

func EncodeIntent(dx, dy float64) []byte {
	data, _ := json.Marshal(Intent{DX: dx, DY: dy})
	return data
}

type arenaState struct {
	World     string     `json:"world"`
	Seq       uint64     `json:"seq"`
	Config    Config     `json:"config"`
	Obstacles []Obstacle `json:"obstacles,omitempty"`
	Players   []Player   `json:"players,omitempty"`
}

// Arena implements the coordinator's world. Every method is safe for
// concurrent use.
type Arena struct {
	root string
	dt   float64

	mu    sync.Mutex
	state arenaState
}

// NewArena reads world files from root and advances players by quantum per
// applied tick.
func NewArena(root string, quantum time.Duration) *Arena {
	if quantum <= 0 {
		quantum = 50 * time.Millisecond
	}
	return &Arena{root: root, dt: quantum.Seconds()}
}

func (a *Arena) LoadWorld(id string) error {
	cfg, err := LoadConfig(a.root, id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = arenaState{
		World:     id,
		Config:    cfg,
		Obstacles: generateObstacles(cfg),
	}
	return nil
}

func (a *Arena) ApplyActionFrame(frame proto.TickFrame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.World == "" {
		return ErrNoWorld
	}
	for _, slot := range frame.Leaves {
		a.removeLocked(slot)
	}
	for _, join := range frame.Joins {
		a.spawnLocked(join, frame.Seq)
	}
	for _, action := range frame.Actions {
		player := a.playerLocked(action.Slot)
		if player == nil {
			continue
		}
		var intent Intent
		if err := json.Unmarshal(action.Data, &intent); err != nil {
			continue
		}
		player.IntentX, player.IntentY = intent.DX, intent.DY
	}
	cfg := a.state.Config
	for i := range a.state.Players {
		Move(&a.state.Players[i].Actor, a.dt, a.state.Obstacles, cfg.Width, cfg.Height, cfg.Speed)
	}
	a.state.Seq = frame.Seq
	return nil
}

func (a *Arena) playerLocked(slot int) *Player {
	for i := range a.state.Players {
		if a.state.Players[i].Slot == slot {
			return &a.state.Players[i]
		}
	}
	return nil
}

func (a *Arena) removeLocked(slot int) {
	for i := range a.state.Players {
		if a.state.Players[i].Slot == slot {
			a.state.Players = append(a.state.Players[:i], a.state.Players[i+1:]...)
			return
		}
	}
}

// spawnLocked places a joining player on a free spot picked from the seeded
// stream for its slot and tick.
func (a *Arena) spawnLocked(join proto.Player, seq uint64) {
	a.removeLocked(join.Slot)
	cfg := a.state.Config
	rng := NewDeterministicRNG(cfg.Seed, fmt.Sprintf("spawn-%d-%d", join.Slot, seq))
	x, y := cfg.Width/2, cfg.Height/2
	for attempt := 0; attempt < spawnAttempts; attempt++ {
		cx := randomBetween(rng, PlayerHalf, cfg.Width-PlayerHalf)
		cy := randomBetween(rng, PlayerHalf, cfg.Height-PlayerHalf)
		blocked := false
		for _, obs := range a.state.Obstacles {
			if overlaps(cx, cy, obs) {
				blocked = true
				break
			}
		}
		if !blocked {
			x, y = cx, cy
			break
		}
	}
	a.state.Players = append(a.state.Players, Player{
		Slot:  join.Slot,
		Name:  join.Character.Name,
		Team:  join.Character.Team,
		Actor: Actor{X: x, Y: y},
	})
	sort.Slice(a.state.Players, func(i, j int) bool { return a.state.Players[i].Slot < a.state.Players[j].Slot })
}

func (a *Arena) SnapshotState() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.World == "" {
		return nil, ErrNoWorld
	}
	return json.Marshal(a.state)
}

// RestoreState replaces the arena with a snapshot of the loaded world.
func (a *Arena) RestoreState(data []byte) error {
	var restored arenaState
	if err := json.Unmarshal(data, &restored); err != nil {
		return fmt.Errorf("restore arena: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.World == "" {
		return ErrNoWorld
	}
	if restored.World != a.state.World {
		return fmt.Errorf("restore arena: snapshot of %s, loaded %s", restored.World, a.state.World)
	}
	a.state = restored
	return nil
}

func (a *Arena) PlayerEntity(slot int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.playerLocked(slot) == nil {
		return "", false
	}
	return fmt.Sprintf("player-%d", slot), true
}

// Player returns a copy of the player in slot.
func (a *Arena) Player(slot int) (Player, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if player := a.playerLocked(slot); player != nil {
		return *player, true
	}
	return Player{}, false
}

func (a *Arena) Seq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Seq
}
