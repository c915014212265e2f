package world

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lockstep/server/internal/net/proto"
)

func writeWorld(t *testing.T, root, id, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, id+".toml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write world: %v", err)
	}
}

func newTestArena(t *testing.T) *Arena {
	t.Helper()
	root := t.TempDir()
	writeWorld(t, root, "arena", "seed = \"alpha\"\nwidth = 60\nheight = 40\nobstacles = 3\nspeed = 10\n")
	writeWorld(t, root, "empty", "")
	arena := NewArena(root, 100*time.Millisecond)
	if err := arena.LoadWorld("arena"); err != nil {
		t.Fatalf("load world: %v", err)
	}
	return arena
}

func joinFrame(seq uint64, slots ...int) proto.TickFrame {
	frame := proto.TickFrame{Seq: seq}
	for _, slot := range slots {
		frame.Joins = append(frame.Joins, proto.Player{Slot: slot, Character: proto.Character{Name: "p"}})
	}
	return frame
}

func TestArenaIsDeterministic(t *testing.T) {
	frames := []proto.TickFrame{
		joinFrame(1, 0, 1),
		{Seq: 2, Actions: []proto.Action{{Slot: 0, Data: EncodeIntent(1, 0)}, {Slot: 1, Data: EncodeIntent(0, -1)}}},
		{Seq: 3},
		{Seq: 4, Actions: []proto.Action{{Slot: 0, Data: []byte("garbage")}}},
	}
	first, second := newTestArena(t), newTestArena(t)
	for _, frame := range frames {
		if err := first.ApplyActionFrame(frame); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if err := second.ApplyActionFrame(frame); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	a, _ := first.SnapshotState()
	b, _ := second.SnapshotState()
	if !bytes.Equal(a, b) {
		t.Fatalf("expected identical snapshots\n%s\n%s", a, b)
	}
	if first.Seq() != 4 {
		t.Fatalf("expected seq 4, got %d", first.Seq())
	}
}

func TestArenaMovesWithinBounds(t *testing.T) {
	arena := newTestArena(t)
	if err := arena.LoadWorld("empty"); err != nil {
		t.Fatalf("load empty: %v", err)
	}
	arena.ApplyActionFrame(joinFrame(1, 0))
	start, _ := arena.Player(0)
	arena.ApplyActionFrame(proto.TickFrame{Seq: 2, Actions: []proto.Action{{Slot: 0, Data: EncodeIntent(-1, 0)}}})
	for seq := uint64(3); seq < 200; seq++ {
		arena.ApplyActionFrame(proto.TickFrame{Seq: seq})
	}
	end, _ := arena.Player(0)
	if end.X != PlayerHalf || start.X == PlayerHalf {
		t.Fatalf("expected player to reach the left wall from %.2f, got %.2f", start.X, end.X)
	}
	if end.X < PlayerHalf || end.Y < PlayerHalf || end.Y > DefaultHeight-PlayerHalf {
		t.Fatalf("expected player inside bounds, got %+v", end.Actor)
	}
}

func TestArenaSnapshotRestore(t *testing.T) {
	arena := newTestArena(t)
	arena.ApplyActionFrame(joinFrame(1, 2))
	saved, err := arena.SnapshotState()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	arena.ApplyActionFrame(proto.TickFrame{Seq: 2, Leaves: []int{2}})
	if _, ok := arena.PlayerEntity(2); ok {
		t.Fatalf("expected slot 2 to be gone")
	}

	if err := arena.RestoreState(saved); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if id, ok := arena.PlayerEntity(2); !ok || id != "player-2" {
		t.Fatalf("expected player-2 after restore, got %q", id)
	}

	if err := arena.LoadWorld("empty"); err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if err := arena.RestoreState(saved); err == nil {
		t.Fatalf("expected restoring another world's snapshot to fail")
	}
}

func TestArenaRequiresLoadedWorld(t *testing.T) {
	arena := NewArena(t.TempDir(), 0)
	if err := arena.ApplyActionFrame(proto.TickFrame{Seq: 1}); !errors.Is(err, ErrNoWorld) {
		t.Fatalf("expected ErrNoWorld, got %v", err)
	}
	if err := arena.LoadWorld("missing"); err == nil {
		t.Fatalf("expected missing world file to fail")
	}
	if err := arena.LoadWorld("../escape"); err == nil {
		t.Fatalf("expected path escape to fail")
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	root := t.TempDir()
	writeWorld(t, root, "typo", "widht = 10\n")
	if _, err := LoadConfig(root, "typo"); err == nil {
		t.Fatalf("expected unknown key to fail")
	}
	writeWorld(t, root, "defaults", "")
	cfg, err := LoadConfig(root, "defaults")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Seed != DefaultSeed || cfg.Width != DefaultWidth || cfg.Speed != DefaultSpeed {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}
