package coordinator

import (
	"context"
	"fmt"
	"time"

	"lockstep/server/internal/net/proto"
	sessionlog "lockstep/server/logging/session"
)

// MainLoop is the main-context pump. It answers join handshakes, delivers
// chat, applies pending level changes, paces demo playback and flushes demo
// writes. Call it regularly; Run does so on a ticker.
func (c *Coordinator) MainLoop(now time.Time) {
	c.mainMu.Lock()
	defer c.mainMu.Unlock()

	c.mu.Lock()
	control := c.control
	c.control = nil
	level := c.pendingLevel
	role := c.role
	c.mu.Unlock()

	for _, frame := range control {
		switch frame.Kind {
		case proto.KindJoinRequest:
			if frame.JoinRequest != nil {
				c.handleJoinRequest(frame)
			}
		case proto.KindConfirm:
			if frame.Confirm != nil {
				c.handleConfirm(frame)
			}
		case proto.KindChat:
			if frame.Chat != nil {
				c.handleChat(frame)
			}
		}
	}
	if level != nil {
		c.applyLevelChange(*level)
	}
	if role == RoleDemo {
		c.pumpDemo(now)
	}
	c.flushDemo()
}

// Run pumps MainLoop until ctx ends and then stops the game.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.cfg.Quantum / 2
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer c.StopGame()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.MainLoop(now)
		}
	}
}

// ChangeLevel schedules a switch to world at the next tick boundary. Only
// the host decides level changes; clients follow the host's broadcast.
func (c *Coordinator) ChangeLevel(world string, remember bool, userData int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleServer {
		if c.role == RoleClient {
			return fmt.Errorf("change level: only the host changes levels")
		}
		return ErrNotActive
	}
	c.pendingLevel = &proto.Level{World: world, Remember: remember, UserData: userData}
	return nil
}

// applyLevelChange loads the pending level with the tick worker held.
func (c *Coordinator) applyLevelChange(level proto.Level) {
	c.driver.Hold()
	defer c.driver.Release()

	c.mu.Lock()
	previous := c.worldID
	prevState := c.state
	role := c.role
	c.state = StateChangingLevel
	if role != RoleClient {
		// Clients keep the host's tick from the broadcast.
		level.Tick = c.tick
	}
	c.mu.Unlock()

	var history []byte
	if level.Remember {
		snapshot, err := c.world.SnapshotState()
		if err != nil {
			c.logger.Printf("[session] snapshot of %s before level change failed: %v", previous, err)
		}
		history = snapshot
	}
	if err := c.world.LoadWorld(level.World); err != nil {
		c.mu.Lock()
		c.pendingLevel = nil
		c.state = prevState
		c.mu.Unlock()
		c.fail(fmt.Sprintf("level change to %s: %v", level.World, err))
		return
	}
	snapshot, err := c.world.SnapshotState()
	if err != nil {
		c.logger.Printf("[session] snapshot of %s failed: %v", level.World, err)
	}

	c.mu.Lock()
	if level.Remember {
		c.history = append(c.history, levelRecord{level: proto.Level{World: previous, Tick: level.Tick}, state: history})
	}
	c.worldID = level.World
	c.levelUserData = level.UserData
	if snapshot != nil {
		c.defaultState = snapshot
	}
	c.pendingLevel = nil
	if prevState == StateChangingLevel {
		prevState = StateActive
	}
	if !c.disconnected {
		c.state = prevState
	}
	targets := c.admittedLocked()
	disp, tick, events := c.dispatcher, c.tick, c.events
	state := c.stateRecordLocked(snapshot)
	c.mu.Unlock()

	if role == RoleServer {
		out := make([]outbound, 0, len(targets))
		wire := proto.Frame{Kind: proto.KindLevel, Level: &level}
		for _, id := range targets {
			out = append(out, outbound{frame: wire, to: proto.ToPeer(id)})
		}
		c.send(disp, out)
	}
	c.recordFrame(tick, proto.Frame{Kind: proto.KindState, State: &state})

	sessionlog.LevelChanged(context.Background(), events, tick, sessionlog.LevelPayload{
		From:     previous,
		To:       level.World,
		Remember: level.Remember,
		UserData: int(level.UserData),
	}, nil)
	c.logger.Printf("[session] level %s -> %s at tick %d", previous, level.World, tick)
}

// LevelHistory lists the worlds kept by remembered level changes, oldest
// first.
func (c *Coordinator) LevelHistory() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	worlds := make([]string, len(c.history))
	for i, record := range c.history {
		worlds[i] = record.level.World
	}
	return worlds
}

// LevelUserData returns the user data of the last applied level change.
func (c *Coordinator) LevelUserData() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levelUserData
}

func (c *Coordinator) stateRecordLocked(snapshot []byte) proto.State {
	history := make([]proto.Level, len(c.history))
	for i, record := range c.history {
		history[i] = record.level
	}
	return proto.State{
		World:      c.worldID,
		Tick:       c.tick,
		Snapshot:   snapshot,
		Properties: append([]byte(nil), c.properties...),
		Players:    c.playerListLocked(),
		History:    history,
	}
}

// TogglePause flips the host's pause and broadcasts it. Clients can't pause
// a session; they only echo the host. Demo playback toggles its local pause.
func (c *Coordinator) TogglePause() {
	c.mu.Lock()
	switch c.role {
	case RoleServer:
		c.paused = !c.paused
		paused := c.paused
		targets := c.admittedLocked()
		disp, tick, events := c.dispatcher, c.tick, c.events
		c.mu.Unlock()
		wire := proto.Frame{Kind: proto.KindPause, Pause: &proto.Pause{Paused: paused}}
		out := make([]outbound, 0, len(targets))
		for _, id := range targets {
			out = append(out, outbound{frame: wire, to: proto.ToPeer(id)})
		}
		c.send(disp, out)
		sessionlog.PauseChanged(context.Background(), events, tick, sessionlog.PausePayload{Paused: paused}, nil)
	case RoleDemo:
		c.localPause = !c.localPause
		paused, tick, events := c.localPause, c.tick, c.events
		c.mu.Unlock()
		sessionlog.PauseChanged(context.Background(), events, tick, sessionlog.PausePayload{Paused: paused}, nil)
	default:
		c.mu.Unlock()
		c.logger.Printf("[session] pause toggle ignored for role %s", c.Role())
	}
}

// SetLocalPause pauses single-machine play and demo playback. It has no
// effect once another machine shares the session.
func (c *Coordinator) SetLocalPause(paused bool) {
	c.mu.Lock()
	if c.role == RoleNone || c.multiplayerLocked() {
		c.mu.Unlock()
		c.logger.Printf("[session] local pause ignored in multiplayer")
		return
	}
	if c.localPause == paused {
		c.mu.Unlock()
		return
	}
	c.localPause = paused
	tick, events := c.tick, c.events
	c.mu.Unlock()
	sessionlog.PauseChanged(context.Background(), events, tick, sessionlog.PausePayload{Paused: paused}, nil)
}

func (c *Coordinator) LocalPause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localPause
}

// IsPaused reports the host's pause (echoed on clients) or the local pause.
func (c *Coordinator) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused || c.localPause
}

// StopGame tears the session down. It is safe to call in any state, any
// number of times.
func (c *Coordinator) StopGame() {
	c.mainMu.Lock()
	defer c.mainMu.Unlock()
	c.stopSession()
}

// stopSession is StopGame for callers already holding mainMu.
func (c *Coordinator) stopSession() {
	c.driver.Remove()

	c.mu.Lock()
	role := c.role
	disp, owns := c.dispatcher, c.ownsDispatcher
	targets := c.admittedLocked()
	tick, events := c.tick, c.events
	c.resetLocked()
	c.disconnected = false
	c.stability.reset()
	c.mu.Unlock()

	if err := c.demo.Close(); err != nil {
		c.logger.Printf("[demo] closing streams failed: %v", err)
	}
	if disp != nil {
		if role == RoleServer {
			wire := proto.Frame{Kind: proto.KindLeave, Leave: &proto.Leave{Reason: "session ended"}}
			out := make([]outbound, 0, len(targets))
			for _, id := range targets {
				out = append(out, outbound{frame: wire, to: proto.ToPeer(id)})
			}
			c.send(disp, out)
		}
		if closer, ok := disp.(Closer); ok && owns {
			if err := closer.Close(); err != nil {
				c.logger.Printf("[session] closing connection failed: %v", err)
			}
		}
	}
	if role != RoleNone {
		sessionlog.Stopped(context.Background(), events, tick, nil)
	}
}
