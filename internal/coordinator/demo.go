package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lockstep/server/internal/demo"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/netgraph"
	demolog "lockstep/server/logging/demo"
)

const metricDemoFrames = "coordinator_demo_frames_total"

// StartDemoRecord starts recording the live session to name. The first
// record is the full current state; every applied tick follows.
func (c *Coordinator) StartDemoRecord(name string) error {
	c.mainMu.Lock()
	defer c.mainMu.Unlock()

	c.mu.Lock()
	role := c.role
	c.mu.Unlock()
	if role != RoleServer && role != RoleClient {
		return fmt.Errorf("record demo %s: %w", name, ErrNotActive)
	}

	c.driver.Hold()
	defer c.driver.Release()

	snapshot, err := c.world.SnapshotState()
	if err != nil {
		return fmt.Errorf("record demo %s: snapshot: %w", name, err)
	}
	if err := c.demo.StartRecord(name); err != nil {
		return fmt.Errorf("record demo %s: %w", name, err)
	}
	c.mu.Lock()
	state := c.stateRecordLocked(snapshot)
	tick, events := c.tick, c.events
	c.mu.Unlock()

	c.recordFrame(tick, proto.Frame{Kind: proto.KindState, State: &state})
	if err := c.demo.Flush(); err != nil {
		return fmt.Errorf("record demo %s: %w", name, err)
	}
	demolog.RecordStarted(context.Background(), events, tick, demolog.StreamPayload{Name: name})
	return nil
}

// StopDemoRecord flushes and closes the recording. It is a no-op when not
// recording.
func (c *Coordinator) StopDemoRecord() error {
	c.mainMu.Lock()
	defer c.mainMu.Unlock()
	name, recording := c.demo.Recording()
	if !recording {
		return nil
	}
	if err := c.demo.Flush(); err != nil {
		c.reportDemoFailure(name, err)
	}
	frames := c.demo.RecordedFrames()
	err := c.demo.StopRecord()
	c.mu.Lock()
	tick, events := c.tick, c.events
	c.mu.Unlock()
	demolog.RecordStopped(context.Background(), events, tick, demolog.StreamPayload{Name: name, Frames: uint64(frames)})
	return err
}

func (c *Coordinator) IsRecordingDemo() bool {
	_, recording := c.demo.Recording()
	return recording
}

// StartDemoPlay ends any session and replays name on the demo time base.
// A stream from an engine outside its compatibility window fails with
// demo.ErrIncompatibleDemoVersion.
func (c *Coordinator) StartDemoPlay(name string) error {
	c.mainMu.Lock()
	defer c.mainMu.Unlock()
	c.stopSession()

	if c.world == nil {
		return fmt.Errorf("play demo %s: %w: no world configured", name, ErrStartup)
	}
	header, err := c.demo.StartPlay(name)
	if err != nil {
		return fmt.Errorf("play demo %s: %w", name, err)
	}
	record, ok, err := c.demo.Step()
	if err == nil && !ok {
		err = errors.New("empty stream")
	}
	if err != nil {
		c.demo.StopPlay()
		return fmt.Errorf("play demo %s: %w", name, err)
	}
	frame, err := c.codec.Decode(record.Data)
	if err == nil && frame.Kind != proto.KindState {
		err = fmt.Errorf("stream opens with %s, not state", frame.Kind)
	}
	if err != nil {
		c.demo.StopPlay()
		return fmt.Errorf("play demo %s: %w", name, err)
	}
	if err := c.restoreState(*frame.State); err != nil {
		c.demo.StopPlay()
		return fmt.Errorf("play demo %s: %w", name, err)
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.beginSessionLocked(id)
	c.role = RoleDemo
	c.state = StateActive
	c.sessionName = name
	c.applyStateLocked(*frame.State)
	events := c.events
	c.mu.Unlock()

	demolog.PlaybackStarted(context.Background(), events, demolog.PlaybackPayload{
		Name:          name,
		RecordedMajor: header.Major,
		RecordedMinor: header.Minor,
	})
	return nil
}

// StopDemoPlay ends playback and returns to idle.
func (c *Coordinator) StopDemoPlay() {
	c.StopGame()
}

func (c *Coordinator) IsPlayingDemo() bool {
	c.mu.Lock()
	role := c.role
	c.mu.Unlock()
	_, playing := c.demo.Playing()
	return role == RoleDemo && playing
}

// IsDemoPlayFinished latches once the played stream is exhausted.
func (c *Coordinator) IsDemoPlayFinished() bool {
	return c.demo.IsFinished()
}

// StepDemo applies the next demo frame regardless of the time base.
func (c *Coordinator) StepDemo() error {
	c.mainMu.Lock()
	defer c.mainMu.Unlock()
	c.mu.Lock()
	role := c.role
	c.mu.Unlock()
	if role != RoleDemo {
		return fmt.Errorf("step demo: %w", ErrNotActive)
	}
	record, ok, err := c.demo.Step()
	if err != nil {
		return fmt.Errorf("step demo: %w", err)
	}
	if ok {
		if err := c.applyDemoRecord(record); err != nil {
			return err
		}
	}
	c.reportDemoFinished()
	return nil
}

func (c *Coordinator) SetDemoSyncRate(base demo.TimeBase) {
	c.demo.SetSyncRate(base)
}

func (c *Coordinator) SetDemoRealTimeFactor(factor float64) {
	c.demo.SetRealTimeFactor(factor)
}

func (c *Coordinator) pumpDemo(now time.Time) {
	if c.LocalPause() {
		c.demo.Skip(now)
		return
	}
	records, err := c.demo.Due(now)
	for _, record := range records {
		if applyErr := c.applyDemoRecord(record); applyErr != nil {
			c.logger.Printf("[demo] %v", applyErr)
			break
		}
	}
	if err != nil && !errors.Is(err, demo.ErrNotPlaying) {
		name, _ := c.demo.Playing()
		c.reportDemoFailure(name, err)
	}
	c.reportDemoFinished()
}

func (c *Coordinator) applyDemoRecord(record demo.Record) error {
	frame, err := c.codec.Decode(record.Data)
	if err != nil {
		return fmt.Errorf("demo tick %d: %w", record.Tick, err)
	}
	switch frame.Kind {
	case proto.KindTick:
		if err := c.world.ApplyActionFrame(*frame.Tick); err != nil {
			return fmt.Errorf("demo tick %d: %w", record.Tick, err)
		}
		c.mu.Lock()
		c.tick = frame.Tick.Seq
		c.applyMembershipLocked(*frame.Tick)
		c.mu.Unlock()
		kind := netgraph.KindNonAction
		if len(frame.Tick.Actions) > 0 {
			kind = netgraph.KindAction
		}
		c.graph.Add(kind, 0)
	case proto.KindState:
		if err := c.restoreState(*frame.State); err != nil {
			return fmt.Errorf("demo tick %d: %w", record.Tick, err)
		}
		c.mu.Lock()
		c.applyStateLocked(*frame.State)
		c.mu.Unlock()
	}
	c.metrics.Add(metricDemoFrames, 1)
	return nil
}

func (c *Coordinator) reportDemoFinished() {
	if !c.demo.IsFinished() {
		return
	}
	c.mu.Lock()
	if c.demoReported {
		c.mu.Unlock()
		return
	}
	c.demoReported = true
	tick, events, name := c.tick, c.events, c.sessionName
	c.mu.Unlock()
	demolog.PlaybackFinished(context.Background(), events, tick, demolog.StreamPayload{Name: name, Frames: tick})
}

// flushDemo writes frames the tick queued since the last pump.
func (c *Coordinator) flushDemo() {
	name, recording := c.demo.Recording()
	if !recording {
		return
	}
	if err := c.demo.Flush(); err != nil {
		c.reportDemoFailure(name, err)
	}
}

func (c *Coordinator) reportDemoFailure(name string, err error) {
	c.logger.Printf("[demo] %s: %v", name, err)
	c.mu.Lock()
	tick, events := c.tick, c.events
	c.mu.Unlock()
	demolog.WriteFailed(context.Background(), events, tick, demolog.FailurePayload{Name: name, Error: err.Error()})
}

// restoreState loads a state record's world and snapshot.
func (c *Coordinator) restoreState(state proto.State) error {
	if err := c.world.LoadWorld(state.World); err != nil {
		return fmt.Errorf("%w: load world %s: %w", ErrStartup, state.World, err)
	}
	if err := c.world.RestoreState(state.Snapshot); err != nil {
		return fmt.Errorf("%w: restore state: %w", ErrStartup, err)
	}
	return nil
}

func (c *Coordinator) applyStateLocked(state proto.State) {
	c.worldID = state.World
	c.tick = state.Tick
	c.properties = append([]byte(nil), state.Properties...)
	c.defaultState = append([]byte(nil), state.Snapshot...)
	c.players = [MaxPlayers]*proto.Player{}
	for _, player := range state.Players {
		if player.Slot >= 0 && player.Slot < MaxPlayers {
			p := player
			c.players[p.Slot] = &p
		}
	}
	c.history = c.history[:0]
	for _, level := range state.History {
		c.history = append(c.history, levelRecord{level: level})
	}
}
