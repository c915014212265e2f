package coordinator

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"lockstep/server/internal/demo"
	"lockstep/server/internal/net/proto"
)

// Save writes the single-machine session to name as a one-record stream in
// the demo format.
func (c *Coordinator) Save(name string) error {
	c.mainMu.Lock()
	defer c.mainMu.Unlock()
	c.mu.Lock()
	role, multiplayer := c.role, c.multiplayerLocked()
	c.mu.Unlock()
	if role != RoleServer {
		return fmt.Errorf("save %s: %w", name, ErrNotActive)
	}
	if multiplayer {
		return fmt.Errorf("save %s: %w", name, ErrMultiplayer)
	}
	if c.deps.Demos == nil {
		return fmt.Errorf("save %s: no store configured", name)
	}

	c.driver.Hold()
	snapshot, err := c.world.SnapshotState()
	c.mu.Lock()
	state := c.stateRecordLocked(snapshot)
	c.mu.Unlock()
	c.driver.Release()
	if err != nil {
		return fmt.Errorf("save %s: snapshot: %w", name, err)
	}

	data, err := c.codec.Encode(proto.Frame{Kind: proto.KindState, State: &state})
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	stream, err := c.deps.Demos.Create(name)
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	writer, err := demo.NewWriter(stream, c.streamHeader())
	if err == nil {
		err = writer.WriteRecord(demo.Record{Tick: state.Tick, Data: data})
	}
	if closeErr := stream.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	c.logger.Printf("[session] saved %s at tick %d", name, state.Tick)
	return nil
}

// Load replaces any session with the saved single-machine game in name.
func (c *Coordinator) Load(name string) error {
	c.mainMu.Lock()
	defer c.mainMu.Unlock()
	if c.deps.Demos == nil {
		return fmt.Errorf("load %s: no store configured", name)
	}
	if c.world == nil {
		return fmt.Errorf("load %s: %w: no world configured", name, ErrStartup)
	}

	state, err := c.readSave(name)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	c.stopSession()
	if err := c.restoreState(state); err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.beginSessionLocked(id)
	c.role = RoleServer
	c.state = StateActive
	c.sessionName = name
	c.applyStateLocked(state)
	c.maxPlayers = MaxLocalPlayers
	for _, player := range state.Players {
		if player.Peer == "" && player.Local >= 0 && player.Local < MaxLocalPlayers {
			c.local[player.Local] = player.Slot
		}
	}
	c.mu.Unlock()

	c.driver.Install()
	c.driver.SetSpeed(1)
	c.logger.Printf("[session] loaded %s at tick %d", name, state.Tick)
	return nil
}

func (c *Coordinator) readSave(name string) (proto.State, error) {
	stream, err := c.deps.Demos.Open(name)
	if err != nil {
		return proto.State{}, err
	}
	defer stream.Close()

	reader, err := demo.NewReader(stream)
	if err != nil {
		return proto.State{}, err
	}
	header := reader.Header()
	if !header.Compatible(c.cfg.Version.Major, c.cfg.Version.Minor) {
		return proto.State{}, fmt.Errorf("%w: saved by %s, running %s", demo.ErrIncompatibleDemoVersion, header, c.cfg.Version)
	}
	record, err := reader.ReadRecord()
	if errors.Is(err, io.EOF) {
		return proto.State{}, errors.New("save holds no state")
	}
	if err != nil {
		return proto.State{}, err
	}
	frame, err := c.codec.Decode(record.Data)
	if err != nil {
		return proto.State{}, err
	}
	if frame.Kind != proto.KindState {
		return proto.State{}, fmt.Errorf("save opens with %s, not state", frame.Kind)
	}
	return *frame.State, nil
}

func (c *Coordinator) streamHeader() demo.Header {
	return demo.Header{
		Major:  c.cfg.Version.Major,
		Minor:  c.cfg.Version.Minor,
		Window: c.cfg.DemoWindow,
	}
}
