package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"lockstep/server/internal/consistency"
	"lockstep/server/internal/net/proto"
	sessionlog "lockstep/server/logging/session"
)

// HostOptions configures a hosted session.
type HostOptions struct {
	Name              string
	World             string
	SpawnFlags        uint32
	MaxPlayers        int
	WaitForAllPlayers bool
	Properties        []byte
}

// HostSession loads the world, gathers the content fingerprint and starts
// ticking as the authoritative server. Any failure is reported as
// ErrStartup and leaves the coordinator idle.
func (c *Coordinator) HostSession(ctx context.Context, opts HostOptions) error {
	c.mainMu.Lock()
	defer c.mainMu.Unlock()
	c.stopSession()

	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = 1
	}
	if opts.MaxPlayers > MaxPlayers {
		return fmt.Errorf("%w: max players %d exceeds %d", ErrStartup, opts.MaxPlayers, MaxPlayers)
	}
	if len(opts.Properties) > PropertiesSize {
		return fmt.Errorf("%w: session properties are %d bytes, limit %d", ErrStartup, len(opts.Properties), PropertiesSize)
	}
	if c.world == nil {
		return fmt.Errorf("%w: no world configured", ErrStartup)
	}

	c.mu.Lock()
	c.state = StateHosting
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return err
	}

	if err := c.world.LoadWorld(opts.World); err != nil {
		return fail(fmt.Errorf("%w: load world %s: %w", ErrStartup, opts.World, err))
	}
	fingerprint, err := c.gather(ctx, c.cfg.ContentItems)
	if err != nil {
		return fail(fmt.Errorf("%w: gather content: %w", ErrStartup, err))
	}
	snapshot, err := c.world.SnapshotState()
	if err != nil {
		return fail(fmt.Errorf("%w: snapshot default state: %w", ErrStartup, err))
	}
	if c.deps.Host != nil {
		// Frames addressed to an earlier session are stale.
		c.deps.Host.PollReceived()
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.beginSessionLocked(id)
	c.role = RoleServer
	c.sessionName = opts.Name
	c.hostAddress = c.cfg.HostAddress
	c.worldID = opts.World
	c.maxPlayers = opts.MaxPlayers
	c.waitForAll = opts.WaitForAllPlayers
	c.spawnFlags = opts.SpawnFlags
	c.properties = append([]byte(nil), opts.Properties...)
	c.defaultState = snapshot
	c.fingerprint = fingerprint
	c.dispatcher = c.deps.Host
	c.tick = 0
	if c.waitingForPlayersLocked() {
		c.state = StateHosting
	} else {
		c.state = StateActive
	}
	events := c.events
	c.mu.Unlock()

	c.driver.Install()
	c.driver.SetSpeed(1)

	sessionlog.Hosted(context.Background(), events, c.ref(id), sessionlog.HostedPayload{
		Name:       opts.Name,
		World:      opts.World,
		MaxPlayers: opts.MaxPlayers,
		WaitForAll: opts.WaitForAllPlayers,
		Combined:   uint64(fingerprint.Combined),
		Items:      len(fingerprint.Items),
	}, nil)
	c.logger.Printf("[session] hosting %q world=%s max=%d items=%d", opts.Name, opts.World, opts.MaxPlayers, len(fingerprint.Items))
	return nil
}

// gather builds the local fingerprint over ids within GatherTimeout. A
// deadline is reported as ErrTimeout.
func (c *Coordinator) gather(ctx context.Context, ids []string) (consistency.Fingerprint, error) {
	gctx, cancel := context.WithTimeout(ctx, c.cfg.GatherTimeout)
	defer cancel()
	fingerprint, err := c.checker.Gather(gctx, ids)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return consistency.Fingerprint{}, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return consistency.Fingerprint{}, err
	}
	return fingerprint, nil
}

// handleJoinRequest answers a peer asking to join with the session's
// version, mod and fingerprint, or refuses it.
func (c *Coordinator) handleJoinRequest(frame proto.Frame) {
	req := frame.JoinRequest
	c.mu.Lock()
	reply := proto.JoinReply{
		Version:    c.cfg.Version,
		Mod:        c.cfg.Mod,
		MaxPlayers: c.maxPlayers,
	}
	disp := c.dispatcher
	accepting := c.role == RoleServer && !c.disconnected && (c.state == StateActive || c.state == StateHosting)
	switch {
	case !accepting:
		reply.Reason = "no session is being hosted"
	case req.LocalPlayers < 0 || req.LocalPlayers > MaxLocalPlayers:
		reply.Reason = fmt.Sprintf("local player count %d out of range", req.LocalPlayers)
	case c.reservedSlotsLocked()+req.LocalPlayers > c.maxPlayers:
		reply.Full = true
		reply.Reason = "session full"
	default:
		reply.Accepted = true
		reply.Fingerprint = c.fingerprint.Clone()
		reply.Session = c.sessionName
		reply.World = c.worldID
		c.peers[frame.From] = &peer{id: frame.From, state: peerHandshake, localPlayers: req.LocalPlayers}
	}
	tick := c.tick
	c.mu.Unlock()

	if disp == nil {
		return
	}
	if err := disp.Send(proto.Frame{Kind: proto.KindJoinReply, JoinReply: &reply}, proto.ToPeer(frame.From)); err != nil {
		c.logger.Printf("[session] join reply to %s failed: %v", frame.From, err)
	}
	if !reply.Accepted {
		events, _ := c.sessionEvents()
		sessionlog.PeerRejected(context.Background(), events, tick, c.peerRef(frame.From), sessionlog.PeerPayload{
			Reason:       reply.Reason,
			LocalPlayers: req.LocalPlayers,
		}, nil)
	}
}

// handleConfirm re-verifies the joiner's combined checksum and, when it
// matches, sends the current state as a delta against the default state.
func (c *Coordinator) handleConfirm(frame proto.Frame) {
	c.mu.Lock()
	p, ok := c.peers[frame.From]
	handshake := ok && p.state == peerHandshake
	disp := c.dispatcher
	combined := c.fingerprint.Combined
	tick := c.tick
	c.mu.Unlock()
	if !handshake || disp == nil {
		return
	}
	events, _ := c.sessionEvents()

	if frame.Confirm.Combined != combined {
		c.mu.Lock()
		delete(c.peers, frame.From)
		c.mu.Unlock()
		reason := consistency.ErrContentMismatch.Error()
		disp.Send(proto.Frame{Kind: proto.KindLeave, Leave: &proto.Leave{Reason: reason}}, proto.ToPeer(frame.From))
		sessionlog.PeerRejected(context.Background(), events, tick, c.peerRef(frame.From), sessionlog.PeerPayload{
			Reason:       reason,
			LocalPlayers: p.localPlayers,
		}, nil)
		return
	}

	// The worker stays parked until the welcome is queued so the first tick
	// frame the peer sees follows its snapshot.
	c.driver.Hold()
	defer c.driver.Release()

	current, err := c.world.SnapshotState()
	if err != nil {
		c.logger.Printf("[session] snapshot for %s failed: %v", frame.From, err)
		c.mu.Lock()
		delete(c.peers, frame.From)
		c.mu.Unlock()
		disp.Send(proto.Frame{Kind: proto.KindLeave, Leave: &proto.Leave{Reason: "host failed to snapshot state"}}, proto.ToPeer(frame.From))
		return
	}

	c.mu.Lock()
	p.state = peerAdmitted
	welcome := proto.Welcome{
		Tick:         c.tick,
		World:        c.worldID,
		DefaultState: append([]byte(nil), c.defaultState...),
		Delta:        MakeDelta(c.defaultState, current),
		Properties:   append([]byte(nil), c.properties...),
		Players:      c.playerListLocked(),
		Paused:       c.paused,
	}
	tick = c.tick
	c.mu.Unlock()

	if err := disp.Send(proto.Frame{Kind: proto.KindWelcome, Welcome: &welcome}, proto.ToPeer(frame.From)); err != nil {
		c.logger.Printf("[session] welcome to %s failed: %v", frame.From, err)
	}
	sessionlog.PeerAdmitted(context.Background(), events, tick, c.peerRef(frame.From), sessionlog.PeerPayload{
		LocalPlayers: p.localPlayers,
	}, nil)
}
