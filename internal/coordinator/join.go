package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lockstep/server/internal/consistency"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/session"
	sessionlog "lockstep/server/logging/session"
)

// JoinSession connects to the host in desc and runs the join handshake:
// engine version first, then the content fingerprint, then the host's
// welcome with the current state. The whole exchange is bounded by
// JoinTimeout and ctx.
func (c *Coordinator) JoinSession(ctx context.Context, desc session.Descriptor, localPlayers int) error {
	c.mainMu.Lock()
	defer c.mainMu.Unlock()
	c.stopSession()

	if localPlayers < 0 || localPlayers > MaxLocalPlayers {
		return fmt.Errorf("join %s: local player count %d out of range", desc.Address, localPlayers)
	}
	if c.deps.Connector == nil {
		return fmt.Errorf("join %s: %w: no connector configured", desc.Address, ErrRefused)
	}
	if c.world == nil {
		return fmt.Errorf("join %s: %w: no world configured", desc.Address, ErrStartup)
	}

	c.mu.Lock()
	c.state = StateJoining
	c.requiredMod = ""
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()

	disp, err := c.join(ctx, desc, localPlayers)
	if err != nil {
		if disp != nil {
			if closer, ok := disp.(Closer); ok {
				closer.Close()
			}
		}
		var mismatch *consistency.MismatchError
		c.mu.Lock()
		c.state = StateIdle
		if errors.As(err, &mismatch) {
			c.requiredMod = mismatch.RequiredMod
		}
		requiredMod := c.requiredMod
		c.mu.Unlock()
		sessionlog.JoinFailed(context.Background(), c.publisher, c.peerRef(desc.Address), sessionlog.JoinFailedPayload{
			Address:     desc.Address,
			Reason:      err.Error(),
			RequiredMod: requiredMod,
		}, nil)
		return fmt.Errorf("join %s: %w", desc.Address, err)
	}
	return nil
}

func (c *Coordinator) join(ctx context.Context, desc session.Descriptor, localPlayers int) (Dispatcher, error) {
	disp, err := c.deps.Connector.Connect(ctx, desc.Address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: connect: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: connect: %w", ErrRefused, err)
	}

	request := proto.JoinRequest{Version: c.cfg.Version, LocalPlayers: localPlayers}
	if err := disp.Send(proto.Frame{Kind: proto.KindJoinRequest, JoinRequest: &request}, proto.ToServer); err != nil {
		return disp, fmt.Errorf("%w: send join request: %w", ErrRefused, err)
	}
	frame, _, err := c.await(ctx, disp, proto.KindJoinReply)
	if err != nil {
		return disp, err
	}
	reply := frame.JoinReply

	if reply.Version != c.cfg.Version {
		return disp, &consistency.MismatchError{
			Kind:        consistency.ErrVersionMismatch,
			Local:       c.cfg.Version.String(),
			Remote:      reply.Version.String(),
			RequiredMod: consistency.RequiredMod(reply.Mod, reply.Version.String()),
		}
	}
	if !reply.Accepted {
		if reply.Full {
			return disp, fmt.Errorf("%w: %w", ErrRefused, ErrSessionFull)
		}
		return disp, fmt.Errorf("%w: %s", ErrRefused, reply.Reason)
	}

	local, err := c.gatherFor(ctx, reply.Fingerprint, reply.Mod)
	if err != nil {
		return disp, err
	}
	if err := consistency.Verify(local, reply.Fingerprint, reply.Mod); err != nil {
		return disp, err
	}

	confirm := proto.Confirm{Combined: local.Combined}
	if err := disp.Send(proto.Frame{Kind: proto.KindConfirm, Confirm: &confirm}, proto.ToServer); err != nil {
		return disp, fmt.Errorf("%w: send confirm: %w", ErrRefused, err)
	}
	frame, rest, err := c.await(ctx, disp, proto.KindWelcome)
	if err != nil {
		return disp, err
	}
	welcome := frame.Welcome

	state := welcome.DefaultState
	if len(welcome.Delta) > 0 {
		state, err = ApplyDelta(welcome.DefaultState, welcome.Delta)
		if err != nil {
			return disp, fmt.Errorf("%w: rebuild state: %w", ErrStartup, err)
		}
	}
	if err := c.world.LoadWorld(welcome.World); err != nil {
		return disp, fmt.Errorf("%w: load world %s: %w", ErrStartup, welcome.World, err)
	}
	if err := c.world.RestoreState(state); err != nil {
		return disp, fmt.Errorf("%w: restore state: %w", ErrStartup, err)
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.beginSessionLocked(id)
	c.role = RoleClient
	c.state = StateActive
	c.sessionName = reply.Session
	if c.sessionName == "" {
		c.sessionName = desc.Name
	}
	c.hostAddress = desc.Address
	c.worldID = welcome.World
	c.maxPlayers = reply.MaxPlayers
	c.properties = append([]byte(nil), welcome.Properties...)
	c.defaultState = append([]byte(nil), welcome.DefaultState...)
	c.fingerprint = local
	c.dispatcher = disp
	c.ownsDispatcher = true
	c.tick = welcome.Tick
	c.paused = welcome.Paused
	for _, player := range welcome.Players {
		if player.Slot >= 0 && player.Slot < MaxPlayers {
			p := player
			c.players[p.Slot] = &p
		}
	}
	c.stash = append(c.stash, rest...)
	events := c.events
	c.mu.Unlock()

	c.driver.Install()
	c.driver.SetSpeed(1)

	sessionlog.Joined(context.Background(), events, welcome.Tick, c.ref(id), sessionlog.JoinedPayload{
		Address: desc.Address,
		World:   welcome.World,
		Tick:    welcome.Tick,
	}, nil)
	c.logger.Printf("[session] joined %s world=%s tick=%d", desc.Address, welcome.World, welcome.Tick)
	return disp, nil
}

// gatherFor hashes the host's item list locally. An item that can't be
// hashed here is missing content and reported as a mismatch naming it.
func (c *Coordinator) gatherFor(ctx context.Context, remote consistency.Fingerprint, mod string) (consistency.Fingerprint, error) {
	gctx, cancel := context.WithTimeout(ctx, c.cfg.GatherTimeout)
	defer cancel()
	c.checker.BeginGather()
	for _, id := range remote.IDs() {
		if err := c.checker.Add(gctx, id); err != nil {
			c.checker.Reset()
			if gctx.Err() != nil {
				return consistency.Fingerprint{}, fmt.Errorf("%w: gather content: %w", ErrTimeout, err)
			}
			return consistency.Fingerprint{}, &consistency.MismatchError{
				Kind:        consistency.ErrContentMismatch,
				Item:        id,
				Local:       "missing",
				Remote:      fmt.Sprintf("%016x", uint64(remote.Combined)),
				RequiredMod: consistency.RequiredMod(mod, remote.Build),
			}
		}
	}
	return c.checker.FinishGather(), nil
}

// await polls disp every waitMessageDelay until a frame of one of kinds
// arrives. A Leave from the host aborts as ErrRefused. Frames after the
// match are returned so nothing queued behind it is lost.
func (c *Coordinator) await(ctx context.Context, disp Dispatcher, kinds ...proto.Kind) (proto.Frame, []proto.Frame, error) {
	ticker := time.NewTicker(waitMessageDelay)
	defer ticker.Stop()
	for {
		frames := disp.PollReceived()
		for i, frame := range frames {
			if frame.Kind == proto.KindLeave {
				reason := "host closed the connection"
				if frame.Leave != nil && frame.Leave.Reason != "" {
					reason = frame.Leave.Reason
				}
				return proto.Frame{}, nil, fmt.Errorf("%w: %s", ErrRefused, reason)
			}
			for _, kind := range kinds {
				if frame.Kind == kind && frame.Validate() == nil {
					return frame, append([]proto.Frame(nil), frames[i+1:]...), nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return proto.Frame{}, nil, fmt.Errorf("%w: waiting for %s: %w", ErrTimeout, kinds[0], ctx.Err())
		case <-ticker.C:
		}
	}
}
