package coordinator

import (
	"context"
	"fmt"
	"sort"

	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/netgraph"
	"lockstep/server/internal/tick"
	networklog "lockstep/server/logging/network"
	sessionlog "lockstep/server/logging/session"
)

const (
	metricTicksAdvanced = "coordinator_ticks_advanced_total"
	metricFramesMissing = "coordinator_frames_missing_total"
	metricFramesSent    = "coordinator_frames_sent_total"
)

type outbound struct {
	frame proto.Frame
	to    proto.Destination
}

// onTick runs on the driver's worker once per due tick.
func (c *Coordinator) onTick(t tick.Tick) {
	c.mu.Lock()
	role, disp := c.role, c.dispatcher
	c.mu.Unlock()
	switch role {
	case RoleServer:
		c.serverTick(t, disp)
	case RoleClient:
		c.clientTick(t, disp)
	}
}

func (c *Coordinator) serverTick(t tick.Tick, disp Dispatcher) {
	var frames []proto.Frame
	if disp != nil {
		frames = disp.PollReceived()
	}

	c.mu.Lock()
	if c.role != RoleServer || c.disconnected {
		c.mu.Unlock()
		return
	}
	var replies []outbound
	for _, frame := range frames {
		replies = append(replies, c.routeServerLocked(frame)...)
	}
	c.noteBacklogLocked(t)

	if c.pendingLevel != nil || c.paused || c.localPause || c.waitingForPlayersLocked() {
		idle := proto.Frame{Kind: proto.KindTick, Tick: &proto.TickFrame{Seq: c.tick, Idle: true}}
		for _, id := range c.admittedLocked() {
			replies = append(replies, outbound{frame: idle, to: proto.ToPeer(id)})
		}
		c.mu.Unlock()
		c.send(disp, replies)
		c.graph.Add(netgraph.KindNonAction, 0)
		return
	}

	var waitingDone bool
	if c.state == StateHosting {
		c.state = StateActive
		waitingDone = c.waitForAll
	}
	c.tick++
	frame := proto.TickFrame{
		Seq:     c.tick,
		Actions: c.drainActionsLocked(),
		Joins:   c.pendingJoins,
		Leaves:  c.pendingLeaves,
	}
	c.pendingJoins, c.pendingLeaves = nil, nil
	targets := c.admittedLocked()
	events, total := c.events, c.playerCountLocked()
	c.mu.Unlock()

	c.send(disp, replies)
	if waitingDone {
		sessionlog.WaitingComplete(context.Background(), events, frame.Seq, sessionlog.PlayerPayload{Total: total}, nil)
	}

	if err := c.world.ApplyActionFrame(frame); err != nil {
		c.fail(fmt.Sprintf("apply tick %d: %v", frame.Seq, err))
		return
	}
	wire := proto.Frame{Kind: proto.KindTick, Tick: &frame}
	out := make([]outbound, 0, len(targets))
	for _, id := range targets {
		out = append(out, outbound{frame: wire, to: proto.ToPeer(id)})
	}
	c.send(disp, out)
	c.recordFrame(frame.Seq, wire)

	kind := netgraph.KindNonAction
	if len(frame.Actions) > 0 {
		kind = netgraph.KindAction
	}
	c.graph.Add(kind, c.clock.Now().Sub(t.Now).Seconds())
	c.metrics.Add(metricTicksAdvanced, 1)
}

// routeServerLocked applies frames the tick can handle directly and queues
// the rest for the main context. It returns replies to send once c.mu is
// released.
func (c *Coordinator) routeServerLocked(frame proto.Frame) []outbound {
	switch frame.Kind {
	case proto.KindActions:
		p, ok := c.peers[frame.From]
		if !ok || p.state != peerAdmitted {
			return nil
		}
		for _, action := range frame.Actions {
			for _, owned := range p.slots {
				if owned == action.Slot {
					c.actions[action.Slot] = action.Data
					break
				}
			}
		}
	case proto.KindAddPlayer:
		if frame.AddPlayer == nil {
			return nil
		}
		reply := c.handleAddPlayerLocked(frame.From, *frame.AddPlayer)
		return []outbound{{
			frame: proto.Frame{Kind: proto.KindAddPlayer, AddPlayer: &reply},
			to:    proto.ToPeer(frame.From),
		}}
	case proto.KindRemovePlayer:
		if p, ok := c.peers[frame.From]; ok && frame.RemovePlayer != nil {
			c.removePeerSlotLocked(p, frame.RemovePlayer.Slot)
		}
	case proto.KindLeave:
		if freed := c.dropPeerLocked(frame.From); len(freed) > 0 {
			c.logger.Printf("[session] peer %s left, freed slots %v", frame.From, freed)
		}
	case proto.KindJoinRequest, proto.KindConfirm, proto.KindChat:
		c.control = append(c.control, frame)
	}
	return nil
}

func (c *Coordinator) clientTick(t tick.Tick, disp Dispatcher) {
	var frames []proto.Frame
	if disp != nil {
		frames = disp.PollReceived()
	}

	c.mu.Lock()
	if c.role != RoleClient || c.disconnected {
		c.mu.Unlock()
		return
	}
	frames = append(c.stash, frames...)
	c.stash = nil
	var pauseEcho *bool
	for i, frame := range frames {
		if c.pendingLevel != nil {
			c.stash = append(c.stash, frames[i:]...)
			break
		}
		switch frame.Kind {
		case proto.KindTick:
			if frame.Tick != nil {
				c.incoming = append(c.incoming, *frame.Tick)
			}
		case proto.KindLevel:
			if frame.Level != nil {
				level := *frame.Level
				c.pendingLevel = &level
			}
		case proto.KindPause:
			if frame.Pause != nil && frame.Pause.Paused != c.paused {
				c.paused = frame.Pause.Paused
				paused := c.paused
				pauseEcho = &paused
			}
		case proto.KindAddPlayer:
			if frame.AddPlayer != nil {
				c.handleAddPlayerReplyLocked(*frame.AddPlayer)
			}
		case proto.KindChat:
			c.control = append(c.control, frame)
		case proto.KindLeave:
			reason := "server closed the session"
			if frame.Leave != nil && frame.Leave.Reason != "" {
				reason = frame.Leave.Reason
			}
			c.mu.Unlock()
			c.fail(reason)
			return
		}
	}
	actions := c.drainActionsLocked()
	batch := c.incoming
	c.incoming = nil
	current := c.tick
	events := c.events
	c.mu.Unlock()

	if pauseEcho != nil {
		sessionlog.PauseChanged(context.Background(), events, current, sessionlog.PausePayload{Paused: *pauseEcho, Echo: true}, nil)
	}
	if len(actions) > 0 && disp != nil {
		if err := disp.Send(proto.Frame{Kind: proto.KindActions, Actions: actions}, proto.ToServer); err != nil {
			c.logger.Printf("[session] send actions failed: %v", err)
		}
	}
	c.noteBacklog(t)

	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })
	advanced, heartbeat := false, false
	latency := c.clock.Now().Sub(t.Now).Seconds()
	for _, frame := range batch {
		frame := frame
		if frame.Idle {
			heartbeat = true
			continue
		}
		if frame.Seq <= current {
			c.graph.Add(netgraph.KindReplicatedAction, latency)
			continue
		}
		if gap := frame.Seq - current - 1; gap > 0 {
			c.noteMissing(current+1, frame.Seq, gap)
		}
		if err := c.world.ApplyActionFrame(frame); err != nil {
			c.fail(fmt.Sprintf("apply tick %d: %v", frame.Seq, err))
			return
		}
		current = frame.Seq
		advanced = true
		c.recordFrame(frame.Seq, proto.Frame{Kind: proto.KindTick, Tick: &frame})
		kind := netgraph.KindNonAction
		if len(frame.Actions) > 0 {
			kind = netgraph.KindAction
		}
		c.graph.Add(kind, latency)

		c.mu.Lock()
		c.applyMembershipLocked(frame)
		c.tick = current
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.paused || c.pendingLevel != nil
	missing := !advanced && !heartbeat && !held
	c.waitingServer = !advanced
	if missing {
		c.graph.Add(netgraph.KindMissing, 0)
		c.metrics.Add(metricFramesMissing, 1)
	}
	c.stability.noteTick(missing)
	if stats, unstable := c.stability.transition(c.graph); unstable {
		networklog.ConnectionUnstable(context.Background(), c.events, current, c.ref(c.sessionID), networklog.ConnectionUnstablePayload{
			Missing:    stats.Missing,
			Window:     stats.Samples,
			AvgLatency: stats.AvgLatency,
		}, nil)
	}
	if signal, exceeded := c.stability.exceeded(); exceeded {
		if c.setDisconnectedLocked(signal.summary()) {
			sessionlog.Disconnected(context.Background(), c.events, current, sessionlog.ReasonPayload{Reason: signal.summary()}, nil)
		}
	}
}

// noteMissing records a gap in the authoritative sequence. Entries beyond
// the graph capacity would only overwrite each other.
func (c *Coordinator) noteMissing(expected, received, gap uint64) {
	entries := gap
	if capacity := uint64(c.graph.Capacity()); entries > capacity {
		entries = capacity
	}
	for i := uint64(0); i < entries; i++ {
		c.graph.Add(netgraph.KindMissing, 0)
	}
	c.metrics.Add(metricFramesMissing, gap)
	events, actor := c.sessionEvents()
	networklog.FramesMissing(context.Background(), events, received, actor, networklog.FramesMissingPayload{
		Expected: expected,
		Received: received,
	}, nil)
}

func (c *Coordinator) noteBacklog(t tick.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noteBacklogLocked(t)
}

// noteBacklogLocked reports a run of late ticks once, at its start.
func (c *Coordinator) noteBacklogLocked(t tick.Tick) {
	if t.Backlog == 0 {
		c.inBacklog = false
		return
	}
	if c.inBacklog {
		return
	}
	c.inBacklog = true
	c.graph.Add(netgraph.KindSkippedAction, 0)
	networklog.TickBacklog(context.Background(), c.events, c.tick, networklog.TickBacklogPayload{Backlog: t.Backlog}, nil)
}

func (c *Coordinator) admittedLocked() []string {
	var ids []string
	for id, p := range c.peers {
		if p.state == peerAdmitted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) send(disp Dispatcher, out []outbound) {
	if disp == nil {
		return
	}
	for _, msg := range out {
		if err := disp.Send(msg.frame, msg.to); err != nil {
			c.logger.Printf("[session] send %s to %s failed: %v", msg.frame.Kind, msg.to, err)
			continue
		}
		c.metrics.Add(metricFramesSent, 1)
	}
}

// fail marks the session disconnected with reason. The session keeps its
// state until StopGame.
func (c *Coordinator) fail(reason string) {
	c.mu.Lock()
	changed := c.setDisconnectedLocked(reason)
	tick, events := c.tick, c.events
	c.mu.Unlock()
	if !changed {
		return
	}
	c.logger.Printf("[session] disconnected: %s", reason)
	sessionlog.Disconnected(context.Background(), events, tick, sessionlog.ReasonPayload{Reason: reason}, nil)
}

func (c *Coordinator) recordFrame(seq uint64, frame proto.Frame) {
	if _, recording := c.demo.Recording(); !recording {
		return
	}
	data, err := c.codec.Encode(frame)
	if err != nil {
		c.logger.Printf("[demo] encode tick %d failed: %v", seq, err)
		return
	}
	c.demo.Record(seq, data)
}
