package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"lockstep/server/internal/net/proto"
	"lockstep/server/logging"
	sessionlog "lockstep/server/logging/session"
)

const maxCharacterName = 32

// Character describes a player to add.
type Character = proto.Character

func validateCharacter(ch Character) error {
	name := strings.TrimSpace(ch.Name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCharacter)
	}
	if len(ch.Name) > maxCharacterName {
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidCharacter, maxCharacterName)
	}
	return nil
}

// AddPlayer assigns the next free session slot to a local player. Clients
// ask the host and wait up to JoinTimeout for the assignment.
func (c *Coordinator) AddPlayer(ch Character) (PlayerSlot, error) {
	if err := validateCharacter(ch); err != nil {
		return PlayerSlot{}, err
	}
	c.mu.Lock()
	switch c.role {
	case RoleServer:
		slot, err := c.addLocalPlayerLocked(ch)
		tick, events, total := c.tick, c.events, c.playerCountLocked()
		waitingDone := err == nil && c.waitForAll && total == c.maxPlayers
		c.mu.Unlock()
		if err != nil {
			return PlayerSlot{}, err
		}
		sessionlog.PlayerAdded(context.Background(), events, tick, playerRef(slot.Slot), sessionlog.PlayerPayload{
			Name: ch.Name, Slot: slot.Slot, Local: true, Total: total,
		}, nil)
		if waitingDone {
			sessionlog.WaitingComplete(context.Background(), events, tick, sessionlog.PlayerPayload{
				Name: ch.Name, Slot: slot.Slot, Local: true, Total: total,
			}, nil)
		}
		return slot, nil
	case RoleClient:
		return c.requestPlayerLocked(ch)
	default:
		c.mu.Unlock()
		return PlayerSlot{}, ErrNotActive
	}
}

func (c *Coordinator) addLocalPlayerLocked(ch Character) (PlayerSlot, error) {
	local := c.freeLocalLocked()
	if local < 0 {
		return PlayerSlot{}, fmt.Errorf("%w: all %d local slots in use", ErrSessionFull, MaxLocalPlayers)
	}
	if c.reservedSlotsLocked() >= c.maxPlayers {
		return PlayerSlot{}, fmt.Errorf("%w: %d players", ErrSessionFull, c.maxPlayers)
	}
	slot := c.freeSlotLocked()
	if slot < 0 {
		return PlayerSlot{}, fmt.Errorf("%w: no free slot", ErrSessionFull)
	}
	player := proto.Player{Slot: slot, Character: ch, Local: local}
	c.players[slot] = &player
	c.local[local] = slot
	c.pendingJoins = append(c.pendingJoins, player)
	return PlayerSlot{Slot: slot, Local: local, Name: ch.Name}, nil
}

// requestPlayerLocked sends a slot request to the host. It releases c.mu.
func (c *Coordinator) requestPlayerLocked(ch Character) (PlayerSlot, error) {
	local := c.freeLocalLocked()
	if local < 0 {
		c.mu.Unlock()
		return PlayerSlot{}, fmt.Errorf("%w: all %d local slots in use", ErrSessionFull, MaxLocalPlayers)
	}
	if _, busy := c.addWaiters[local]; busy {
		c.mu.Unlock()
		return PlayerSlot{}, fmt.Errorf("local slot %d has a request in flight", local)
	}
	waiter := make(chan proto.AddPlayer, 1)
	c.addWaiters[local] = waiter
	disp := c.dispatcher
	c.mu.Unlock()

	request := proto.AddPlayer{Character: ch, Local: local, Slot: -1}
	if err := disp.Send(proto.Frame{Kind: proto.KindAddPlayer, AddPlayer: &request}, proto.ToServer); err != nil {
		c.dropWaiter(local, waiter)
		return PlayerSlot{}, fmt.Errorf("request player slot: %w", err)
	}

	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-waiter:
		if !ok {
			return PlayerSlot{}, ErrNotActive
		}
		if reply.Error != "" {
			return PlayerSlot{}, replyError(reply.Error)
		}
		return PlayerSlot{Slot: reply.Slot, Local: local, Name: ch.Name}, nil
	case <-timer.C:
		c.dropWaiter(local, waiter)
		return PlayerSlot{}, fmt.Errorf("%w: waiting for player slot", ErrTimeout)
	}
}

func (c *Coordinator) dropWaiter(local int, waiter chan proto.AddPlayer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.addWaiters[local]; ok && current == waiter {
		delete(c.addWaiters, local)
	}
}

const (
	replySessionFull      = "session full"
	replyInvalidCharacter = "invalid character"
)

func replyError(reason string) error {
	switch {
	case strings.HasPrefix(reason, replySessionFull):
		return fmt.Errorf("%w: %s", ErrSessionFull, reason)
	case strings.HasPrefix(reason, replyInvalidCharacter):
		return fmt.Errorf("%w: %s", ErrInvalidCharacter, reason)
	default:
		return fmt.Errorf("%w: %s", ErrRefused, reason)
	}
}

// handleAddPlayerLocked assigns a slot to a remote peer's player and
// returns the reply to send.
func (c *Coordinator) handleAddPlayerLocked(from string, req proto.AddPlayer) proto.AddPlayer {
	reply := req
	reply.Slot = -1
	p, ok := c.peers[from]
	switch {
	case !ok || p.state != peerAdmitted:
		reply.Error = "not admitted"
	case validateCharacter(req.Character) != nil:
		reply.Error = replyInvalidCharacter
	case req.Local < 0 || req.Local >= MaxLocalPlayers:
		reply.Error = replyInvalidCharacter + ": local index out of range"
	case len(p.slots) >= p.localPlayers && c.reservedSlotsLocked() >= c.maxPlayers:
		// A peer past its join-time reservation may only take slots
		// nobody else reserved.
		reply.Error = replySessionFull
	default:
		slot := c.freeSlotLocked()
		if slot < 0 {
			reply.Error = replySessionFull
			break
		}
		player := proto.Player{Slot: slot, Character: req.Character, Peer: from, Local: req.Local}
		c.players[slot] = &player
		c.pendingJoins = append(c.pendingJoins, player)
		p.slots = append(p.slots, slot)
		reply.Slot = slot
	}
	return reply
}

// handleAddPlayerReplyLocked completes a client's pending AddPlayer.
func (c *Coordinator) handleAddPlayerReplyLocked(reply proto.AddPlayer) {
	waiter, ok := c.addWaiters[reply.Local]
	if !ok {
		return
	}
	delete(c.addWaiters, reply.Local)
	if reply.Error == "" && reply.Slot >= 0 && reply.Slot < MaxPlayers {
		player := proto.Player{Slot: reply.Slot, Character: reply.Character, Local: reply.Local}
		c.players[reply.Slot] = &player
		c.local[reply.Local] = reply.Slot
	}
	waiter <- reply
}

// RemovePlayer releases a local player's slot.
func (c *Coordinator) RemovePlayer(slot PlayerSlot) error {
	c.mu.Lock()
	if slot.Local < 0 || slot.Local >= MaxLocalPlayers || c.local[slot.Local] != slot.Slot || slot.Slot < 0 {
		c.mu.Unlock()
		return fmt.Errorf("player slot %d is not local", slot.Slot)
	}
	c.local[slot.Local] = -1
	delete(c.actions, slot.Slot)
	role, disp, tick, events := c.role, c.dispatcher, c.tick, c.events
	var name string
	if player := c.players[slot.Slot]; player != nil {
		name = player.Character.Name
	}
	if role == RoleServer {
		c.players[slot.Slot] = nil
		c.pendingLeaves = append(c.pendingLeaves, slot.Slot)
	}
	total := c.playerCountLocked()
	c.mu.Unlock()

	if role == RoleClient && disp != nil {
		frame := proto.Frame{Kind: proto.KindRemovePlayer, RemovePlayer: &proto.RemovePlayer{Slot: slot.Slot}}
		if err := disp.Send(frame, proto.ToServer); err != nil {
			return fmt.Errorf("remove player %d: %w", slot.Slot, err)
		}
	}
	sessionlog.PlayerRemoved(context.Background(), events, tick, playerRef(slot.Slot), sessionlog.PlayerPayload{
		Name: name, Slot: slot.Slot, Local: true, Total: total,
	}, nil)
	return nil
}

// removePeerSlotLocked frees a remote player's slot on the host.
func (c *Coordinator) removePeerSlotLocked(p *peer, slot int) bool {
	for i, owned := range p.slots {
		if owned != slot {
			continue
		}
		p.slots = append(p.slots[:i], p.slots[i+1:]...)
		c.players[slot] = nil
		delete(c.actions, slot)
		c.pendingLeaves = append(c.pendingLeaves, slot)
		return true
	}
	return false
}

// dropPeerLocked forgets a peer and frees every slot it owned.
func (c *Coordinator) dropPeerLocked(id string) []int {
	p, ok := c.peers[id]
	if !ok {
		return nil
	}
	delete(c.peers, id)
	freed := append([]int(nil), p.slots...)
	for _, slot := range freed {
		c.players[slot] = nil
		delete(c.actions, slot)
		c.pendingLeaves = append(c.pendingLeaves, slot)
	}
	return freed
}

// applyMembershipLocked mirrors a tick frame's joins and leaves into the
// client's player table.
func (c *Coordinator) applyMembershipLocked(frame proto.TickFrame) {
	for _, join := range frame.Joins {
		if join.Slot < 0 || join.Slot >= MaxPlayers {
			continue
		}
		player := join
		if existing := c.players[join.Slot]; existing != nil && existing.Peer == "" {
			player.Local = existing.Local
		}
		c.players[join.Slot] = &player
	}
	for _, slot := range frame.Leaves {
		if slot < 0 || slot >= MaxPlayers {
			continue
		}
		c.players[slot] = nil
		for i, local := range c.local {
			if local == slot {
				c.local[i] = -1
			}
		}
	}
}

// QueueAction buffers a local player's action for the next tick. A newer
// action for the same slot replaces the buffered one.
func (c *Coordinator) QueueAction(slot PlayerSlot, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleServer && c.role != RoleClient {
		return ErrNotActive
	}
	if slot.Local < 0 || slot.Local >= MaxLocalPlayers || c.local[slot.Local] != slot.Slot || slot.Slot < 0 {
		return fmt.Errorf("player slot %d is not local", slot.Slot)
	}
	c.actions[slot.Slot] = append([]byte(nil), data...)
	return nil
}

func (c *Coordinator) drainActionsLocked() []proto.Action {
	if len(c.actions) == 0 {
		return nil
	}
	actions := make([]proto.Action, 0, len(c.actions))
	for slot, data := range c.actions {
		actions = append(actions, proto.Action{Slot: slot, Data: data})
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Slot < actions[j].Slot })
	c.actions = make(map[int][]byte)
	return actions
}

func (c *Coordinator) freeLocalLocked() int {
	for i, slot := range c.local {
		if slot < 0 {
			return i
		}
	}
	return -1
}

func (c *Coordinator) freeSlotLocked() int {
	limit := c.maxPlayers
	if limit <= 0 || limit > MaxPlayers {
		limit = MaxPlayers
	}
	for i := 0; i < limit; i++ {
		if c.players[i] == nil {
			return i
		}
	}
	return -1
}

func (c *Coordinator) playerCountLocked() int {
	count := 0
	for _, player := range c.players {
		if player != nil {
			count++
		}
	}
	return count
}

// reservedSlotsLocked counts assigned players plus the slots peers declared
// at join time but have not claimed yet.
func (c *Coordinator) reservedSlotsLocked() int {
	reserved := c.playerCountLocked()
	for _, p := range c.peers {
		if unclaimed := p.localPlayers - len(p.slots); unclaimed > 0 {
			reserved += unclaimed
		}
	}
	return reserved
}

func (c *Coordinator) playerListLocked() []proto.Player {
	var players []proto.Player
	for _, player := range c.players {
		if player != nil {
			players = append(players, *player)
		}
	}
	return players
}

// Players lists every occupied slot in slot order.
func (c *Coordinator) Players() []proto.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerListLocked()
}

// LocalPlayers lists the players added on this machine.
func (c *Coordinator) LocalPlayers() []PlayerSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var slots []PlayerSlot
	for local, slot := range c.local {
		if slot < 0 {
			continue
		}
		entry := PlayerSlot{Slot: slot, Local: local}
		if player := c.players[slot]; player != nil {
			entry.Name = player.Character.Name
		}
		slots = append(slots, entry)
	}
	return slots
}

// LocalPlayerEntity resolves the world entity of a local player.
func (c *Coordinator) LocalPlayerEntity(slot PlayerSlot) (string, bool) {
	resolver, ok := c.world.(PlayerEntities)
	if !ok {
		return "", false
	}
	c.mu.Lock()
	local := slot.Local >= 0 && slot.Local < MaxLocalPlayers && c.local[slot.Local] == slot.Slot
	c.mu.Unlock()
	if !local {
		return "", false
	}
	return resolver.PlayerEntity(slot.Slot)
}

// PlayerEntityByName resolves the entity of the first player called name.
func (c *Coordinator) PlayerEntityByName(name string) (string, bool) {
	resolver, ok := c.world.(PlayerEntities)
	if !ok {
		return "", false
	}
	c.mu.Lock()
	slot := -1
	for _, player := range c.players {
		if player != nil && player.Character.Name == name {
			slot = player.Slot
			break
		}
	}
	c.mu.Unlock()
	if slot < 0 {
		return "", false
	}
	return resolver.PlayerEntity(slot)
}

// IsPlayerLocal reports whether entity belongs to a player on this machine.
func (c *Coordinator) IsPlayerLocal(entity string) bool {
	resolver, ok := c.world.(PlayerEntities)
	if !ok || entity == "" {
		return false
	}
	c.mu.Lock()
	locals := make([]int, 0, MaxLocalPlayers)
	for _, slot := range c.local {
		if slot >= 0 {
			locals = append(locals, slot)
		}
	}
	c.mu.Unlock()
	for _, slot := range locals {
		if id, ok := resolver.PlayerEntity(slot); ok && id == entity {
			return true
		}
	}
	return false
}

func playerRef(slot int) logging.Ref {
	return logging.Ref{ID: fmt.Sprintf("slot-%d", slot), Kind: logging.RefKindPlayer}
}
