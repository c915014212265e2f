package coordinator

import (
	"context"

	"lockstep/server/internal/net/proto"
	sessionlog "lockstep/server/logging/session"
)

// OnChat installs the callback that receives chat lines addressed to this
// machine. It runs on the main context.
func (c *Coordinator) OnChat(handler func(proto.Chat)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatHandler = handler
}

// SendChat sends text from the players in the from mask to the players in
// the to mask. A zero to mask addresses everyone. Clients route through the
// host, which relays to every admitted peer.
func (c *Coordinator) SendChat(from, to uint32, text string) error {
	chat := proto.Chat{From: from, To: to, Text: text}
	c.mu.Lock()
	role, disp := c.role, c.dispatcher
	c.mu.Unlock()
	switch role {
	case RoleClient:
		return disp.Send(proto.Frame{Kind: proto.KindChat, Chat: &chat}, proto.ToServer)
	case RoleServer:
		c.relayChat(chat)
		return nil
	default:
		return ErrNotActive
	}
}

func (c *Coordinator) handleChat(frame proto.Frame) {
	c.mu.Lock()
	role := c.role
	c.mu.Unlock()
	if role == RoleServer {
		c.relayChat(*frame.Chat)
		return
	}
	c.deliverChat(*frame.Chat)
}

// relayChat delivers a line on the host and forwards it to every admitted
// peer, the sender included so clients see their own lines in order.
func (c *Coordinator) relayChat(chat proto.Chat) {
	c.mu.Lock()
	targets := c.admittedLocked()
	disp := c.dispatcher
	c.mu.Unlock()
	wire := proto.Frame{Kind: proto.KindChat, Chat: &chat}
	out := make([]outbound, 0, len(targets))
	for _, id := range targets {
		out = append(out, outbound{frame: wire, to: proto.ToPeer(id)})
	}
	c.send(disp, out)
	c.deliverChat(chat)
}

func (c *Coordinator) deliverChat(chat proto.Chat) {
	c.mu.Lock()
	var mask uint32
	for _, slot := range c.local {
		if slot >= 0 {
			mask |= 1 << uint(slot)
		}
	}
	handler, tick, events := c.chatHandler, c.tick, c.events
	c.mu.Unlock()

	if chat.To != 0 && chat.To&mask == 0 {
		return
	}
	sessionlog.ChatMessage(context.Background(), events, tick, sessionlog.ChatPayload{
		From: chat.From,
		To:   chat.To,
		Text: chat.Text,
	}, nil)
	if handler != nil {
		handler(chat)
	}
}
