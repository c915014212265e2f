// Package ws carries coordinator frames over websocket connections. Host is
// the server-side dispatcher peers connect to; Client is the dispatcher a
// joining coordinator dials.
package ws

import (
	"errors"
	"fmt"
	nethttp "net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendQueueDepth = 256
	maxFrameBytes  = 16 << 20

	// DefaultInboxLimit bounds frames queued between PollReceived calls.
	DefaultInboxLimit = 4096

	metricBytesSent     = "ws_bytes_sent_total"
	metricBytesReceived = "ws_bytes_received_total"
	metricPeers         = "ws_peers"
	metricInboxDropped  = "ws_inbox_dropped_total"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrQueueFull   = errors.New("send queue full")
	ErrClosed      = errors.New("connection closed")
)

type HostConfig struct {
	Codec   proto.Codec
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// InboxLimit caps unpolled peer frames; further frames are dropped.
	// Zero uses DefaultInboxLimit.
	InboxLimit int
}

// Host accepts peer connections and exposes them as one dispatcher. Frames
// read from any peer are stamped with its id and queued for PollReceived.
type Host struct {
	codec    proto.Codec
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	upgrader websocket.Upgrader
	limit    int

	mu     sync.Mutex
	peers  map[string]*peerConn
	inbox  []proto.Frame
	closed bool
}

type peerConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func NewHost(cfg HostConfig) *Host {
	codec := cfg.Codec
	if codec == nil {
		codec = proto.JSONCodec{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	limit := cfg.InboxLimit
	if limit <= 0 {
		limit = DefaultInboxLimit
	}
	return &Host{
		codec:   codec,
		logger:  logger,
		metrics: metrics,
		limit:   limit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
		peers: make(map[string]*peerConn),
	}
}

// Handle upgrades the request and serves the peer until it disconnects.
func (h *Host) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		nethttp.Error(w, "host closed", nethttp.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[ws] upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	p := &peerConn{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueDepth),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.peers[p.id] = p
	count := len(h.peers)
	h.mu.Unlock()
	h.metrics.Store(metricPeers, uint64(count))
	h.logger.Printf("[ws] peer %s connected from %s", p.id, r.RemoteAddr)

	go h.writePump(p)
	h.readPump(p)
}

func (h *Host) readPump(p *peerConn) {
	defer h.drop(p, "connection lost")

	p.conn.SetReadLimit(maxFrameBytes)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Printf("[ws] read from %s failed: %v", p.id, err)
			}
			return
		}
		h.metrics.Add(metricBytesReceived, uint64(len(payload)))
		frame, err := h.codec.Decode(payload)
		if err != nil {
			h.logger.Printf("discarding malformed frame from %s: %v", p.id, err)
			continue
		}
		frame.From = p.id
		h.mu.Lock()
		full := len(h.inbox) >= h.limit
		if !full {
			h.inbox = append(h.inbox, frame)
		}
		h.mu.Unlock()
		if full {
			h.metrics.Add(metricInboxDropped, 1)
		}
	}
}

func (h *Host) writePump(p *peerConn) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case <-p.done:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Printf("[ws] write to %s failed: %v", p.id, err)
				return
			}
			h.metrics.Add(metricBytesSent, uint64(len(data)))
		case <-ping.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop forgets p and queues a Leave frame on its behalf so the coordinator
// frees its slots. Leave frames bypass the inbox limit.
func (h *Host) drop(p *peerConn, reason string) {
	h.mu.Lock()
	_, known := h.peers[p.id]
	delete(h.peers, p.id)
	if known && !h.closed {
		h.inbox = append(h.inbox, proto.Frame{
			Kind:  proto.KindLeave,
			From:  p.id,
			Leave: &proto.Leave{Reason: reason},
		})
	}
	count := len(h.peers)
	h.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	if known {
		h.metrics.Store(metricPeers, uint64(count))
		h.logger.Printf("[ws] peer %s disconnected: %s", p.id, reason)
	}
}

// Send queues frame for one peer or for every peer. It never blocks; a peer
// whose queue is full is disconnected.
func (h *Host) Send(frame proto.Frame, to proto.Destination) error {
	data, err := h.codec.Encode(frame)
	if err != nil {
		return err
	}
	h.mu.Lock()
	var targets []*peerConn
	switch to {
	case proto.ToAll:
		for _, p := range h.peers {
			targets = append(targets, p)
		}
	default:
		id, ok := to.Peer()
		if !ok {
			h.mu.Unlock()
			return fmt.Errorf("host cannot send to %s", to)
		}
		p, found := h.peers[id]
		if !found {
			h.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
		}
		targets = append(targets, p)
	}
	h.mu.Unlock()

	var firstErr error
	for _, p := range targets {
		select {
		case p.send <- data:
		default:
			h.drop(p, "send queue full")
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %s", ErrQueueFull, p.id)
			}
		}
	}
	return firstErr
}

func (h *Host) PollReceived() []proto.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	frames := h.inbox
	h.inbox = nil
	return frames
}

// Peers lists the connected peer ids in order.
func (h *Host) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Disconnect closes one peer's connection.
func (h *Host) Disconnect(id string) {
	h.mu.Lock()
	p, ok := h.peers[id]
	h.mu.Unlock()
	if ok {
		h.drop(p, "disconnected by host")
	}
}

// Close disconnects every peer and refuses new ones.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peerConn, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		h.drop(p, "host closed")
	}
	return nil
}
