package ws

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lockstep/server/internal/coordinator"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/telemetry"
)

// DefaultPath is where hosts mount Handle.
const DefaultPath = "/ws"

// Client is the dispatcher of a joined coordinator. Every frame goes to the
// server; frames from the server queue until PollReceived.
type Client struct {
	conn    *websocket.Conn
	codec   proto.Codec
	logger  telemetry.Logger
	metrics telemetry.Metrics

	writeMu sync.Mutex

	mu     sync.Mutex
	inbox  []proto.Frame
	closed bool
	done   chan struct{}
}

// Connector dials hosts for coordinator.JoinSession.
type Connector struct {
	Path    string
	Codec   proto.Codec
	Dialer  *websocket.Dialer
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Connect dials address, which may be a host:port pair or a full ws:// or
// http:// URL.
func (c Connector) Connect(ctx context.Context, address string) (coordinator.Dispatcher, error) {
	client, err := c.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (c Connector) Dial(ctx context.Context, address string) (*Client, error) {
	target, err := c.url(address)
	if err != nil {
		return nil, err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return newClient(conn, c.Codec, c.Logger, c.Metrics), nil
}

func (c Connector) url(address string) (string, error) {
	path := c.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.Contains(address, "://") {
		address = "ws://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parse address %q: %w", address, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = path
	}
	return u.String(), nil
}

func newClient(conn *websocket.Conn, codec proto.Codec, logger telemetry.Logger, metrics telemetry.Metrics) *Client {
	if codec == nil {
		codec = proto.JSONCodec{}
	}
	if logger == nil {
		logger = telemetry.Discard()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	c := &Client{
		conn:    conn,
		codec:   codec,
		logger:  logger,
		metrics: metrics,
		done:    make(chan struct{}),
	}
	conn.SetReadLimit(maxFrameBytes)
	go c.readPump()
	return c
}

func (c *Client) readPump() {
	defer close(c.done)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if !closed {
				c.inbox = append(c.inbox, proto.Frame{
					Kind:  proto.KindLeave,
					Leave: &proto.Leave{Reason: "connection to host lost"},
				})
			}
			c.mu.Unlock()
			if !closed {
				c.logger.Printf("[ws] read from host failed: %v", err)
			}
			return
		}
		c.metrics.Add(metricBytesReceived, uint64(len(payload)))
		frame, err := c.codec.Decode(payload)
		if err != nil {
			c.logger.Printf("discarding malformed frame from host: %v", err)
			continue
		}
		c.mu.Lock()
		c.inbox = append(c.inbox, frame)
		c.mu.Unlock()
	}
}

func (c *Client) Send(frame proto.Frame, to proto.Destination) error {
	if to != proto.ToServer {
		return fmt.Errorf("client cannot send to %s", to)
	}
	data, err := c.codec.Encode(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", frame.Kind, err)
	}
	c.metrics.Add(metricBytesSent, uint64(len(data)))
	return nil
}

func (c *Client) PollReceived() []proto.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.inbox
	c.inbox = nil
	return frames
}

// Close sends a close message and waits briefly for the host to hang up.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return c.conn.Close()
}
