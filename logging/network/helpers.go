package network

import (
	"context"

	"lockstep/server/logging"
)

const (
	// EventFramesMissing is emitted when a client observes a gap in the
	// authoritative tick sequence.
	EventFramesMissing logging.EventType = "network.frames_missing"
	// EventConnectionUnstable is emitted when the recent netgraph window
	// crosses the stability threshold.
	EventConnectionUnstable logging.EventType = "network.connection_unstable"
	// EventTickBacklog is emitted when the tick driver drains more than one
	// pending tick in a row.
	EventTickBacklog logging.EventType = "network.tick_backlog"
)

// FramesMissingPayload describes a tick gap.
type FramesMissingPayload struct {
	Expected uint64 `json:"expected"`
	Received uint64 `json:"received"`
}

// ConnectionUnstablePayload captures the netgraph window that tripped the
// stability check.
type ConnectionUnstablePayload struct {
	Missing    int     `json:"missing"`
	Window     int     `json:"window"`
	AvgLatency float64 `json:"avgLatency"`
}

// TickBacklogPayload reports how many ticks were coalesced.
type TickBacklogPayload struct {
	Backlog uint64 `json:"backlog"`
}

// FramesMissing publishes a debug event for a tick gap.
func FramesMissing(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.Ref, payload FramesMissingPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventFramesMissing,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}

// ConnectionUnstable publishes a warning when the connection degrades.
func ConnectionUnstable(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.Ref, payload ConnectionUnstablePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionUnstable,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}

// TickBacklog publishes a warning when ticks had to be drained late.
func TickBacklog(ctx context.Context, pub logging.Publisher, tick uint64, payload TickBacklogPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickBacklog,
		Tick:     tick,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}
