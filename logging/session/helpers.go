package session

import (
	"context"

	"lockstep/server/logging"
)

const (
	EventHosted          logging.EventType = "session.hosted"
	EventJoined          logging.EventType = "session.joined"
	EventJoinFailed      logging.EventType = "session.join_failed"
	EventPeerAdmitted    logging.EventType = "session.peer_admitted"
	EventPeerRejected    logging.EventType = "session.peer_rejected"
	EventPlayerAdded     logging.EventType = "session.player_added"
	EventPlayerRemoved   logging.EventType = "session.player_removed"
	EventLevelChanged    logging.EventType = "session.level_changed"
	EventDisconnected    logging.EventType = "session.disconnected"
	EventStopped         logging.EventType = "session.stopped"
	EventPauseChanged    logging.EventType = "session.pause_changed"
	EventChatMessage     logging.EventType = "session.chat"
	EventWaitingComplete logging.EventType = "session.waiting_complete"
)

// HostedPayload captures the parameters a session was hosted with.
type HostedPayload struct {
	Name       string `json:"name"`
	World      string `json:"world"`
	MaxPlayers int    `json:"maxPlayers"`
	WaitForAll bool   `json:"waitForAll"`
	Combined   uint64 `json:"combined"`
	Items      int    `json:"items"`
}

// JoinedPayload captures the baseline a client joined at.
type JoinedPayload struct {
	Address string `json:"address"`
	World   string `json:"world"`
	Tick    uint64 `json:"tick"`
}

// JoinFailedPayload captures why a join attempt failed.
type JoinFailedPayload struct {
	Address     string `json:"address"`
	Reason      string `json:"reason"`
	RequiredMod string `json:"requiredMod,omitempty"`
}

// PeerPayload describes a peer admission decision on the host.
type PeerPayload struct {
	Reason       string `json:"reason,omitempty"`
	LocalPlayers int    `json:"localPlayers"`
}

// PlayerPayload describes a player slot change.
type PlayerPayload struct {
	Name  string `json:"name"`
	Slot  int    `json:"slot"`
	Local bool   `json:"local"`
	Total int    `json:"total"`
}

// LevelPayload describes an applied level change.
type LevelPayload struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Remember bool   `json:"remember"`
	UserData int    `json:"userData"`
}

// ReasonPayload carries a free-form reason.
type ReasonPayload struct {
	Reason string `json:"reason"`
}

// PausePayload describes a pause transition.
type PausePayload struct {
	Paused bool `json:"paused"`
	Echo   bool `json:"echo"`
}

// ChatPayload carries a chat line.
type ChatPayload struct {
	From uint32 `json:"from"`
	To   uint32 `json:"to"`
	Text string `json:"text"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, tick uint64, actor logging.Ref, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategorySession,
		Payload:  payload,
		Extra:    extra,
	})
}

// Hosted publishes a session start on the host.
func Hosted(ctx context.Context, pub logging.Publisher, actor logging.Ref, payload HostedPayload, extra map[string]any) {
	publish(ctx, pub, EventHosted, logging.SeverityInfo, 0, actor, payload, extra)
}

// Joined publishes a successful join on the client.
func Joined(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.Ref, payload JoinedPayload, extra map[string]any) {
	publish(ctx, pub, EventJoined, logging.SeverityInfo, tick, actor, payload, extra)
}

// JoinFailed publishes a failed join attempt.
func JoinFailed(ctx context.Context, pub logging.Publisher, actor logging.Ref, payload JoinFailedPayload, extra map[string]any) {
	publish(ctx, pub, EventJoinFailed, logging.SeverityWarn, 0, actor, payload, extra)
}

// PeerAdmitted publishes a peer passing the consistency gate.
func PeerAdmitted(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.Ref, payload PeerPayload, extra map[string]any) {
	publish(ctx, pub, EventPeerAdmitted, logging.SeverityInfo, tick, actor, payload, extra)
}

// PeerRejected publishes a peer refused by the host.
func PeerRejected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.Ref, payload PeerPayload, extra map[string]any) {
	publish(ctx, pub, EventPeerRejected, logging.SeverityWarn, tick, actor, payload, extra)
}

// PlayerAdded publishes a player slot assignment.
func PlayerAdded(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.Ref, payload PlayerPayload, extra map[string]any) {
	publish(ctx, pub, EventPlayerAdded, logging.SeverityInfo, tick, actor, payload, extra)
}

// PlayerRemoved publishes a player leaving the session.
func PlayerRemoved(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.Ref, payload PlayerPayload, extra map[string]any) {
	publish(ctx, pub, EventPlayerRemoved, logging.SeverityInfo, tick, actor, payload, extra)
}

// LevelChanged publishes an applied level change.
func LevelChanged(ctx context.Context, pub logging.Publisher, tick uint64, payload LevelPayload, extra map[string]any) {
	publish(ctx, pub, EventLevelChanged, logging.SeverityInfo, tick, logging.Ref{Kind: logging.RefKindSession}, payload, extra)
}

// Disconnected publishes a mid-session disconnect.
func Disconnected(ctx context.Context, pub logging.Publisher, tick uint64, payload ReasonPayload, extra map[string]any) {
	publish(ctx, pub, EventDisconnected, logging.SeverityError, tick, logging.Ref{Kind: logging.RefKindSession}, payload, extra)
}

// Stopped publishes a session teardown.
func Stopped(ctx context.Context, pub logging.Publisher, tick uint64, extra map[string]any) {
	publish(ctx, pub, EventStopped, logging.SeverityInfo, tick, logging.Ref{Kind: logging.RefKindSession}, nil, extra)
}

// PauseChanged publishes a pause transition.
func PauseChanged(ctx context.Context, pub logging.Publisher, tick uint64, payload PausePayload, extra map[string]any) {
	publish(ctx, pub, EventPauseChanged, logging.SeverityInfo, tick, logging.Ref{Kind: logging.RefKindSession}, payload, extra)
}

// ChatMessage publishes a delivered chat line at debug level.
func ChatMessage(ctx context.Context, pub logging.Publisher, tick uint64, payload ChatPayload, extra map[string]any) {
	publish(ctx, pub, EventChatMessage, logging.SeverityDebug, tick, logging.Ref{Kind: logging.RefKindSession}, payload, extra)
}

// WaitingComplete publishes the moment a host stops waiting for players.
func WaitingComplete(ctx context.Context, pub logging.Publisher, tick uint64, payload PlayerPayload, extra map[string]any) {
	publish(ctx, pub, EventWaitingComplete, logging.SeverityInfo, tick, logging.Ref{Kind: logging.RefKindSession}, payload, extra)
}
