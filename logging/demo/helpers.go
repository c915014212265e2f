package demo

import (
	"context"

	"lockstep/server/logging"
)

const (
	EventRecordStarted    logging.EventType = "demo.record_started"
	EventRecordStopped    logging.EventType = "demo.record_stopped"
	EventPlaybackStarted  logging.EventType = "demo.playback_started"
	EventPlaybackFinished logging.EventType = "demo.playback_finished"
	EventWriteFailed      logging.EventType = "demo.write_failed"
)

// StreamPayload names the stream and the frames it carried so far.
type StreamPayload struct {
	Name   string `json:"name"`
	Frames uint64 `json:"frames"`
}

// PlaybackPayload describes the stream being played.
type PlaybackPayload struct {
	Name          string `json:"name"`
	RecordedMajor uint32 `json:"recordedMajor"`
	RecordedMinor uint32 `json:"recordedMinor"`
}

// FailurePayload carries an I/O error message.
type FailurePayload struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, tick uint64, name string, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    logging.Ref{ID: name, Kind: logging.RefKindDemo},
		Severity: severity,
		Category: logging.CategoryDemo,
		Payload:  payload,
	})
}

// RecordStarted publishes the start of a recording.
func RecordStarted(ctx context.Context, pub logging.Publisher, tick uint64, payload StreamPayload) {
	publish(ctx, pub, EventRecordStarted, logging.SeverityInfo, tick, payload.Name, payload)
}

// RecordStopped publishes the end of a recording.
func RecordStopped(ctx context.Context, pub logging.Publisher, tick uint64, payload StreamPayload) {
	publish(ctx, pub, EventRecordStopped, logging.SeverityInfo, tick, payload.Name, payload)
}

// PlaybackStarted publishes the start of a playback.
func PlaybackStarted(ctx context.Context, pub logging.Publisher, payload PlaybackPayload) {
	publish(ctx, pub, EventPlaybackStarted, logging.SeverityInfo, 0, payload.Name, payload)
}

// PlaybackFinished publishes the exhaustion of a played stream.
func PlaybackFinished(ctx context.Context, pub logging.Publisher, tick uint64, payload StreamPayload) {
	publish(ctx, pub, EventPlaybackFinished, logging.SeverityInfo, tick, payload.Name, payload)
}

// WriteFailed publishes a recording error. Recording stops afterwards.
func WriteFailed(ctx context.Context, pub logging.Publisher, tick uint64, payload FailurePayload) {
	publish(ctx, pub, EventWriteFailed, logging.SeverityError, tick, payload.Name, payload)
}
