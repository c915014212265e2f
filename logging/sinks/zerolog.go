package sinks

import (
	"context"

	"github.com/rs/zerolog"

	"lockstep/server/logging"
)

// Zerolog forwards events to a zerolog logger, mapping severities onto
// zerolog levels and payloads onto structured fields.
type Zerolog struct {
	logger zerolog.Logger
}

func NewZerolog(logger zerolog.Logger) *Zerolog {
	return &Zerolog{logger: logger}
}

func (s *Zerolog) Write(event logging.Event) error {
	var entry *zerolog.Event
	switch event.Severity {
	case logging.SeverityDebug:
		entry = s.logger.Debug()
	case logging.SeverityWarn:
		entry = s.logger.Warn()
	case logging.SeverityError:
		entry = s.logger.Error()
	default:
		entry = s.logger.Info()
	}
	entry = entry.
		Time("at", event.Time).
		Uint64("tick", event.Tick).
		Str("category", event.Category).
		Str("actor", formatRef(event.Actor))
	if event.SessionID != "" {
		entry = entry.Str("session", event.SessionID)
	}
	if len(event.Targets) > 0 {
		ids := make([]string, 0, len(event.Targets))
		for _, target := range event.Targets {
			ids = append(ids, formatRef(target))
		}
		entry = entry.Strs("targets", ids)
	}
	if event.Payload != nil {
		entry = entry.Interface("payload", event.Payload)
	}
	if len(event.Extra) > 0 {
		entry = entry.Fields(event.Extra)
	}
	entry.Msg(string(event.Type))
	return nil
}

func (s *Zerolog) Close(context.Context) error {
	return nil
}
