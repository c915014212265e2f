// Package net exposes a hosting coordinator over HTTP and discovers remote
// sessions the same way.
package net

import (
	"encoding/json"
	nethttp "net/http"
	"time"

	"lockstep/server/internal/coordinator"
	"lockstep/server/internal/netgraph"
	"lockstep/server/internal/observability"
	"lockstep/server/internal/session"
	"lockstep/server/internal/telemetry"
)

const (
	SessionPath     = "/session"
	DiagnosticsPath = "/diagnostics"
	HealthPath      = "/health"
	WebsocketPath   = "/ws"
)

// Source is the coordinator surface the handlers read.
type Source interface {
	Describe() session.Descriptor
	State() coordinator.State
	Role() coordinator.Role
	Tick() uint64
	IsPaused() bool
	IsConnectionStable() bool
	IsDisconnected() bool
	WhyDisconnected() string
	NetGraph() *netgraph.Graph
}

type HTTPHandlerConfig struct {
	// Websocket serves peer connections; nil leaves /ws unmounted.
	Websocket     nethttp.HandlerFunc
	GraphWindow   int
	Logger        telemetry.Logger
	Observability observability.Config
}

type diagnostics struct {
	Status       string         `json:"status"`
	ServerTime   int64          `json:"serverTime"`
	State        string         `json:"state"`
	Role         string         `json:"role"`
	Tick         uint64         `json:"tick"`
	Paused       bool           `json:"paused"`
	Stable       bool           `json:"stable"`
	Disconnected bool           `json:"disconnected"`
	Reason       string         `json:"reason,omitempty"`
	Graph        netgraph.Stats `json:"graph"`
}

func NewHTTPHandler(src Source, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	window := cfg.GraphWindow
	if window <= 0 {
		window = 40
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc(HealthPath, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc(SessionPath, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		desc := src.Describe()
		if desc.Name == "" && desc.MaxPlayers == 0 {
			httpError(w, "no session hosted", nethttp.StatusNotFound)
			return
		}
		writeJSON(w, logger, desc)
	})

	mux.HandleFunc(DiagnosticsPath, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := diagnostics{
			Status:       "ok",
			ServerTime:   time.Now().UnixMilli(),
			State:        src.State().String(),
			Role:         src.Role().String(),
			Tick:         src.Tick(),
			Paused:       src.IsPaused(),
			Stable:       src.IsConnectionStable(),
			Disconnected: src.IsDisconnected(),
			Reason:       src.WhyDisconnected(),
			Graph:        src.NetGraph().Stats(window),
		}
		writeJSON(w, logger, payload)
	})

	if cfg.Websocket != nil {
		mux.HandleFunc(WebsocketPath, cfg.Websocket)
	}
	observability.Mount(mux, cfg.Observability)

	return mux
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("[http] encode response failed: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
