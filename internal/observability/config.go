package observability

import (
	nethttp "net/http"
	"net/http/pprof"
)

// Config captures opt-in observability toggles that wire into the server.
type Config struct {
	EnablePprof bool `mapstructure:"pprof"`
}

const PprofPrefix = "/debug/pprof/"

// Mount registers the toggled debug endpoints on mux.
func Mount(mux *nethttp.ServeMux, cfg Config) {
	if !cfg.EnablePprof {
		return
	}
	mux.HandleFunc(PprofPrefix, pprof.Index)
	mux.HandleFunc(PprofPrefix+"cmdline", pprof.Cmdline)
	mux.HandleFunc(PprofPrefix+"profile", pprof.Profile)
	mux.HandleFunc(PprofPrefix+"symbol", pprof.Symbol)
	mux.HandleFunc(PprofPrefix+"trace", pprof.Trace)
}
