package observability

import (
	nethttp "net/http"
	"net/http/httptest"
	"testing"
)

func TestMountRespectsToggle(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		mux := nethttp.NewServeMux()
		Mount(mux, Config{EnablePprof: enabled})
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, PprofPrefix+"cmdline", nil))
		if enabled && rec.Code != nethttp.StatusOK {
			t.Fatalf("expected pprof to be served, got %d", rec.Code)
		}
		if !enabled && rec.Code != nethttp.StatusNotFound {
			t.Fatalf("expected pprof to be unmounted, got %d", rec.Code)
		}
	}
}
