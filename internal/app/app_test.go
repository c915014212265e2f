package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lockstep/server/internal/config"
	"lockstep/server/logging"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "content", "maps", "arena.bin"), "arena")
	writeFile(t, filepath.Join(root, "content", "rules.txt"), "rules")
	writeFile(t, filepath.Join(root, "content", "manifest.toml"), "mod = \"arena\"\nitems = [\"maps/arena.bin\", \"rules.txt\"]\n")
	writeFile(t, filepath.Join(root, "worlds", "arena.toml"), "seed = \"test\"\nobstacles = 2\n")

	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Listen = "127.0.0.1:0"
	cfg.ContentRoot = filepath.Join(root, "content")
	cfg.Manifest = filepath.Join(root, "content", "manifest.toml")
	cfg.WorldRoot = filepath.Join(root, "worlds")
	cfg.DemoDir = filepath.Join(root, "demos")
	cfg.Log.Sinks = []string{"zerolog"}
	cfg.Log.EventsFile = filepath.Join(root, "events.jsonl")
	return cfg
}

func TestRunHostsUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := Run(ctx, cfg, zerolog.Nop()); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	data, err := os.ReadFile(cfg.Log.EventsFile)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if !strings.Contains(string(data), "session.hosted") {
		t.Fatalf("expected hosted event in %q", data)
	}
}

func TestRunFailsWithoutManifest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Manifest = filepath.Join(t.TempDir(), "missing.toml")
	if err := Run(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected missing manifest to fail")
	}
}

func TestRunReportsHostFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.World = "nowhere"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Run(ctx, cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected unknown world to fail startup")
	}
}

func TestNewRouterSelectsSinks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Sinks = []string{"console", "zerolog"}
	router, err := newRouter(cfg, zerolog.Nop(), &logging.Metrics{})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	defer router.Close(context.Background())
	for _, name := range []string{"console", "zerolog", "json"} {
		if router.Sink(name) == nil {
			t.Fatalf("expected sink %s", name)
		}
	}
}
