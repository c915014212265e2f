package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.Quantum != 50*time.Millisecond {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Stability.MaxLatency != 500*time.Millisecond || cfg.Stability.Window != 40 {
		t.Fatalf("unexpected stability defaults %+v", cfg.Stability)
	}
	if cfg.Mode != ModeHost || len(cfg.Log.Sinks) != 1 || cfg.Log.Sinks[0] != "zerolog" {
		t.Fatalf("unexpected mode/sinks %s %v", cfg.Mode, cfg.Log.Sinks)
	}
	if cfg.Session.MaxPlayers != 4 {
		t.Fatalf("expected 4 max players, got %d", cfg.Session.MaxPlayers)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	body := "version: \"2.3\"\nquantum: 25ms\nsession:\n  name: friday\n  max_players: 8\ndiscovery:\n  lan:\n    - 10.0.0.2:8080\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LOCKSTEP_LISTEN", ":9999")
	t.Setenv("LOCKSTEP_SESSION_WORLD", "dunes")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9999" || cfg.Session.World != "dunes" {
		t.Fatalf("expected env overrides, got listen=%s world=%s", cfg.Listen, cfg.Session.World)
	}
	if cfg.Session.Name != "friday" || cfg.Session.MaxPlayers != 8 || cfg.Quantum != 25*time.Millisecond {
		t.Fatalf("expected file values, got %+v", cfg.Session)
	}
	if len(cfg.Discovery.LAN) != 1 || cfg.Discovery.LAN[0] != "10.0.0.2:8080" {
		t.Fatalf("expected lan list, got %v", cfg.Discovery.LAN)
	}
	version := cfg.EngineVersion()
	if version.Major != 2 || version.Minor != 3 {
		t.Fatalf("expected version 2.3, got %s", version)
	}
	coord := cfg.Coordinator([]string{"a"}, "mod", "coop")
	if coord.Quantum != 25*time.Millisecond || coord.Mod != "mod" || len(coord.ContentItems) != 1 {
		t.Fatalf("unexpected coordinator config %+v", coord)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"version":     "version: nope\n",
		"max players": "session:\n  max_players: 40\n",
		"log format":  "log:\n  format: xml\n",
		"mode":        "mode: spectate\n",
		"join":        "mode: join\n",
		"sink":        "log:\n  sinks: [syslog]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "server.yaml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path, nil); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}

func TestFlagsOverrideFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	if err := os.WriteFile(path, []byte("mode = \"host\"\nlisten = \":7000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LOCKSTEP_LISTEN", ":7100")

	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	RegisterFlags(flags)
	if err := flags.Parse([]string{"--mode", "join", "--join", "10.0.0.9:8080"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeJoin || cfg.Join.Address != "10.0.0.9:8080" {
		t.Fatalf("expected flag overrides, got mode=%s join=%s", cfg.Mode, cfg.Join.Address)
	}
	if cfg.Listen != ":7100" {
		t.Fatalf("expected env to beat file for unset flag, got %s", cfg.Listen)
	}
	if cfg.Session.World != "arena" {
		t.Fatalf("expected unset world flag to leave default, got %s", cfg.Session.World)
	}
}
