// Package config loads the server configuration from a file plus LOCKSTEP_*
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"lockstep/server/internal/consistency"
	"lockstep/server/internal/coordinator"
	"lockstep/server/internal/observability"
)

const EnvPrefix = "LOCKSTEP"

// Modes select what the server does at startup.
const (
	ModeHost = "host"
	ModeJoin = "join"
	ModeIdle = "idle"
)

type Config struct {
	Mode          string                      `mapstructure:"mode"`
	Listen        string                      `mapstructure:"listen"`
	Advertise     string                      `mapstructure:"advertise"`
	Version       string                      `mapstructure:"version"`
	Build         string                      `mapstructure:"build"`
	DemoWindow    uint32                      `mapstructure:"demo_window"`
	ContentRoot   string                      `mapstructure:"content_root"`
	Manifest      string                      `mapstructure:"manifest"`
	WorldRoot     string                      `mapstructure:"world_root"`
	DemoDir       string                      `mapstructure:"demo_dir"`
	Quantum       time.Duration               `mapstructure:"quantum"`
	JoinTimeout   time.Duration               `mapstructure:"join_timeout"`
	GatherTimeout time.Duration               `mapstructure:"gather_timeout"`
	NetGraphSize  int                         `mapstructure:"netgraph_size"`
	Stability     coordinator.StabilityConfig `mapstructure:"stability"`
	Session       SessionConfig               `mapstructure:"session"`
	Join          JoinConfig                  `mapstructure:"join"`
	Discovery     DiscoveryConfig             `mapstructure:"discovery"`
	Log           LogConfig                   `mapstructure:"log"`
	Observability observability.Config        `mapstructure:"observability"`
}

// SessionConfig is the session hosted at startup.
type SessionConfig struct {
	Name       string `mapstructure:"name"`
	World      string `mapstructure:"world"`
	MaxPlayers int    `mapstructure:"max_players"`
	WaitForAll bool   `mapstructure:"wait_for_all"`
	SpawnFlags uint32 `mapstructure:"spawn_flags"`
}

// JoinConfig names the host dialed in join mode.
type JoinConfig struct {
	Address      string   `mapstructure:"address"`
	LocalPlayers int      `mapstructure:"local_players"`
	Players      []string `mapstructure:"players"`
}

type DiscoveryConfig struct {
	LAN          []string      `mapstructure:"lan"`
	Master       string        `mapstructure:"master"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	Concurrency  int           `mapstructure:"concurrency"`
}

type LogConfig struct {
	Level  string   `mapstructure:"level"`
	Format string   `mapstructure:"format"`
	Sinks  []string `mapstructure:"sinks"`

	// EventsFile, when set, receives the structured event stream as JSON
	// lines.
	EventsFile string `mapstructure:"events_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeHost)
	v.SetDefault("listen", ":8080")
	v.SetDefault("advertise", "")
	v.SetDefault("version", "1.0")
	v.SetDefault("build", "")
	v.SetDefault("demo_window", 2)
	v.SetDefault("content_root", "./content")
	v.SetDefault("manifest", "./content/manifest.toml")
	v.SetDefault("world_root", "./worlds")
	v.SetDefault("demo_dir", "./demos")
	v.SetDefault("quantum", "50ms")
	v.SetDefault("join_timeout", "10s")
	v.SetDefault("gather_timeout", "30s")
	v.SetDefault("netgraph_size", 256)
	v.SetDefault("stability.window", 40)
	v.SetDefault("stability.max_missing_ratio", 0.25)
	v.SetDefault("stability.max_latency", "500ms")
	v.SetDefault("stability.max_missing_run", 200)
	v.SetDefault("session.name", "lockstep")
	v.SetDefault("session.world", "arena")
	v.SetDefault("session.max_players", 4)
	v.SetDefault("session.wait_for_all", false)
	v.SetDefault("session.spawn_flags", 0)
	v.SetDefault("join.address", "")
	v.SetDefault("join.local_players", 1)
	v.SetDefault("join.players", []string{})
	v.SetDefault("discovery.lan", []string{})
	v.SetDefault("discovery.master", "")
	v.SetDefault("discovery.probe_timeout", "2s")
	v.SetDefault("discovery.concurrency", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.sinks", []string{"zerolog"})
	v.SetDefault("log.events_file", "")
	v.SetDefault("observability.pprof", false)
}

// FlagKeys maps command-line flag names onto configuration keys.
var FlagKeys = map[string]string{
	"mode":   "mode",
	"listen": "listen",
	"join":   "join.address",
	"world":  "session.world",
}

// RegisterFlags adds the overridable flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("mode", "", "startup mode: host, join or idle")
	fs.String("listen", "", "HTTP listen address")
	fs.String("join", "", "host address to join")
	fs.String("world", "", "world hosted at startup")
}

// Load reads path (YAML, TOML or JSON by extension) over the defaults. An
// empty path uses defaults and environment only. Flags in flags that were
// set on the command line win over everything else.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		for name, key := range FlagKeys {
			flag := flags.Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeHost, ModeIdle:
	case ModeJoin:
		if c.Join.Address == "" {
			return fmt.Errorf("config join.address is required in join mode")
		}
	default:
		return fmt.Errorf("config mode must be host, join or idle, got %q", c.Mode)
	}
	if c.Join.LocalPlayers < 0 || c.Join.LocalPlayers > coordinator.MaxLocalPlayers {
		return fmt.Errorf("config join.local_players must be 0..%d, got %d", coordinator.MaxLocalPlayers, c.Join.LocalPlayers)
	}
	if len(c.Join.Players) > c.Join.LocalPlayers {
		return fmt.Errorf("config join.players names %d players but only %d local players join", len(c.Join.Players), c.Join.LocalPlayers)
	}
	for _, sink := range c.Log.Sinks {
		switch sink {
		case "console", "zerolog", "json":
		default:
			return fmt.Errorf("config log.sinks: unknown sink %q", sink)
		}
	}
	if _, err := consistency.ParseVersion(c.Version); err != nil {
		return fmt.Errorf("config version: %w", err)
	}
	if c.Quantum <= 0 {
		return fmt.Errorf("config quantum must be positive, got %s", c.Quantum)
	}
	if c.Session.MaxPlayers < 1 || c.Session.MaxPlayers > coordinator.MaxPlayers {
		return fmt.Errorf("config session.max_players must be 1..%d, got %d", coordinator.MaxPlayers, c.Session.MaxPlayers)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// EngineVersion returns the parsed version. Validate has already accepted it.
func (c *Config) EngineVersion() consistency.Version {
	version, _ := consistency.ParseVersion(c.Version)
	return version
}

// Coordinator maps the file configuration onto the coordinator's.
func (c *Config) Coordinator(items []string, mod, gameType string) coordinator.Config {
	return coordinator.Config{
		Version:       c.EngineVersion(),
		Build:         c.Build,
		DemoWindow:    c.DemoWindow,
		Mod:           mod,
		GameType:      gameType,
		ContentItems:  items,
		HostAddress:   c.Advertise,
		Quantum:       c.Quantum,
		JoinTimeout:   c.JoinTimeout,
		GatherTimeout: c.GatherTimeout,
		NetGraphSize:  c.NetGraphSize,
		Stability:     c.Stability,
	}
}
