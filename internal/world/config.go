package world

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultSeed   = "prototype"
	DefaultWidth  = 100.0
	DefaultHeight = 100.0
	DefaultSpeed  = 20.0
)

// Config is the layout of one world, read from <root>/<id>.toml.
type Config struct {
	Seed      string  `toml:"seed" json:"seed"`
	Width     float64 `toml:"width" json:"width"`
	Height    float64 `toml:"height" json:"height"`
	Obstacles int     `toml:"obstacles" json:"obstacles"`
	Speed     float64 `toml:"speed" json:"speed"`
}

func (cfg Config) normalized() Config {
	normalized := cfg
	normalized.Seed = strings.TrimSpace(normalized.Seed)
	if normalized.Seed == "" {
		normalized.Seed = DefaultSeed
	}
	if normalized.Width <= 0 {
		normalized.Width = DefaultWidth
	}
	if normalized.Height <= 0 {
		normalized.Height = DefaultHeight
	}
	if normalized.Obstacles < 0 {
		normalized.Obstacles = 0
	}
	if normalized.Speed <= 0 {
		normalized.Speed = DefaultSpeed
	}
	return normalized
}

// LoadConfig reads the world file for id under root. Unknown keys are
// rejected so typos don't silently fall back to defaults.
func LoadConfig(root, id string) (Config, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return Config{}, fmt.Errorf("invalid world id %q", id)
	}
	var cfg Config
	meta, err := toml.DecodeFile(filepath.Join(root, id+".toml"), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load world %s: %w", id, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load world %s: unknown keys %v", id, undecoded)
	}
	return cfg.normalized(), nil
}
