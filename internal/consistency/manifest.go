package consistency

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Manifest lists the content items that make up the integrity surface of a
// game build, plus the mod tag reported to joiners.
type Manifest struct {
	Mod      string   `toml:"mod" json:"mod,omitempty" jsonschema:"description=Active mod tag shown to joining players"`
	GameType string   `toml:"game_type" json:"game_type,omitempty" jsonschema:"description=Game type advertised in session descriptors"`
	Items    []string `toml:"items" json:"items" jsonschema:"description=Content item ids relative to the content root,minItems=1"`
}

// LoadManifest decodes a TOML manifest from path.
func LoadManifest(path string) (Manifest, error) {
	var manifest Manifest
	meta, err := toml.DecodeFile(path, &manifest)
	if err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return Manifest{}, fmt.Errorf("manifest %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := manifest.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return manifest, nil
}

// ParseManifest decodes a manifest held in memory.
func ParseManifest(data string) (Manifest, error) {
	var manifest Manifest
	if _, err := toml.Decode(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// Validate rejects empty or duplicate item ids.
func (m Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Items))
	for i, item := range m.Items {
		if strings.TrimSpace(item) == "" {
			return fmt.Errorf("items[%d] is empty", i)
		}
		if _, dup := seen[item]; dup {
			return fmt.Errorf("items[%d] duplicates %q", i, item)
		}
		seen[item] = struct{}{}
	}
	return nil
}
