package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"lockstep/server/internal/consistency"
	"lockstep/server/internal/world"
)

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "", "directory to write the JSON schemas into")
	flag.Parse()

	if outDir == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	for name, schema := range buildSchemas() {
		if err := writeSchema(filepath.Join(outDir, name), schema); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", name, err)
			os.Exit(1)
		}
	}
}

func buildSchemas() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{}

	manifest := reflector.Reflect(new(consistency.Manifest))
	manifest.Title = "Content Manifest"
	manifest.Description = "Content items checksummed into the session fingerprint"

	worldConfig := reflector.Reflect(new(world.Config))
	worldConfig.Title = "World Layout"
	worldConfig.Description = "One world file under the configured world root"

	return map[string]*jsonschema.Schema{
		"manifest.schema.json": manifest,
		"world.schema.json":    worldConfig,
	}
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}
	return os.Rename(tmpPath, outPath)
}
