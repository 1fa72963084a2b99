package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	invschema "github.com/invopop/jsonschema"

	"bastom.dev/internal/protocol"
)

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "schemas", "directory to write the JSON schemas into")
	flag.Parse()

	schemas := protocol.Schemas()
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := protocol.Reflect(schemas[name])
		s.Description = fmt.Sprintf("Bastom protocol %s message", protocol.Version)
		if err := writeSchema(filepath.Join(outDir, name), s); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(filepath.Join(outDir, name))
	}
}

func writeSchema(outPath string, schema *invschema.Schema) error {
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

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
