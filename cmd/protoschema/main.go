package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"arena/server/internal/net/proto"
)

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	if err := writeSchema(outPath, buildSchema()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

// buildSchema describes the frame envelope and, under definitions, the
// payload of every event keyed by event name.
func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}

	root := reflector.Reflect(new(proto.Frame))
	root.Title = "Arena Wire Protocol"
	root.Description = fmt.Sprintf("Websocket frames of protocol version %d.", proto.Version)
	root.Definitions = jsonschema.Definitions{}

	for _, entry := range proto.Catalog() {
		var payload *jsonschema.Schema
		if entry.Payload == nil {
			payload = &jsonschema.Schema{Type: "null"}
		} else {
			payload = reflector.Reflect(entry.Payload)
			payload.Version = ""
		}
		payload.Title = entry.Event
		payload.Description = fmt.Sprintf("Payload sent by the %s.", entry.Direction)
		root.Definitions[entry.Event] = payload
	}
	return root
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

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}
	return nil
}
