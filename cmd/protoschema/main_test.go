package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"arena/server/internal/net/proto"
)

func TestBuildSchemaCoversCatalog(t *testing.T) {
	schema := buildSchema()
	for _, entry := range proto.Catalog() {
		def, ok := schema.Definitions[entry.Event]
		if !ok {
			t.Fatalf("missing definition for %s", entry.Event)
		}
		if def.Title != entry.Event {
			t.Fatalf("definition %s has title %q", entry.Event, def.Title)
		}
	}
}

func TestWriteSchemaProducesJSON(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "protocol.schema.json")
	if err := writeSchema(out, buildSchema()); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if decoded["title"] != "Arena Wire Protocol" {
		t.Fatalf("unexpected title %v", decoded["title"])
	}
	if _, err := os.Stat(out + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file should be renamed away, stat err %v", err)
	}
}
