package codec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MapMetadata is the v2.0 placeholder-map envelope.
type MapMetadata struct {
	Version           string `json:"version"`
	GeneratedAt       string `json:"generated_at"`
	InputFile         string `json:"input_file,omitempty"`
	TotalPlaceholders int    `json:"total_placeholders"`
	PHCount           int    `json:"ph_count"`
	TagCount          int    `json:"tag_count"`
}

// Map is the persisted freeze pass: exactly one per pass, consumed whole by
// rehydrate. Writers always emit v2.0; v1.0 (a flat token->original object)
// is accepted on read.
type Map struct {
	Metadata MapMetadata       `json:"metadata"`
	Mappings map[string]string `json:"mappings"`
}

// BuildMap snapshots the pass state of a Freezer into a v2.0 map.
func (f *Freezer) BuildMap(inputFile string, now time.Time) *Map {
	ph, tag := f.Counts()
	return &Map{
		Metadata: MapMetadata{
			Version:           "2.0",
			GeneratedAt:       now.UTC().Format(time.RFC3339),
			InputFile:         inputFile,
			TotalPlaceholders: ph + tag,
			PHCount:           ph,
			TagCount:          tag,
		},
		Mappings: f.Mappings(),
	}
}

const mapSchemaV2 = `{
  "type": "object",
  "required": ["metadata", "mappings"],
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["version"],
      "properties": {"version": {"type": "string"}}
    },
    "mappings": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`

const mapSchemaV1 = `{
  "type": "object",
  "additionalProperties": {"type": "string"}
}`

func compileMapSchema(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}

var (
	mapV2Schema = compileMapSchema("phmap_v2.json", mapSchemaV2)
	mapV1Schema = compileMapSchema("phmap_v1.json", mapSchemaV1)
)

// WriteMap persists the map atomically (temp + rename).
func WriteMap(path string, m *Map) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadMap reads a placeholder map, accepting the v2.0 envelope and the
// legacy v1.0 flat object.
func LoadMap(path string) (*Map, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse placeholder map %s: %w", filepath.Base(path), err)
	}

	if err := mapV2Schema.Validate(doc); err == nil {
		if obj, ok := doc.(map[string]any); ok {
			if _, hasMeta := obj["metadata"]; hasMeta {
				var m Map
				if err := json.Unmarshal(b, &m); err != nil {
					return nil, err
				}
				if m.Mappings == nil {
					m.Mappings = map[string]string{}
				}
				return &m, nil
			}
		}
	}

	if err := mapV1Schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("placeholder map %s matches neither v2.0 nor v1.0 shape: %w", filepath.Base(path), err)
	}
	var flat map[string]string
	if err := json.Unmarshal(b, &flat); err != nil {
		return nil, err
	}
	return &Map{
		Metadata: MapMetadata{Version: "1.0", TotalPlaceholders: len(flat)},
		Mappings: flat,
	}, nil
}
