package codec

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMap_WriteAndLoadV2(t *testing.T) {
	f := NewFreezer(DefaultSchema())
	f.Freeze("A", "Hello {0} <b>now</b>", "en")

	m := f.BuildMap("input.csv", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if m.Metadata.Version != "2.0" {
		t.Fatalf("version = %q", m.Metadata.Version)
	}
	if m.Metadata.PHCount != 1 || m.Metadata.TagCount != 2 || m.Metadata.TotalPlaceholders != 3 {
		t.Fatalf("metadata = %+v", m.Metadata)
	}

	path := filepath.Join(t.TempDir(), "placeholder_map.json")
	if err := WriteMap(path, m); err != nil {
		t.Fatalf("WriteMap: %v", err)
	}
	got, err := LoadMap(path)
	if err != nil {
		t.Fatalf("LoadMap: %v", err)
	}
	if got.Mappings["PH_1"] != "{0}" || got.Mappings["TAG_1"] != "<b>" {
		t.Fatalf("mappings = %v", got.Mappings)
	}
}

func TestLoadMap_AcceptsV1Flat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "placeholder_map.json")
	if err := os.WriteFile(path, []byte(`{"PH_1":"{0}","TAG_1":"<b>"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := LoadMap(path)
	if err != nil {
		t.Fatalf("LoadMap: %v", err)
	}
	if m.Metadata.Version != "1.0" || m.Mappings["PH_1"] != "{0}" {
		t.Fatalf("map = %+v", m)
	}
}

func TestLoadMap_RejectsWrongShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "placeholder_map.json")
	if err := os.WriteFile(path, []byte(`{"PH_1": 42}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadMap(path); err == nil {
		t.Fatalf("expected shape error")
	}
}
