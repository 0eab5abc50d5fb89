package model

import (
	"fmt"
	"strings"
)

// Row is one source string moving through the pipeline. StringID is the
// primary key; Extra carries arbitrary input columns that must survive to
// the output unchanged.
type Row struct {
	StringID        string
	SourceText      string
	MaxLengthTarget int
	IsLongText      bool
	Extra           map[string]string
}

// ValidateRows enforces the pre-flight contract: every string_id non-empty
// and unique. The whole input is rejected on the first violation.
func ValidateRows(rows []Row) error {
	seen := make(map[string]int, len(rows))
	for i, r := range rows {
		id := strings.TrimSpace(r.StringID)
		if id == "" {
			return fmt.Errorf("row %d: empty string_id", i+1)
		}
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("row %d: duplicate string_id %q (first seen at row %d)", i+1, id, prev)
		}
		seen[id] = i + 1
	}
	return nil
}
