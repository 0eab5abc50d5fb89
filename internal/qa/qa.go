// Package qa is the hard validator: deterministic, regex-and-count checks
// over translated rows. It aggregates findings into a report and never
// aborts a run on its own.
package qa

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/locflow/locflow/internal/codec"
	"github.com/locflow/locflow/internal/model"
)

const (
	ErrTokenMismatch       = "token_mismatch"
	ErrTagUnbalanced       = "tag_unbalanced"
	ErrForbiddenHit        = "forbidden_hit"
	ErrNewPlaceholderFound = "new_placeholder_found"
	ErrLengthOverflow      = "length_overflow"
)

const (
	SeverityMinor    = "minor"
	SeverityMajor    = "major"
	SeverityCritical = "critical"
)

// maxReportErrors caps the report's error list; the counts stay complete.
const maxReportErrors = 2000

// lengthCriticalRatio marks overflow as critical past 1.5x the limit.
const lengthCriticalRatio = 1.5

type Error struct {
	Row      int    `json:"row"`
	StringID string `json:"string_id"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

type Report struct {
	HasErrors       bool           `json:"has_errors"`
	TotalRows       int            `json:"total_rows"`
	ErrorCounts     map[string]int `json:"error_counts"`
	Errors          []Error        `json:"errors"`
	ErrorsTruncated bool           `json:"errors_truncated,omitempty"`
	Metadata        ReportMetadata `json:"metadata"`
}

type ReportMetadata struct {
	Version     string `json:"version"`
	GeneratedAt string `json:"generated_at"`
	Partial     bool   `json:"partial"`
	InputFile   string `json:"input_file"`
}

// Validator checks translated rows against the frozen source. The schema
// supplies placeholder shapes and paired-tag declarations; forbidden
// patterns come from project config.
type Validator struct {
	schema    *codec.Schema
	forbidden []*regexp.Regexp
	now       func() time.Time
}

func NewValidator(schema *codec.Schema, forbidden []string) (*Validator, error) {
	if schema == nil {
		schema = codec.DefaultSchema()
	}
	v := &Validator{schema: schema, now: time.Now}
	for _, expr := range forbidden {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("forbidden pattern %q: %w", expr, err)
		}
		v.forbidden = append(v.forbidden, re)
	}
	return v, nil
}

// Checked pairs a row with its frozen source and candidate target.
type Checked struct {
	Row       int
	StringID  string
	Frozen    string // source after freeze, token form
	Target    string
	MaxLength int
}

// FromRow builds a Checked from a pipeline row plus its texts.
func FromRow(idx int, r model.Row, frozen, target string) Checked {
	return Checked{
		Row:       idx,
		StringID:  r.StringID,
		Frozen:    frozen,
		Target:    target,
		MaxLength: r.MaxLengthTarget,
	}
}

// Validate runs every check over every row with a non-empty target.
func (v *Validator) Validate(rows []Checked, inputFile string, partial bool) *Report {
	rep := &Report{
		TotalRows:   len(rows),
		ErrorCounts: map[string]int{},
		Metadata: ReportMetadata{
			Version:     "2.0",
			GeneratedAt: v.now().UTC().Format(time.RFC3339),
			Partial:     partial,
			InputFile:   inputFile,
		},
	}
	for _, row := range rows {
		if strings.TrimSpace(row.Target) == "" {
			continue
		}
		v.checkRow(rep, row)
	}
	rep.HasErrors = len(rep.Errors) > 0 || totalCount(rep.ErrorCounts) > 0
	return rep
}

func totalCount(counts map[string]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

func (v *Validator) checkRow(rep *Report, row Checked) {
	if detail, bad := tokenMismatch(row.Frozen, row.Target); bad {
		v.add(rep, row, ErrTokenMismatch, SeverityCritical, detail)
	}
	if detail, bad := v.tagUnbalanced(row.Target); bad {
		v.add(rep, row, ErrTagUnbalanced, SeverityMajor, detail)
	}
	for _, re := range v.forbidden {
		if m := re.FindString(row.Target); m != "" {
			v.add(rep, row, ErrForbiddenHit, SeverityMajor, fmt.Sprintf("forbidden pattern %q matched %q", re.String(), m))
			break // first hit only
		}
	}
	if detail, bad := v.newPlaceholder(row.Target); bad {
		v.add(rep, row, ErrNewPlaceholderFound, SeverityMajor, detail)
	}
	if row.MaxLength > 0 && len([]rune(row.Target)) > row.MaxLength {
		sev := SeverityMajor
		n := len([]rune(row.Target))
		if float64(n) > float64(row.MaxLength)*lengthCriticalRatio {
			sev = SeverityCritical
		}
		v.add(rep, row, ErrLengthOverflow, sev, fmt.Sprintf("target length %d exceeds limit %d", n, row.MaxLength))
	}
}

func (v *Validator) add(rep *Report, row Checked, typ, severity, detail string) {
	rep.ErrorCounts[typ]++
	if len(rep.Errors) >= maxReportErrors {
		rep.ErrorsTruncated = true
		return
	}
	rep.Errors = append(rep.Errors, Error{
		Row:      row.Row,
		StringID: row.StringID,
		Type:     typ,
		Severity: severity,
		Detail:   detail,
	})
}

// tokenMismatch compares the token-name multisets of frozen source and
// target, naming missing and extra tokens separately.
func tokenMismatch(frozen, target string) (string, bool) {
	want := countNames(codec.TokenNames(frozen))
	got := countNames(codec.TokenNames(target))

	var missing, extra []string
	for name, n := range want {
		if got[name] < n {
			missing = append(missing, name)
		}
	}
	for name, n := range got {
		if want[name] < n {
			extra = append(extra, name)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return "", false
	}
	sort.Strings(missing)
	sort.Strings(extra)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("%s missing", strings.Join(missing, ", ")))
	}
	if len(extra) > 0 {
		parts = append(parts, fmt.Sprintf("%s extra", strings.Join(extra, ", ")))
	}
	return strings.Join(parts, "; "), true
}

func countNames(names []string) map[string]int {
	m := make(map[string]int, len(names))
	for _, n := range names {
		m[n]++
	}
	return m
}

// tagUnbalanced counts declared open/close pairs in the target. The pair
// counts only fire on raw markup a model re-emitted instead of echoing
// tokens; fully tokenized tags are already covered by the token multiset
// check, which rejects any missing or extra TAG_* token. Without declared
// pairs it falls back to a coarse check that TAG_* tokens come in even
// counts per name.
func (v *Validator) tagUnbalanced(target string) (string, bool) {
	if pairs := v.schema.PairedTags; len(pairs) > 0 {
		for _, p := range pairs {
			open := strings.Count(target, p.Open)
			closed := strings.Count(target, p.Close)
			if open != closed {
				return fmt.Sprintf("%s opened %d times, closed %d", p.Open, open, closed), true
			}
		}
		return "", false
	}
	counts := map[string]int{}
	for _, name := range codec.TokenNames(target) {
		if strings.HasPrefix(name, "TAG_") {
			counts[name]++
		}
	}
	for name, n := range counts {
		if n%2 != 0 {
			return fmt.Sprintf("tag token %s appears %d times", name, n), true
		}
	}
	return "", false
}

// newPlaceholder flags raw placeholder shapes the freezer would have
// tokenized, meaning the model invented one instead of echoing a token.
func (v *Validator) newPlaceholder(target string) (string, bool) {
	stripped := stripTokens(target)
	for _, re := range v.schema.PlaceholderPatterns() {
		if m := re.FindString(stripped); m != "" {
			return fmt.Sprintf("raw placeholder %q in target", m), true
		}
	}
	return "", false
}

var tokenRunRe = regexp.MustCompile(`⟦[^⟧]*⟧`)

func stripTokens(s string) string {
	return tokenRunRe.ReplaceAllString(s, " ")
}

// WriteReport writes the report atomically next to the run's other
// artifacts.
func WriteReport(rep *Report, path string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".qa-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
