// Package csvio reads and writes the pipeline's CSV artifacts: input
// rows, the frozen draft, and the translated file. Arbitrary extra
// columns pass through untouched.
package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/locflow/locflow/internal/model"
)

const (
	ColStringID  = "string_id"
	ColTokenized = "tokenized_text"
)

// Column aliases accepted on read, in discovery order.
var (
	sourceAliases    = []string{"source_text", "source_zh"}
	maxLenAliases    = []string{"max_length_target", "max_len_target"}
	targetAliases    = []string{"target_text", "translated_text"}
	tokenizedAliases = []string{"tokenized_text", "tokenized_zh"}
)

// File is a parsed CSV: rows plus enough header context to write a
// faithful output next to it.
type File struct {
	Rows   []model.Row
	Header []string

	sourceCol string
}

func ReadInput(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input csv: %w", err)
	}
	defer f.Close()
	return DecodeInput(f)
}

// DecodeInput parses an input CSV. A UTF-8 BOM on the first header cell
// is stripped.
func DecodeInput(r io.Reader) (*File, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	col := indexColumns(header)

	idIdx, ok := col[ColStringID]
	if !ok {
		return nil, fmt.Errorf("missing required column %q", ColStringID)
	}
	srcIdx, srcName := firstColumn(col, sourceAliases)
	if srcIdx < 0 {
		return nil, fmt.Errorf("missing required column %q (or %q)", sourceAliases[0], sourceAliases[1])
	}
	maxLenIdx, _ := firstColumn(col, maxLenAliases)
	longIdx := -1
	if i, ok := col["is_long_text"]; ok {
		longIdx = i
	}

	out := &File{Header: header, sourceCol: srcName}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", line+1, err)
		}
		line++
		row := model.Row{
			StringID:   cell(rec, idIdx),
			SourceText: cell(rec, srcIdx),
			Extra:      map[string]string{},
		}
		if maxLenIdx >= 0 {
			if v := strings.TrimSpace(cell(rec, maxLenIdx)); v != "" {
				var n int
				if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 0 {
					return nil, fmt.Errorf("row %d: bad max length %q", line, v)
				}
				row.MaxLengthTarget = n
			}
		}
		if longIdx >= 0 {
			row.IsLongText = strings.TrimSpace(cell(rec, longIdx)) == "1"
		}
		for i, name := range header {
			if i == idIdx || i == srcIdx || i == maxLenIdx || i == longIdx {
				continue
			}
			row.Extra[name] = cell(rec, i)
		}
		out.Rows = append(out.Rows, row)
	}
	if err := model.ValidateRows(out.Rows); err != nil {
		return nil, err
	}
	return out, nil
}

// SourceColumn is the input's source column name, used to pick the
// matching draft tokenized column.
func (f *File) SourceColumn() string {
	return f.sourceCol
}

// TokenizedColumn pairs tokenized_zh with source_zh inputs, tokenized_text
// otherwise.
func (f *File) TokenizedColumn() string {
	if f.sourceCol == "source_zh" {
		return "tokenized_zh"
	}
	return ColTokenized
}

// Omit returns a copy of the file without the named rows.
func (f *File) Omit(skip map[string]bool) *File {
	if len(skip) == 0 {
		return f
	}
	out := &File{Header: f.Header, sourceCol: f.sourceCol}
	for _, r := range f.Rows {
		if !skip[r.StringID] {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// WriteDraft writes the input columns plus the tokenized column, rows in
// input order.
func WriteDraft(path string, in *File, tokenized map[string]string) error {
	col := in.TokenizedColumn()
	return writeRows(path, in, []string{col}, func(r model.Row) []string {
		return []string{tokenized[r.StringID]}
	})
}

// WriteTranslated appends both the tokenized and target columns.
func WriteTranslated(path string, in *File, tokenized, target map[string]string, targetCol string) error {
	if targetCol == "" {
		targetCol = targetAliases[0]
	}
	return writeRows(path, in, []string{in.TokenizedColumn(), targetCol}, func(r model.Row) []string {
		return []string{tokenized[r.StringID], target[r.StringID]}
	})
}

func writeRows(path string, in *File, extraCols []string, extra func(model.Row) []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	col := indexColumns(in.Header)
	// Extra columns replace any same-named input column in place; only
	// genuinely new ones are appended, so rewriting an already-translated
	// file never duplicates headers.
	header := append([]string{}, in.Header...)
	pos := make([]int, len(extraCols))
	for i, name := range extraCols {
		if j, ok := col[strings.ToLower(name)]; ok {
			pos[i] = j
		} else {
			pos[i] = len(header)
			header = append(header, name)
		}
	}
	if err := w.Write(header); err != nil {
		return err
	}
	idIdx := col[ColStringID]
	srcIdx, _ := firstColumn(col, sourceAliases)
	for _, r := range in.Rows {
		rec := make([]string, len(header))
		for i, name := range in.Header {
			switch i {
			case idIdx:
				rec[i] = r.StringID
			case srcIdx:
				rec[i] = r.SourceText
			default:
				rec[i] = r.Extra[name]
			}
		}
		if maxIdx, ok := firstColumnOk(col, maxLenAliases); ok {
			if r.MaxLengthTarget > 0 {
				rec[maxIdx] = fmt.Sprintf("%d", r.MaxLengthTarget)
			}
		}
		if longIdx, ok := col["is_long_text"]; ok {
			if r.IsLongText {
				rec[longIdx] = "1"
			} else {
				rec[longIdx] = "0"
			}
		}
		for i, v := range extra(r) {
			rec[pos[i]] = v
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

// TokenizedColumnIn locates the frozen-source column in a draft header.
func TokenizedColumnIn(header []string) string {
	col := indexColumns(header)
	for _, n := range tokenizedAliases {
		if _, ok := col[n]; ok {
			return n
		}
	}
	return ""
}

// TargetColumn finds the translation column in a header: target_text,
// translated_text, target_<lang>, then tokenized_target. Empty when none
// exists.
func TargetColumn(header []string) string {
	col := indexColumns(header)
	for _, name := range targetAliases {
		if _, ok := col[name]; ok {
			return name
		}
	}
	for _, name := range header {
		n := strings.ToLower(strings.TrimSpace(name))
		if strings.HasPrefix(n, "target_") && n != "target_text" {
			return name
		}
	}
	if _, ok := col["tokenized_target"]; ok {
		return "tokenized_target"
	}
	return ""
}

// ReadColumn extracts one named column keyed by string_id.
func ReadColumn(path, column string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	col := indexColumns(header)
	idIdx, ok := col[ColStringID]
	if !ok {
		return nil, fmt.Errorf("missing required column %q", ColStringID)
	}
	wantIdx, ok := col[strings.ToLower(column)]
	if !ok {
		return nil, fmt.Errorf("missing column %q", column)
	}
	out := map[string]string{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out[cell(rec, idIdx)] = cell(rec, wantIdx)
	}
	return out, nil
}

// indexColumns maps lower-cased header names to positions; on duplicate
// names the first column wins.
func indexColumns(header []string) map[string]int {
	m := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, ok := m[key]; !ok {
			m[key] = i
		}
	}
	return m
}

func firstColumn(col map[string]int, names []string) (int, string) {
	for _, n := range names {
		if i, ok := col[n]; ok {
			return i, n
		}
	}
	return -1, ""
}

func firstColumnOk(col map[string]int, names []string) (int, bool) {
	i, _ := firstColumn(col, names)
	return i, i >= 0
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}
