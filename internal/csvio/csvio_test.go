package csvio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDecodeInput_BasicAndBOM(t *testing.T) {
	body := "\uFEFFstring_id,source_text,max_length_target,is_long_text,context\n" +
		"A,Hello {0},30,0,greeting\n" +
		"B,Long story,0,1,\n"
	f, err := DecodeInput(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeInput: %v", err)
	}
	if len(f.Rows) != 2 {
		t.Fatalf("rows = %d", len(f.Rows))
	}
	a := f.Rows[0]
	if a.StringID != "A" || a.SourceText != "Hello {0}" || a.MaxLengthTarget != 30 || a.IsLongText {
		t.Fatalf("row A = %+v", a)
	}
	if a.Extra["context"] != "greeting" {
		t.Fatalf("extra = %+v", a.Extra)
	}
	if !f.Rows[1].IsLongText {
		t.Fatalf("row B must be long text")
	}
	if f.TokenizedColumn() != "tokenized_text" {
		t.Fatalf("tokenized col = %s", f.TokenizedColumn())
	}
}

func TestDecodeInput_LegacyZHColumns(t *testing.T) {
	body := "string_id,source_zh,max_len_target\nA,你好,12\n"
	f, err := DecodeInput(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeInput: %v", err)
	}
	if f.Rows[0].SourceText != "你好" || f.Rows[0].MaxLengthTarget != 12 {
		t.Fatalf("row = %+v", f.Rows[0])
	}
	if f.TokenizedColumn() != "tokenized_zh" {
		t.Fatalf("tokenized col = %s", f.TokenizedColumn())
	}
}

func TestDecodeInput_MissingColumns(t *testing.T) {
	if _, err := DecodeInput(strings.NewReader("string_id,whatever\nA,x\n")); err == nil {
		t.Fatalf("missing source column must fail")
	}
	if _, err := DecodeInput(strings.NewReader("source_text\nx\n")); err == nil {
		t.Fatalf("missing string_id must fail")
	}
}

func TestDecodeInput_DuplicateIDRejected(t *testing.T) {
	body := "string_id,source_text\nA,x\nA,y\n"
	if _, err := DecodeInput(strings.NewReader(body)); err == nil {
		t.Fatalf("duplicate string_id must fail")
	}
}

func TestDecodeInput_EmptyIDRejected(t *testing.T) {
	body := "string_id,source_text\n,x\n"
	if _, err := DecodeInput(strings.NewReader(body)); err == nil {
		t.Fatalf("empty string_id must fail")
	}
}

func TestWriteDraftAndTranslated_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	body := "string_id,source_text,context\nA,Hello {0},greet\nB,Bye,farewell\n"
	in, err := DecodeInput(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeInput: %v", err)
	}

	draft := filepath.Join(dir, "draft.csv")
	tokenized := map[string]string{"A": "Hello ⟦PH_1⟧", "B": "Bye"}
	if err := WriteDraft(draft, in, tokenized); err != nil {
		t.Fatalf("WriteDraft: %v", err)
	}
	toks, err := ReadColumn(draft, "tokenized_text")
	if err != nil {
		t.Fatalf("ReadColumn: %v", err)
	}
	if toks["A"] != "Hello ⟦PH_1⟧" {
		t.Fatalf("tokenized = %+v", toks)
	}

	final := filepath.Join(dir, "final.csv")
	target := map[string]string{"A": "Hallo ⟦PH_1⟧", "B": "Tschüss"}
	if err := WriteTranslated(final, in, tokenized, target, ""); err != nil {
		t.Fatalf("WriteTranslated: %v", err)
	}
	got, err := ReadColumn(final, "target_text")
	if err != nil {
		t.Fatalf("ReadColumn: %v", err)
	}
	if got["B"] != "Tschüss" {
		t.Fatalf("target = %+v", got)
	}

	// Extras survive and row order is preserved.
	b, err := os.ReadFile(final)
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "A,") || !strings.HasPrefix(lines[2], "B,") {
		t.Fatalf("final csv:\n%s", b)
	}
	if !strings.Contains(lines[1], "greet") {
		t.Fatalf("extras lost: %s", lines[1])
	}
}

func TestWriteTranslated_ReplacesExistingColumns(t *testing.T) {
	dir := t.TempDir()
	// A file that already carries tokenized and target columns, as produced
	// by a previous translation pass.
	body := "string_id,source_text,tokenized_text,target_text\n" +
		"A,Hello {0},Hello ⟦PH_1⟧,Hallo ⟦PH_1⟧\n"
	in, err := DecodeInput(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeInput: %v", err)
	}

	out := filepath.Join(dir, "rehydrated.csv")
	tokenized := map[string]string{"A": "Hello ⟦PH_1⟧"}
	target := map[string]string{"A": "Hallo {0}"}
	if err := WriteTranslated(out, in, tokenized, target, "target_text"); err != nil {
		t.Fatalf("WriteTranslated: %v", err)
	}

	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if lines[0] != "string_id,source_text,tokenized_text,target_text" {
		t.Fatalf("header = %q", lines[0])
	}
	if strings.Count(lines[0], "target_text") != 1 || strings.Count(lines[0], "tokenized_text") != 1 {
		t.Fatalf("duplicated columns: %q", lines[0])
	}
	got, err := ReadColumn(out, "target_text")
	if err != nil {
		t.Fatalf("ReadColumn: %v", err)
	}
	if got["A"] != "Hallo {0}" {
		t.Fatalf("target = %+v", got)
	}
}

func TestReadColumn_FirstDuplicateColumnWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.csv")
	body := "string_id,target_text,target_text\nA,first,second\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadColumn(path, "target_text")
	if err != nil {
		t.Fatalf("ReadColumn: %v", err)
	}
	if got["A"] != "first" {
		t.Fatalf("got %+v", got)
	}
}

func TestOmit_DropsNamedRows(t *testing.T) {
	in, err := DecodeInput(strings.NewReader("string_id,source_text\nA,x\nB,y\n"))
	if err != nil {
		t.Fatalf("DecodeInput: %v", err)
	}
	out := in.Omit(map[string]bool{"A": true})
	if len(out.Rows) != 1 || out.Rows[0].StringID != "B" {
		t.Fatalf("rows = %+v", out.Rows)
	}
	if out.TokenizedColumn() != in.TokenizedColumn() {
		t.Fatalf("column context lost")
	}
	if same := in.Omit(nil); same != in {
		t.Fatalf("empty skip must return the file unchanged")
	}
}

func TestTargetColumn_DiscoveryOrder(t *testing.T) {
	cases := []struct {
		header []string
		want   string
	}{
		{[]string{"string_id", "target_text", "translated_text"}, "target_text"},
		{[]string{"string_id", "translated_text"}, "translated_text"},
		{[]string{"string_id", "target_de"}, "target_de"},
		{[]string{"string_id", "tokenized_target"}, "tokenized_target"},
		{[]string{"string_id", "source_text"}, ""},
	}
	for _, c := range cases {
		if got := TargetColumn(c.header); got != c.want {
			t.Fatalf("TargetColumn(%v) = %q want %q", c.header, got, c.want)
		}
	}
}

func TestTokenizedColumnIn(t *testing.T) {
	if got := TokenizedColumnIn([]string{"string_id", "tokenized_zh"}); got != "tokenized_zh" {
		t.Fatalf("got %q", got)
	}
	if got := TokenizedColumnIn([]string{"string_id"}); got != "" {
		t.Fatalf("got %q", got)
	}
}
