package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/locflow/locflow/internal/llm"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routing.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleConfig = `
routing:
  translate:
    default: fast-mini
    fallback: [relay-pro, big-ultra]
    temperature: 0.2
    max_tokens: 4096
    response_format: json_object
  _default:
    default: fast-mini
capabilities:
  big-ultra:
    batch: unfit
fallback_triggers:
  on_timeout: true
  on_network_error: false
  on_parse_error: true
  http_codes: [429, 500, 502, 503]
`

func TestChain(t *testing.T) {
	r, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := r.Chain("translate")
	want := []string{"fast-mini", "relay-pro", "big-ultra"}
	if len(got) != len(want) {
		t.Fatalf("chain = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chain[%d] = %q want %q", i, got[i], want[i])
		}
	}
	// Unknown step falls back to _default.
	if got := r.Chain("soft_qa"); len(got) != 1 || got[0] != "fast-mini" {
		t.Fatalf("default chain = %v", got)
	}
}

func TestChain_NoConfig(t *testing.T) {
	var r *Router
	if got := r.Chain("translate"); got != nil {
		t.Fatalf("nil router chain = %v", got)
	}
}

func TestShouldFallback_Triggers(t *testing.T) {
	r, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cases := []struct {
		err  error
		want bool
	}{
		{&llm.Error{Kind: llm.KindTimeout}, true},
		{&llm.Error{Kind: llm.KindNetwork}, false}, // disabled above
		{&llm.Error{Kind: llm.KindParse}, true},
		{&llm.Error{Kind: llm.KindUpstream, HTTPStatus: 429}, true},
		{&llm.Error{Kind: llm.KindUpstream, HTTPStatus: 501}, false}, // not in http_codes
		{&llm.Error{Kind: llm.KindHTTP, HTTPStatus: 404}, false},
		{&llm.Error{Kind: llm.KindConfig}, false},
	}
	for i, c := range cases {
		if got := r.ShouldFallback(c.err); got != c.want {
			t.Fatalf("case %d (%v): got %v want %v", i, c.err, got, c.want)
		}
	}
}

func TestShouldFallback_DefaultsToRetryable(t *testing.T) {
	r := New(&Config{})
	if !r.ShouldFallback(&llm.Error{Kind: llm.KindUpstream, HTTPStatus: 500}) {
		t.Fatalf("upstream should fall back without triggers")
	}
	if r.ShouldFallback(&llm.Error{Kind: llm.KindHTTP, HTTPStatus: 400}) {
		t.Fatalf("hard http must not fall back")
	}
}

func TestBatchCapable(t *testing.T) {
	r, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.BatchCapable("big-ultra") {
		t.Fatalf("big-ultra declared unfit")
	}
	if !r.BatchCapable("fast-mini") || !r.BatchCapable("never-heard-of-it") {
		t.Fatalf("unknown models default to batch capable")
	}
}

func TestGenerationParams(t *testing.T) {
	r, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := r.GenerationParams("translate")
	if p.Temperature == nil || *p.Temperature != 0.2 {
		t.Fatalf("temperature = %v", p.Temperature)
	}
	if p.MaxTokens == nil || *p.MaxTokens != 4096 {
		t.Fatalf("max_tokens = %v", p.MaxTokens)
	}
	if p.ResponseFormat != "json_object" {
		t.Fatalf("response_format = %q", p.ResponseFormat)
	}
}

func TestConfigHash_StableAndSensitive(t *testing.T) {
	r1, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r2, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r1.ConfigHash() == "" || r1.ConfigHash() != r2.ConfigHash() {
		t.Fatalf("hash unstable: %q vs %q", r1.ConfigHash(), r2.ConfigHash())
	}
	r3, err := Load(writeConfig(t, sampleConfig+"\n# trailing comment\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r3.ConfigHash() == r1.ConfigHash() {
		t.Fatalf("hash must track file bytes")
	}
}
