// Package router maps pipeline steps to ordered model chains from a YAML
// routing table, with capability and fallback rules.
package router

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/locflow/locflow/internal/llm"
)

// DefaultStep covers steps with no explicit routing entry.
const DefaultStep = "_default"

type StepRoute struct {
	Default        string   `yaml:"default"`
	Fallback       []string `yaml:"fallback,omitempty"`
	Temperature    *float64 `yaml:"temperature,omitempty"`
	MaxTokens      *int     `yaml:"max_tokens,omitempty"`
	ResponseFormat string   `yaml:"response_format,omitempty"`
}

type Capability struct {
	Batch string `yaml:"batch"` // "ok" | "unfit"; unknown models default ok
}

type FallbackTriggers struct {
	OnTimeout      *bool `yaml:"on_timeout,omitempty"`
	OnNetworkError *bool `yaml:"on_network_error,omitempty"`
	OnParseError   *bool `yaml:"on_parse_error,omitempty"`
	HTTPCodes      []int `yaml:"http_codes,omitempty"`
}

type Config struct {
	Routing          map[string]StepRoute  `yaml:"routing"`
	Capabilities     map[string]Capability `yaml:"capabilities,omitempty"`
	FallbackTriggers *FallbackTriggers     `yaml:"fallback_triggers,omitempty"`
}

// Router answers pure routing questions over a config loaded once. A nil
// Router (no config) yields empty chains and err.Retryable() fallback.
type Router struct {
	cfg  *Config
	hash string
}

type GenerationParams struct {
	Temperature    *float64
	MaxTokens      *int
	ResponseFormat string
}

func Load(path string) (*Router, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load routing config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse routing config %s: %w", path, err)
	}
	r := New(&cfg)
	sum := blake3.Sum256(b)
	r.hash = hex.EncodeToString(sum[:16])
	return r, nil
}

func New(cfg *Config) *Router {
	r := &Router{cfg: cfg}
	if cfg != nil {
		// Hash the canonical re-marshaled config so in-memory and on-disk
		// construction of the same table agree.
		if b, err := yaml.Marshal(cfg); err == nil {
			sum := blake3.Sum256(b)
			r.hash = hex.EncodeToString(sum[:16])
		}
	}
	return r
}

// Chain returns default+fallback for the step, the _default step's chain
// when the step is absent, or nil without config.
func (r *Router) Chain(step string) []string {
	if r == nil || r.cfg == nil {
		return nil
	}
	route, ok := r.cfg.Routing[step]
	if !ok {
		route, ok = r.cfg.Routing[DefaultStep]
		if !ok {
			return nil
		}
	}
	var out []string
	if strings.TrimSpace(route.Default) != "" {
		out = append(out, route.Default)
	}
	for _, m := range route.Fallback {
		if strings.TrimSpace(m) != "" {
			out = append(out, m)
		}
	}
	return out
}

// ShouldFallback decides whether an error moves the scheduler to the next
// model in the chain. Without configured triggers it defers to the error's
// own retryability.
func (r *Router) ShouldFallback(err error) bool {
	if err == nil {
		return false
	}
	e := llm.AsError(err)
	var t *FallbackTriggers
	if r != nil && r.cfg != nil {
		t = r.cfg.FallbackTriggers
	}
	if t == nil {
		return e.Retryable()
	}
	switch e.Kind {
	case llm.KindTimeout:
		return boolOr(t.OnTimeout, true)
	case llm.KindNetwork:
		return boolOr(t.OnNetworkError, true)
	case llm.KindParse:
		return boolOr(t.OnParseError, true)
	case llm.KindUpstream, llm.KindHTTP:
		for _, code := range t.HTTPCodes {
			if code == e.HTTPStatus {
				return true
			}
		}
		// Upstream kinds stay fallback-eligible even without an explicit
		// code; hard 4xx never are.
		return e.Kind == llm.KindUpstream && len(t.HTTPCodes) == 0
	default:
		return false
	}
}

// BatchCapable reports whether a model may receive multi-row batches.
// Unknown models default to capable.
func (r *Router) BatchCapable(model string) bool {
	if r == nil || r.cfg == nil {
		return true
	}
	c, ok := r.cfg.Capabilities[model]
	if !ok {
		return true
	}
	return strings.ToLower(strings.TrimSpace(c.Batch)) != "unfit"
}

func (r *Router) GenerationParams(step string) GenerationParams {
	if r == nil || r.cfg == nil {
		return GenerationParams{}
	}
	route, ok := r.cfg.Routing[step]
	if !ok {
		route, ok = r.cfg.Routing[DefaultStep]
		if !ok {
			return GenerationParams{}
		}
	}
	return GenerationParams{
		Temperature:    route.Temperature,
		MaxTokens:      route.MaxTokens,
		ResponseFormat: route.ResponseFormat,
	}
}

// ConfigHash is a stable digest of the loaded table, emitted with router
// trace events so runs can be tied to the exact routing in force.
func (r *Router) ConfigHash() string {
	if r == nil {
		return ""
	}
	return r.hash
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
