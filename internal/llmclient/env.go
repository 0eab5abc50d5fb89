// Package llmclient wires the LLM transport from environment variables.
package llmclient

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/locflow/locflow/internal/llm"
)

// Env is the transport-level environment: one OpenAI-compatible endpoint,
// one key, and an optional default model used when the router yields no
// chain for a step.
type Env struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	TracePath    string
}

// FromEnv reads LLM_BASE_URL, LLM_API_KEY (or LLM_API_KEY_FILE), LLM_MODEL,
// LLM_TIMEOUT_S and LLM_TRACE_PATH. It does not validate; call Validate
// before the first network use so cache-only invocations still work.
func FromEnv() (Env, error) {
	e := Env{
		BaseURL:      strings.TrimSpace(os.Getenv("LLM_BASE_URL")),
		APIKey:       strings.TrimSpace(os.Getenv("LLM_API_KEY")),
		DefaultModel: strings.TrimSpace(os.Getenv("LLM_MODEL")),
		TracePath:    strings.TrimSpace(os.Getenv("LLM_TRACE_PATH")),
	}
	if e.APIKey == "" {
		if path := strings.TrimSpace(os.Getenv("LLM_API_KEY_FILE")); path != "" {
			b, err := os.ReadFile(path)
			if err != nil {
				return Env{}, fmt.Errorf("read LLM_API_KEY_FILE: %w", err)
			}
			e.APIKey = strings.TrimSpace(string(b))
		}
	}
	if v := strings.TrimSpace(os.Getenv("LLM_TIMEOUT_S")); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return Env{}, fmt.Errorf("invalid LLM_TIMEOUT_S: %q", v)
		}
		e.Timeout = time.Duration(secs) * time.Second
	}
	return e, nil
}

// Validate enforces the minimum for making calls.
func (e Env) Validate() error {
	if e.BaseURL == "" {
		return llm.NewConfigError("LLM_BASE_URL is not set")
	}
	if e.APIKey == "" {
		return llm.NewConfigError("LLM_API_KEY / LLM_API_KEY_FILE is not set")
	}
	return nil
}
