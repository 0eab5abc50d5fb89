// Package scheduler partitions pending rows into batches, runs them on a
// fixed worker pool against the model chain, retries with backoff, and
// checkpoints progress after every batch.
package scheduler

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BatchParams governs one (step, content type) combination.
type BatchParams struct {
	MaxBatchSize int `yaml:"max_batch_size"`
	TimeoutS     int `yaml:"timeout_s"`
	CooldownS    int `yaml:"cooldown_s"`
	Retry        int `yaml:"retry"`
}

// StepParams splits a step's tuning by content type. Rows flagged
// is_long_text get the long_text parameters.
type StepParams struct {
	Normal   *BatchParams `yaml:"normal,omitempty"`
	LongText *BatchParams `yaml:"long_text,omitempty"`
}

type DynamicSizing struct {
	Enabled       bool    `yaml:"enabled"`
	TargetSeconds float64 `yaml:"target_seconds"`
	ContextTokens int     `yaml:"context_tokens"`
	SafetyTokens  int     `yaml:"safety_tokens"`
}

type Grouping struct {
	Enabled bool `yaml:"enabled"`
	// VarianceRatio is the max allowed spread within a group, as a
	// fraction of the group's shortest source length.
	VarianceRatio float64 `yaml:"variance_ratio"`
}

type Config struct {
	Workers       int                   `yaml:"workers"`
	PreserveOrder *bool                 `yaml:"preserve_order,omitempty"`
	PartialMatch  bool                  `yaml:"partial_match"`
	Defaults      StepParams            `yaml:"defaults"`
	Steps         map[string]StepParams `yaml:"steps,omitempty"`
	DynamicSizing DynamicSizing         `yaml:"dynamic_sizing"`
	Grouping      Grouping              `yaml:"grouping"`

	// fallbackTimeoutS replaces the built-in timeout defaults when the
	// config file sets none. LLM_TIMEOUT_S arrives through here.
	fallbackTimeoutS int
}

// SetFallbackTimeout installs a timeout used whenever neither the step
// nor the defaults section configures one.
func (c *Config) SetFallbackTimeout(d time.Duration) {
	if s := int(d / time.Second); s > 0 {
		c.fallbackTimeoutS = s
	}
}

const (
	defaultWorkers      = 4
	defaultMaxBatchSize = 10
	defaultTimeoutS     = 120
	defaultRetry        = 2

	longTextMaxBatchSize = 2
	longTextTimeoutS     = 300
)

func DefaultConfig() *Config {
	return &Config{
		Workers: defaultWorkers,
		// TimeoutS stays zero here so ParamsFor can tell a configured
		// timeout from the built-in baseline.
		Defaults: StepParams{
			Normal: &BatchParams{
				MaxBatchSize: defaultMaxBatchSize,
				Retry:        defaultRetry,
			},
			LongText: &BatchParams{
				MaxBatchSize: longTextMaxBatchSize,
				Retry:        defaultRetry,
			},
		},
		Grouping: Grouping{Enabled: true, VarianceRatio: 0.5},
	}
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scheduler config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse scheduler config %s: %w", path, err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return cfg, nil
}

// ParamsFor resolves the batch parameters for a step and content type,
// falling back field by field to the defaults.
func (c *Config) ParamsFor(step string, longText bool) BatchParams {
	base := c.Defaults.Normal
	if longText {
		base = c.Defaults.LongText
	}
	resolved := BatchParams{
		MaxBatchSize: defaultMaxBatchSize,
		TimeoutS:     defaultTimeoutS,
		Retry:        defaultRetry,
	}
	if longText {
		resolved.MaxBatchSize = longTextMaxBatchSize
		resolved.TimeoutS = longTextTimeoutS
	}
	if c.fallbackTimeoutS > 0 {
		resolved.TimeoutS = c.fallbackTimeoutS
	}
	merge := func(p *BatchParams) {
		if p == nil {
			return
		}
		if p.MaxBatchSize > 0 {
			resolved.MaxBatchSize = p.MaxBatchSize
		}
		if p.TimeoutS > 0 {
			resolved.TimeoutS = p.TimeoutS
		}
		if p.CooldownS > 0 {
			resolved.CooldownS = p.CooldownS
		}
		if p.Retry > 0 {
			resolved.Retry = p.Retry
		}
	}
	merge(base)
	if sp, ok := c.Steps[step]; ok {
		if longText {
			merge(sp.LongText)
		} else {
			merge(sp.Normal)
		}
	}
	return resolved
}

func (c *Config) preserveOrder() bool {
	if c.PreserveOrder == nil {
		return true
	}
	return *c.PreserveOrder
}

func (p BatchParams) Timeout() time.Duration {
	return time.Duration(p.TimeoutS) * time.Second
}

func (p BatchParams) Cooldown() time.Duration {
	return time.Duration(p.CooldownS) * time.Second
}
