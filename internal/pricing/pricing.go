// Package pricing resolves model names to request cost under the two
// billing modes the upstream billing exports use.
package pricing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ModePer1M      = "per_1m"
	ModeMultiplier = "multiplier"
)

type ModelPrice struct {
	InputPer1M  float64 `yaml:"input_per_1M"`
	OutputPer1M float64 `yaml:"output_per_1M"`

	PromptMult     float64 `yaml:"prompt_mult"`
	CompletionMult float64 `yaml:"completion_mult"`
}

type Billing struct {
	Mode string `yaml:"mode"`

	// Multiplier-mode knobs. RechargeRate and GroupRate are already
	// new/old ratios; their product is the conversion factor. The literal
	// formula from the upstream billing export is preserved here, ratios
	// are not normalized.
	RechargeRate        float64 `yaml:"recharge_rate"`
	GroupRate           float64 `yaml:"group_rate"`
	UserGroupMultiplier float64 `yaml:"user_group_multiplier"`
	TokenDivisor        float64 `yaml:"token_divisor"`
}

type Surcharges struct {
	PerRequestUSD float64 `yaml:"per_request_usd"`
	PercentMarkup float64 `yaml:"percent_markup"`
}

// Book is the pricing config, loaded once and read-only thereafter.
type Book struct {
	Billing    Billing               `yaml:"billing"`
	Models     map[string]ModelPrice `yaml:"models"`
	Surcharges Surcharges            `yaml:"surcharges"`
}

func Load(path string) (*Book, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}
	var b Book
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("parse pricing %s: %w", path, err)
	}
	if b.Billing.Mode == "" {
		b.Billing.Mode = ModePer1M
	}
	return &b, nil
}

// CostFor prices one request. The second return is false when the model has
// no pricing entry; callers report such calls instead of guessing.
func (b *Book) CostFor(model string, promptTokens, completionTokens int) (float64, bool) {
	mp, ok := b.lookup(model)
	if !ok {
		return 0, false
	}
	pt := float64(promptTokens)
	ct := float64(completionTokens)

	var cost float64
	switch b.Billing.Mode {
	case ModeMultiplier:
		conversion := b.Billing.RechargeRate * b.Billing.GroupRate
		completionRatio := 0.0
		if mp.PromptMult != 0 {
			completionRatio = mp.CompletionMult / mp.PromptMult
		}
		divisor := b.Billing.TokenDivisor
		if divisor == 0 {
			divisor = 1
		}
		cost = conversion * b.Billing.UserGroupMultiplier * mp.PromptMult * (pt + ct*completionRatio) / divisor
	default: // per_1m
		cost = pt*mp.InputPer1M/1e6 + ct*mp.OutputPer1M/1e6
	}

	cost += b.Surcharges.PerRequestUSD
	if b.Surcharges.PercentMarkup > 0 {
		cost *= 1 + b.Surcharges.PercentMarkup/100
	}
	return cost, true
}

// HasModel reports whether a pricing entry exists for the model.
func (b *Book) HasModel(model string) bool {
	_, ok := b.lookup(model)
	return ok
}

func (b *Book) lookup(model string) (ModelPrice, bool) {
	if b == nil || b.Models == nil {
		return ModelPrice{}, false
	}
	if mp, ok := b.Models[model]; ok {
		return mp, true
	}
	// Second chance on a case-insensitive match; provider gateways are not
	// consistent about model name casing.
	for name, mp := range b.Models {
		if strings.EqualFold(name, model) {
			return mp, true
		}
	}
	return ModelPrice{}, false
}
