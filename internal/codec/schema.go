package codec

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	PatternPlaceholder = "placeholder"
	PatternTag         = "tag"
)

// PatternDef is one freeze pattern. Declaration order is priority order:
// the first pattern matching a byte span wins.
type PatternDef struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
	Type  string `yaml:"type"`
}

type PairedTag struct {
	Open        string `yaml:"open"`
	Close       string `yaml:"close"`
	Description string `yaml:"description,omitempty"`
}

type TokenFormat struct {
	Placeholder string `yaml:"placeholder"`
	Tag         string `yaml:"tag"`
}

// Schema is the freeze schema (YAML, version 2).
type Schema struct {
	Version     int          `yaml:"version"`
	Patterns    []PatternDef `yaml:"patterns"`
	TokenFormat TokenFormat  `yaml:"token_format"`
	PairedTags  []PairedTag  `yaml:"paired_tags,omitempty"`

	compiled []compiledPattern
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
	typ  string
}

// LoadSchema reads and compiles a freeze schema. Malformed regexes are
// skipped and reported as warnings; a missing file is an error.
func LoadSchema(path string) (*Schema, []string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load schema: %w", err)
	}
	var s Schema
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	warnings := s.compile()
	return &s, warnings, nil
}

// DefaultSchema covers the common runtime placeholder and markup shapes.
func DefaultSchema() *Schema {
	s := &Schema{
		Version: 2,
		Patterns: []PatternDef{
			{Name: "brace_placeholder", Regex: `\{\w+\}`, Type: PatternPlaceholder},
			{Name: "percent_placeholder", Regex: `%[sdif]|%\d+\$[sdif]`, Type: PatternPlaceholder},
			{Name: "xml_tag", Regex: `</?[A-Za-z][A-Za-z0-9_-]*/?>`, Type: PatternTag},
		},
		TokenFormat: TokenFormat{
			Placeholder: "⟦PH_{n}⟧",
			Tag:         "⟦TAG_{n}⟧",
		},
	}
	s.compile()
	return s
}

func (s *Schema) compile() []string {
	if s.TokenFormat.Placeholder == "" {
		s.TokenFormat.Placeholder = "⟦PH_{n}⟧"
	}
	if s.TokenFormat.Tag == "" {
		s.TokenFormat.Tag = "⟦TAG_{n}⟧"
	}
	var warnings []string
	s.compiled = s.compiled[:0]
	for _, p := range s.Patterns {
		typ := strings.ToLower(strings.TrimSpace(p.Type))
		if typ != PatternTag {
			typ = PatternPlaceholder
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("pattern %s: skipped malformed regex %q: %v", p.Name, p.Regex, err))
			continue
		}
		s.compiled = append(s.compiled, compiledPattern{name: p.Name, re: re, typ: typ})
	}
	return warnings
}

// PlaceholderPatterns returns the compiled placeholder-typed regexes, used
// by hard QA to spot model-invented placeholder shapes.
func (s *Schema) PlaceholderPatterns() []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, p := range s.compiled {
		if p.typ == PatternPlaceholder {
			out = append(out, p.re)
		}
	}
	return out
}

func (s *Schema) renderToken(typ string, n int) string {
	tmpl := s.TokenFormat.Placeholder
	if typ == PatternTag {
		tmpl = s.TokenFormat.Tag
	}
	return strings.ReplaceAll(tmpl, "{n}", strconv.Itoa(n))
}
