// Package glossary compiles project terminology into the matcher the
// pipeline consults when building prompt constraints and cache keys.
package glossary

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	StatusApproved  = "approved"
	StatusPending   = "pending"
	StatusVerified  = "verified"
	StatusCommunity = "community"
	StatusAuto      = "auto"
)

type Entry struct {
	TermSource string  `yaml:"term_source"`
	TermTarget string  `yaml:"term_target"`
	Status     string  `yaml:"status"`
	Priority   float64 `yaml:"priority"`
	Notes      string  `yaml:"notes,omitempty"`
}

// Index holds the compiled glossary. Only approved/verified entries flow
// into prompt constraints; everything else is kept aside for the term miner
// and never reaches a prompt context.
type Index struct {
	compiled []Entry // approved + verified, sorted by term_source
	mined    []Entry // all other statuses
	digest   string
}

type glossaryFile struct {
	Entries []Entry `yaml:"entries"`
}

func Load(path string) (*Index, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load glossary: %w", err)
	}
	var gf glossaryFile
	if err := yaml.Unmarshal(b, &gf); err != nil {
		return nil, fmt.Errorf("parse glossary %s: %w", path, err)
	}
	return New(gf.Entries), nil
}

func New(entries []Entry) *Index {
	idx := &Index{}
	for _, e := range entries {
		e.TermSource = strings.TrimSpace(e.TermSource)
		if e.TermSource == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(e.Status)) {
		case StatusApproved, StatusVerified:
			idx.compiled = append(idx.compiled, e)
		default:
			idx.mined = append(idx.mined, e)
		}
	}
	sort.Slice(idx.compiled, func(i, j int) bool {
		return idx.compiled[i].TermSource < idx.compiled[j].TermSource
	})
	idx.digest = digestOf(idx.compiled)
	return idx
}

// ConstraintsFor returns the compiled entries whose source term occurs in
// the pre-freeze source text, highest priority first.
func (idx *Index) ConstraintsFor(sourceText string) []Entry {
	var out []Entry
	for _, e := range idx.compiled {
		if strings.Contains(sourceText, e.TermSource) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// MinerEntries exposes the non-approved entries for the miner collaborator.
func (idx *Index) MinerEntries() []Entry {
	return append([]Entry{}, idx.mined...)
}

// Digest is a stable SHA-256 over the sorted compiled entries; it feeds the
// cache key so any glossary change invalidates cached translations.
func (idx *Index) Digest() string {
	return idx.digest
}

func (idx *Index) Len() int { return len(idx.compiled) }

func digestOf(entries []Entry) string {
	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%.4f\n", e.TermSource, e.TermTarget, strings.ToLower(e.Status), e.Priority)
	}
	return hex.EncodeToString(h.Sum(nil))
}
