package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Checkpoint records per-step progress so an interrupted run can resume
// without re-translating completed rows.
type Checkpoint struct {
	Step     string          `json:"step"`
	DoneIDs  []string        `json:"done_ids"`
	BatchIdx int             `json:"batch_idx"`
	Stats    CheckpointStats `json:"stats"`
}

type CheckpointStats struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	CacheHits int `json:"cache_hits"`
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

// Save writes the checkpoint atomically: temp file in the same directory,
// fsync, rename over the target.
func (cp *Checkpoint) Save(path string) error {
	sort.Strings(cp.DoneIDs)
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, b)
}

func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
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

// savedResult is one persisted row outcome. Checkpointed rows are only
// skipped on resume when their result is here; a done ID without a result
// is re-run.
type savedResult struct {
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields,omitempty"`
	Model  string            `json:"model,omitempty"`
}

// resultsPath names the results file paired with a checkpoint path.
func resultsPath(cpPath string) string {
	ext := filepath.Ext(cpPath)
	return strings.TrimSuffix(cpPath, ext) + "_results" + ext
}

func loadResults(path string) (map[string]savedResult, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read results file: %w", err)
	}
	var m map[string]savedResult
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse results file %s: %w", path, err)
	}
	return m, nil
}

func saveResults(path string, m map[string]savedResult) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, b)
}

func (cp *Checkpoint) doneSet() map[string]bool {
	if cp == nil {
		return nil
	}
	set := make(map[string]bool, len(cp.DoneIDs))
	for _, id := range cp.DoneIDs {
		set[id] = true
	}
	return set
}
