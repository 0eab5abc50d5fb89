package trace

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
)

// ReadEvents loads a JSONL trace. Readers must tolerate a truncated final
// line (a writer may have crashed mid-write), so an unparseable last line is
// skipped silently; an unparseable interior line is an error.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeEvents(f)
}

func DecodeEvents(r io.Reader) ([]Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var out []Event
	var pendingErr error
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if pendingErr != nil {
			// The bad line was interior after all.
			return nil, pendingErr
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			pendingErr = err
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
