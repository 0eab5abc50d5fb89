package trace

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Sink appends events to a JSONL trace file. Writes are serialized under a
// mutex and each event is emitted as a single newline-terminated Write so a
// crash can truncate at most the final line. A failed write is counted and
// dropped; the pipeline never fails because of the trace.
type Sink struct {
	mu      sync.Mutex
	f       *os.File
	dropped int64
	now     func() time.Time
}

func NewSink(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Sink{f: f, now: time.Now}, nil
}

// NewDiscardSink returns a sink that drops everything. Used when tracing is
// not configured; callers never need a nil check beyond the methods here.
func NewDiscardSink() *Sink {
	return &Sink{now: time.Now}
}

func (s *Sink) Emit(ev *Event) {
	if s == nil || ev == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	ev.Stamp(s.now())
	b, err := json.Marshal(ev)
	if err != nil {
		s.dropped++
		return
	}
	b = append(b, '\n')
	if _, err := s.f.Write(b); err != nil {
		s.dropped++
	}
}

// Dropped reports how many events failed to serialize or write.
func (s *Sink) Dropped() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Sync()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f = nil
	return err
}
