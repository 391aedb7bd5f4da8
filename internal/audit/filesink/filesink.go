// Package filesink writes audit records as JSON lines to an append-only
// file, syncing after every record.
package filesink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/linnemanlabs/vantage/internal/audit"
)

// maxLine bounds a single record when scanning the file back.
const maxLine = 1 << 20

// Sink appends records to one file.
type Sink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open opens or creates path for appending.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o640) //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("filesink: open %s: %w", path, err)
	}
	return &Sink{f: f, path: path}, nil
}

// Append writes r as one line and fsyncs.
func (s *Sink) Append(_ context.Context, r audit.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("filesink: marshal: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(b); err != nil {
		return fmt.Errorf("filesink: write: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("filesink: sync: %w", err)
	}
	return nil
}

// Records scans the file for records of incidentID.
func (s *Sink) Records(_ context.Context, incidentID string, limit int) ([]audit.Record, error) {
	var out []audit.Record
	err := s.scan(func(r audit.Record) bool {
		if r.IncidentID == incidentID {
			out = append(out, r)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// LastSeq implements audit.Sequencer by reading the file to its end.
func (s *Sink) LastSeq(context.Context) (uint64, error) {
	var last uint64
	err := s.scan(func(r audit.Record) bool {
		last = max(last, r.Seq)
		return true
	})
	return last, err
}

// Close closes the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

func (s *Sink) scan(fn func(audit.Record) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("filesink: seek: %w", err)
	}
	sc := bufio.NewScanner(s.f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r audit.Record
		if err := json.Unmarshal(line, &r); err != nil {
			// a torn final line from a crash mid-write is skipped
			continue
		}
		if !fn(r) {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("filesink: read %s: %w", s.path, err)
	}
	return nil
}
