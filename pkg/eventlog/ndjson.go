package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// NDJSONSink appends one JSON-encoded event per line to a file. The file is
// append-only; readers may tail it while the kernel runs.
type NDJSONSink struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// NewNDJSONSink opens (or creates) the log file for appending.
func NewNDJSONSink(path string) (*NDJSONSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	return &NDJSONSink{file: f, w: bufio.NewWriter(f)}, nil
}

// Write appends the event as a single line and flushes, so tailing readers
// see committed events promptly.
func (s *NDJSONSink) Write(event *Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event %d: %w", event.Sequence, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(raw); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *NDJSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

// ReadNDJSON reads all events with sequence > from out of an NDJSON log
// file, in file order.
func ReadNDJSON(path string, from uint64) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("eventlog: %s line %d: %w", path, line, err)
		}
		if e.Sequence > from {
			events = append(events, &e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan %s: %w", path, err)
	}
	return events, nil
}
