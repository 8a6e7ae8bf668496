package event

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LogSink appends events as JSON lines to a file. It is the default
// EventSink implementation; webhook and email sinks plug in behind the same
// interface.
type LogSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewLogSink opens (or creates) the event log at path.
func NewLogSink(path string) (*LogSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &LogSink{file: f}, nil
}

// Publish implements Sink. Encoding errors are swallowed; an observation
// sink must never fail the engine.
func (s *LogSink) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.file.Write(data)
}

// Close flushes and closes the log file.
func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
