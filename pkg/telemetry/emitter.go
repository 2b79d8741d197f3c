package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Emitter sends batches of events to a sink.
type Emitter interface {
	Emit(events []ResolutionEvent) error
	Close() error
}

// JSONLEmitter writes one JSON object per line to w.
type JSONLEmitter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	closer  io.Closer
	name    string
}

// NewStdoutEmitter writes JSON lines to stdout.
func NewStdoutEmitter() *JSONLEmitter {
	return &JSONLEmitter{encoder: json.NewEncoder(os.Stdout), name: "stdout"}
}

// NewFileEmitter appends JSON lines to the file at path.
func NewFileEmitter(path string) (*JSONLEmitter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry.NewFileEmitter: %w", err)
	}
	return &JSONLEmitter{encoder: json.NewEncoder(f), closer: f, name: path}, nil
}

// Emit writes events as JSON lines.
func (e *JSONLEmitter) Emit(events []ResolutionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, evt := range events {
		if err := e.encoder.Encode(evt); err != nil {
			return fmt.Errorf("telemetry.JSONLEmitter(%s): %w", e.name, err)
		}
	}
	return nil
}

// Close closes the underlying file, if any.
func (e *JSONLEmitter) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}

// LogEmitter writes each event as a debug record on the default logger.
type LogEmitter struct{}

// Emit logs events.
func (LogEmitter) Emit(events []ResolutionEvent) error {
	for _, evt := range events {
		slog.Debug("identity resolved",
			"component", "telemetry",
			"pass", evt.PassID,
			"bucket", evt.Bucket,
			"path", evt.Path,
			"patient", evt.PatientCode,
			"patient_source", evt.PatientSource,
			"therapist_source", evt.TherapistSource,
			"session_ts_source", evt.TimestampSource,
		)
	}
	return nil
}

// Close is a no-op.
func (LogEmitter) Close() error { return nil }

// HTTPEmitter posts event batches to a diagnostics collector.
type HTTPEmitter struct {
	url    string
	client *http.Client
}

// NewHTTPEmitter creates an emitter that POSTs to addr + "/api/v1/traces".
func NewHTTPEmitter(addr string) *HTTPEmitter {
	return &HTTPEmitter{
		url:    strings.TrimRight(addr, "/") + "/api/v1/traces",
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Emit sends one batch as a JSON array.
func (e *HTTPEmitter) Emit(events []ResolutionEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("telemetry.HTTPEmitter: marshal: %w", err)
	}

	resp, err := e.client.Post(e.url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("telemetry.HTTPEmitter: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telemetry.HTTPEmitter: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op for HTTP emitter.
func (e *HTTPEmitter) Close() error {
	return nil
}

// NopEmitter discards all events.
type NopEmitter struct{}

// NewNopEmitter creates a no-op emitter.
func NewNopEmitter() *NopEmitter {
	return &NopEmitter{}
}

// Emit discards events.
func (e *NopEmitter) Emit(events []ResolutionEvent) error {
	return nil
}

// Close is a no-op.
func (e *NopEmitter) Close() error {
	return nil
}

// MemoryEmitter stores events in memory (for testing).
type MemoryEmitter struct {
	mu     sync.Mutex
	events []ResolutionEvent
}

// NewMemoryEmitter creates a memory-backed emitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// Emit stores events.
func (e *MemoryEmitter) Emit(events []ResolutionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, events...)
	return nil
}

// Close is a no-op.
func (e *MemoryEmitter) Close() error {
	return nil
}

// Events returns all stored events.
func (e *MemoryEmitter) Events() []ResolutionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ResolutionEvent, len(e.events))
	copy(out, e.events)
	return out
}

// Len returns the number of stored events.
func (e *MemoryEmitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}
