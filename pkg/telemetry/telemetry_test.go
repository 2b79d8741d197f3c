package telemetry

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func resolved(path string) ResolutionEvent {
	return ResolutionEvent{
		Timestamp:       time.Now(),
		PassID:          "pass-1",
		Bucket:          "emg",
		Path:            path,
		PatientCode:     "P001",
		PatientSource:   "path",
		TherapistCode:   "T1",
		TherapistSource: "therapist_id",
		TimestampSource: "filename_timestamp",
	}
}

func unresolved(path string) ResolutionEvent {
	e := resolved(path)
	e.PatientCode = "Unknown"
	e.PatientSource = "fallback"
	return e
}

func TestCollectorRecordAndFlush(t *testing.T) {
	mem := NewMemoryEmitter()
	c := NewCollectorWithEmitter(CollectorConfig{
		Enabled:        true,
		BatchSize:      10,
		FlushInterval:  time.Hour,
		SampleResolved: 1.0,
	}, mem)

	c.Record(resolved("P001/a.c3d"))

	events := c.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 batched event, got %d", len(events))
	}
	if events[0].Path != "P001/a.c3d" {
		t.Errorf("expected Path=P001/a.c3d, got %s", events[0].Path)
	}

	c.Flush()
	if mem.Len() != 1 {
		t.Fatalf("expected 1 emitted event after flush, got %d", mem.Len())
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestCollectorBatchFlush(t *testing.T) {
	mem := NewMemoryEmitter()
	batchSize := 5
	c := NewCollectorWithEmitter(CollectorConfig{
		Enabled:        true,
		BatchSize:      batchSize,
		FlushInterval:  time.Hour,
		SampleResolved: 1.0,
	}, mem)

	for i := 0; i < batchSize; i++ {
		c.Record(resolved("a.c3d"))
	}

	deadline := time.Now().Add(time.Second)
	for mem.Len() < batchSize && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mem.Len() != batchSize {
		t.Errorf("expected %d emitted events, got %d", batchSize, mem.Len())
	}
	c.Close()
}

func TestCollectorDisabled(t *testing.T) {
	mem := NewMemoryEmitter()
	c := NewCollectorWithEmitter(CollectorConfig{Enabled: false}, mem)

	c.Record(unresolved("a.c3d"))

	if len(c.Events()) != 0 {
		t.Error("disabled collector should not record events")
	}
	c.Close()
}

func TestCollectorNilSafe(t *testing.T) {
	var c *Collector
	c.Record(resolved("a.c3d"))
}

func TestCollectorKeepsUnresolved(t *testing.T) {
	mem := NewMemoryEmitter()
	c := NewCollectorWithEmitter(CollectorConfig{
		Enabled:       true,
		BatchSize:     1000,
		FlushInterval: time.Hour,
	}, mem)
	// Force a zero sample rate past the constructor default.
	c.cfg.SampleResolved = 0

	for i := 0; i < 50; i++ {
		c.Record(resolved("ok.c3d"))
	}
	c.Record(unresolved("mystery.c3d"))

	events := c.Events()
	if len(events) != 1 {
		t.Fatalf("expected only the unresolved event, got %d", len(events))
	}
	if events[0].Path != "mystery.c3d" {
		t.Errorf("unexpected event %+v", events[0])
	}
	c.Close()
}

func TestCollectorCloseFlushesRemaining(t *testing.T) {
	mem := NewMemoryEmitter()
	c := NewCollectorWithEmitter(CollectorConfig{
		Enabled:        true,
		BatchSize:      100,
		FlushInterval:  time.Hour,
		SampleResolved: 1.0,
	}, mem)

	for i := 0; i < 3; i++ {
		c.Record(resolved("a.c3d"))
	}
	c.Close()

	if mem.Len() != 3 {
		t.Errorf("expected 3 events after close, got %d", mem.Len())
	}
}

func TestNewCollectorDefaults(t *testing.T) {
	c, err := NewCollector(CollectorConfig{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if c.cfg.BatchSize != 100 {
		t.Errorf("expected default BatchSize=100, got %d", c.cfg.BatchSize)
	}
	if c.cfg.FlushInterval != 5*time.Second {
		t.Errorf("expected default FlushInterval=5s, got %v", c.cfg.FlushInterval)
	}
	if _, ok := c.emitter.(*NopEmitter); !ok {
		t.Errorf("expected nop emitter, got %T", c.emitter)
	}
}

func TestNewCollectorSinks(t *testing.T) {
	tests := []struct {
		sink string
		want string
	}{
		{"stdout", "*telemetry.JSONLEmitter"},
		{"log", "telemetry.LogEmitter"},
		{"http", "*telemetry.HTTPEmitter"},
		{"", "*telemetry.NopEmitter"},
	}
	for _, tt := range tests {
		t.Run(tt.sink, func(t *testing.T) {
			c, err := NewCollector(CollectorConfig{Enabled: true, Sink: tt.sink, Endpoint: "http://localhost:9999"})
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()
			if got := typeName(c.emitter); got != tt.want {
				t.Errorf("sink %q: got %s, want %s", tt.sink, got, tt.want)
			}
		})
	}
}

func TestNewCollectorFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolution.jsonl")

	c, err := NewCollector(CollectorConfig{Enabled: true, Sink: "file", FilePath: path, SampleResolved: 1})
	if err != nil {
		t.Fatal(err)
	}

	c.Record(resolved("P001/a.c3d"))
	c.Record(unresolved("b.c3d"))
	c.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []ResolutionEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e ResolutionEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[1].PatientSource != "fallback" {
		t.Errorf("expected fallback patient source, got %s", lines[1].PatientSource)
	}
}

func TestFileEmitterBadPath(t *testing.T) {
	_, err := NewFileEmitter("/nonexistent/path/file.jsonl")
	if err == nil {
		t.Error("expected error for bad path")
	}
}

func TestMemoryEmitter(t *testing.T) {
	m := NewMemoryEmitter()
	if err := m.Emit([]ResolutionEvent{resolved("a"), resolved("b")}); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 2 {
		t.Errorf("expected 2 events, got %d", m.Len())
	}
	stored := m.Events()
	if stored[0].Path != "a" || stored[1].Path != "b" {
		t.Error("events not stored correctly")
	}
}

func TestLogEmitter(t *testing.T) {
	var e LogEmitter
	if err := e.Emit([]ResolutionEvent{unresolved("a.c3d")}); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestShouldSample(t *testing.T) {
	if !shouldSample(1.0) {
		t.Error("expected sample at rate 1.0")
	}
	if shouldSample(0.0) {
		t.Error("expected no sample at rate 0.0")
	}
	if shouldSample(-1.0) {
		t.Error("expected no sample at rate -1.0")
	}
}

func TestHTTPEmitter(t *testing.T) {
	var received []ResolutionEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/traces" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var events []ResolutionEvent
		if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received = append(received, events...)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	emitter := NewHTTPEmitter(srv.URL + "/")
	if err := emitter.Emit([]ResolutionEvent{resolved("a"), unresolved("b")}); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 received events, got %d", len(received))
	}
	if received[1].PatientCode != "Unknown" {
		t.Errorf("expected Unknown, got %s", received[1].PatientCode)
	}
}

func TestHTTPEmitterServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewHTTPEmitter(srv.URL).Emit([]ResolutionEvent{resolved("a")}); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestHTTPEmitterBadURL(t *testing.T) {
	if err := NewHTTPEmitter("http://127.0.0.1:1").Emit([]ResolutionEvent{resolved("a")}); err == nil {
		t.Error("expected error for bad URL")
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *JSONLEmitter:
		return "*telemetry.JSONLEmitter"
	case LogEmitter:
		return "telemetry.LogEmitter"
	case *HTTPEmitter:
		return "*telemetry.HTTPEmitter"
	case *NopEmitter:
		return "*telemetry.NopEmitter"
	}
	return "unknown"
}
