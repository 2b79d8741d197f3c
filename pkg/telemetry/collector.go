package telemetry

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// CollectorConfig configures resolution-trace collection.
type CollectorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Sink     string `yaml:"sink"` // "stdout", "file", "http", "log", "nop"
	FilePath string `yaml:"file_path"`
	Endpoint string `yaml:"endpoint"`
	// SampleResolved is the fraction of fully resolved events kept.
	// Events with any fallback source are always kept.
	SampleResolved float64       `yaml:"sample_resolved"` // 0.1 = 10%
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
}

// Collector collects and batches resolution events.
type Collector struct {
	cfg     CollectorConfig
	emitter Emitter

	batch []ResolutionEvent
	mu    sync.Mutex

	// Async flush
	flushCh chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewCollector creates a collector with the sink named in cfg.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	var emitter Emitter
	switch cfg.Sink {
	case "stdout":
		emitter = NewStdoutEmitter()
	case "file":
		var err error
		path := cfg.FilePath
		if path == "" {
			path = "/var/log/emgdash/resolution.jsonl"
		}
		emitter, err = NewFileEmitter(path)
		if err != nil {
			return nil, err
		}
	case "log":
		emitter = LogEmitter{}
	case "http":
		addr := cfg.Endpoint
		if addr == "" {
			addr = "http://localhost:8080"
		}
		emitter = NewHTTPEmitter(addr)
	default:
		emitter = NewNopEmitter()
	}
	return NewCollectorWithEmitter(cfg, emitter), nil
}

// NewCollectorWithEmitter creates a collector writing to emitter.
func NewCollectorWithEmitter(cfg CollectorConfig, emitter Emitter) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.SampleResolved <= 0 {
		cfg.SampleResolved = 0.1
	}

	c := &Collector{
		cfg:     cfg,
		emitter: emitter,
		batch:   make([]ResolutionEvent, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.flushLoop()
	return c
}

// Record adds an event. Non-blocking. Safe on a nil Collector.
func (c *Collector) Record(evt ResolutionEvent) {
	if c == nil || !c.cfg.Enabled {
		return
	}

	if !evt.Unresolved() && !shouldSample(c.cfg.SampleResolved) {
		return
	}

	c.mu.Lock()
	c.batch = append(c.batch, evt)
	shouldFlush := len(c.batch) >= c.cfg.BatchSize
	c.mu.Unlock()

	if shouldFlush {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush forces a flush of the current batch.
func (c *Collector) Flush() {
	c.flush()
}

// Close flushes remaining events and closes the emitter.
func (c *Collector) Close() error {
	close(c.closeCh)
	c.wg.Wait()
	return c.emitter.Close()
}

// Events returns all currently batched events (for testing).
func (c *Collector) Events() []ResolutionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ResolutionEvent, len(c.batch))
	copy(out, c.batch)
	return out
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			c.flush() // Final flush
			return
		case <-c.flushCh:
			c.flush()
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.batch) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.batch
	c.batch = make([]ResolutionEvent, 0, c.cfg.BatchSize)
	c.mu.Unlock()

	// Drop on error; traces are diagnostics only.
	if err := c.emitter.Emit(batch); err != nil {
		slog.Warn("telemetry flush failed", "component", "telemetry", "count", len(batch), "error", err)
	}
}

func shouldSample(rate float64) bool {
	if rate >= 1.0 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}
