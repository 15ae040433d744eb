// Package memdiag logs heap usage next to the memory budget while long
// operations such as ingestion and consolidation run.
//
// The tracker is inert unless enabled; the CLI enables it with --debug and
// optionally serves pprof with --pprof.
package memdiag

import (
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	// Registers pprof handlers on DefaultServeMux for the pprof HTTP server.
	_ "net/http/pprof"

	"github.com/rs/zerolog"

	"github.com/eunmann/olapcube/pkg/humanfmt"
	"github.com/eunmann/olapcube/pkg/logging"
)

// Config holds configuration for memory diagnostics.
type Config struct {
	// Enabled controls whether memory diagnostics are active.
	Enabled bool

	// PprofAddr starts a pprof server on this address when non-empty.
	PprofAddr string

	// LogInterval is the interval for periodic memory logging.
	LogInterval time.Duration
}

// DefaultConfig returns a disabled configuration with a 5s interval.
func DefaultConfig() Config {
	return Config{LogInterval: 5 * time.Second}
}

// Stats holds memory statistics from runtime.
type Stats struct {
	HeapAlloc  uint64
	HeapSys    uint64
	HeapInuse  uint64
	StackInuse uint64
	Sys        uint64
	NumGC      uint32
	// GCCPUFraction is the fraction of CPU used by GC.
	GCCPUFraction float64
}

// Read reads current memory statistics.
func Read() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Stats{
		HeapAlloc:     m.HeapAlloc,
		HeapSys:       m.HeapSys,
		HeapInuse:     m.HeapInuse,
		StackInuse:    m.StackInuse,
		Sys:           m.Sys,
		NumGC:         m.NumGC,
		GCCPUFraction: m.GCCPUFraction,
	}
}

// BudgetReader is the part of a memory budget the tracker reports on.
type BudgetReader interface {
	Total() uint64
	InUse() uint64
}

// Tracker tracks memory usage over time with periodic logging.
type Tracker struct {
	config  Config
	budget  BudgetReader
	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool
	stopped atomic.Bool

	mu       sync.Mutex
	phase    string
	peakHeap uint64
}

// NewTracker creates a memory tracker. budget may be nil.
func NewTracker(config Config, budget BudgetReader) *Tracker {
	if config.LogInterval <= 0 {
		config.LogInterval = DefaultConfig().LogInterval
	}
	return &Tracker{
		config: config,
		budget: budget,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		phase:  "init",
	}
}

// Start begins periodic memory logging if enabled.
func (t *Tracker) Start() {
	if !t.config.Enabled || !t.started.CompareAndSwap(false, true) {
		return
	}

	log := logging.WithComponent("memdiag")
	log.Info().Msg("memory diagnostics enabled")

	if addr := t.config.PprofAddr; addr != "" {
		go func() {
			log.Info().Str("addr", addr).Msg("starting pprof server")
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go t.logLoop()
}

// Stop stops the tracker and logs a final sample. It is safe to call more
// than once and on a tracker that never started.
func (t *Tracker) Stop() {
	if !t.started.Load() || !t.stopped.CompareAndSwap(false, true) {
		return
	}
	close(t.stopCh)
	<-t.doneCh
}

// SetPhase names the operation in progress and logs a sample.
func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()
	t.LogNow("phase_change")
}

// Phase returns the current phase.
func (t *Tracker) Phase() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Sample reads memory stats and updates the peak heap.
func (t *Tracker) Sample() Stats {
	stats := Read()
	t.mu.Lock()
	if stats.HeapAlloc > t.peakHeap {
		t.peakHeap = stats.HeapAlloc
	}
	t.mu.Unlock()
	return stats
}

// LogNow logs current memory stats immediately.
func (t *Tracker) LogNow(reason string) {
	if !t.config.Enabled {
		return
	}
	stats := t.Sample()

	t.mu.Lock()
	phase, peak := t.phase, t.peakHeap
	t.mu.Unlock()

	log := logging.WithComponent("memdiag")
	ev := log.Debug().
		Str("reason", reason).
		Str("phase", phase).
		Str("heap_alloc", mb(stats.HeapAlloc)).
		Str("heap_inuse", mb(stats.HeapInuse)).
		Str("stack_inuse", mb(stats.StackInuse)).
		Str("sys_total", mb(stats.Sys)).
		Str("peak_heap", mb(peak)).
		Uint32("num_gc", stats.NumGC).
		Float64("gc_cpu_pct", stats.GCCPUFraction*100)
	t.withBudget(ev, stats, log)
	ev.Msg("memory stats")
}

// withBudget adds budget fields and warns when the heap runs far ahead of
// the reserved bytes, which means some allocation is not being accounted.
func (t *Tracker) withBudget(ev *zerolog.Event, stats Stats, log zerolog.Logger) {
	if t.budget == nil {
		return
	}
	inUse := t.budget.InUse()
	ev.Str("budget_inuse", mb(inUse)).Str("budget_total", mb(t.budget.Total()))
	if inUse == 0 {
		return
	}
	ratio := float64(stats.HeapAlloc) / float64(inUse)
	ev.Float64("heap_vs_budget_ratio", ratio)
	if ratio > 2.0 && inUse > 100<<20 {
		log.Warn().
			Str("heap_alloc", mb(stats.HeapAlloc)).
			Str("budget_inuse", mb(inUse)).
			Float64("ratio", ratio).
			Msg("heap usage significantly exceeds budget tracking")
	}
}

// PeakHeap returns the peak heap allocation seen.
func (t *Tracker) PeakHeap() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peakHeap
}

func (t *Tracker) logLoop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.config.LogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			t.LogNow("shutdown")
			return
		case <-ticker.C:
			t.LogNow("periodic")
		}
	}
}

func mb(b uint64) string {
	return humanfmt.Bytes(int64(b))
}
