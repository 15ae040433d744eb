// Package membudget bounds the memory held by in-memory pre-aggregation.
//
// Callers reserve an estimate before growing a buffer and release it when
// the buffer is flushed. A refused TryReserve is the signal to flush.
package membudget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// DefaultBudgetBytes is the fallback budget when system RAM cannot be detected.
const DefaultBudgetBytes uint64 = 1 << 30

// ErrExceedsBudget is returned for a reservation larger than the whole budget.
var ErrExceedsBudget = errors.New("reservation exceeds total budget")

// Source indicates how the budget size was determined.
type Source string

const (
	SourceConfig    Source = "config"
	SourceSystemRAM Source = "system-ram"
	SourceDefault   Source = "default"
)

// Budget tracks reserved bytes against a fixed total. It is safe for
// concurrent use.
type Budget struct {
	total  uint64
	source Source

	mu       sync.Mutex
	inUse    uint64
	released chan struct{}
}

// New returns a budget of total bytes.
func New(total uint64, source Source) *Budget {
	return &Budget{total: total, source: source, released: make(chan struct{})}
}

// FromSystemRAM returns a budget of fraction of detected RAM, or
// DefaultBudgetBytes when detection fails.
func FromSystemRAM(fraction float64) *Budget {
	mem, ok := systemMemory()
	if !ok || mem == 0 || fraction <= 0 {
		return New(DefaultBudgetBytes, SourceDefault)
	}
	return New(uint64(float64(mem)*min(fraction, 1)), SourceSystemRAM)
}

// Total returns the total budget in bytes.
func (b *Budget) Total() uint64 { return b.total }

// Source returns how the budget was determined.
func (b *Budget) Source() Source { return b.source }

// InUse returns the currently reserved bytes.
func (b *Budget) InUse() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// Available returns the unreserved bytes.
func (b *Budget) Available() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total - b.inUse
}

// TryReserve reserves n bytes if they fit and reports whether it did.
func (b *Budget) TryReserve(n uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserveLocked(n)
}

func (b *Budget) reserveLocked(n uint64) bool {
	if n > b.total-b.inUse {
		return false
	}
	b.inUse += n
	return true
}

// Reserve blocks until n bytes fit or ctx is done.
func (b *Budget) Reserve(ctx context.Context, n uint64) error {
	if n > b.total {
		return fmt.Errorf("reserve %d of %d bytes: %w", n, b.total, ErrExceedsBudget)
	}
	for {
		b.mu.Lock()
		if b.reserveLocked(n) {
			b.mu.Unlock()
			return nil
		}
		wait := b.released
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Release returns n bytes to the budget and wakes blocked reservations.
// Releasing more than is reserved clamps at zero.
func (b *Budget) Release(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inUse -= min(n, b.inUse)
	close(b.released)
	b.released = make(chan struct{})
}

// Stats is a snapshot of budget usage.
type Stats struct {
	TotalBytes     uint64
	InUseBytes     uint64
	AvailableBytes uint64
	Source         Source
	UsagePercent   float64
}

// Stats returns current budget statistics.
func (b *Budget) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		TotalBytes:     b.total,
		InUseBytes:     b.inUse,
		AvailableBytes: b.total - b.inUse,
		Source:         b.source,
	}
	if b.total > 0 {
		s.UsagePercent = float64(b.inUse) / float64(b.total) * 100
	}
	return s
}

var sizeSuffixes = map[string]float64{
	"":    1,
	"B":   1,
	"KB":  1e3,
	"K":   1 << 10,
	"KiB": 1 << 10,
	"MB":  1e6,
	"M":   1 << 20,
	"MiB": 1 << 20,
	"GB":  1e9,
	"G":   1 << 30,
	"GiB": 1 << 30,
	"TB":  1e12,
	"T":   1 << 40,
	"TiB": 1 << 40,
}

// ParseHumanSize parses sizes such as "512MiB", "4GB" or "1024".
func ParseHumanSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size string")
	}
	numEnd := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if numEnd < 0 {
		numEnd = len(s)
	}

	num, err := strconv.ParseFloat(s[:numEnd], 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid number: %q", s[:numEnd])
	}
	mult, ok := sizeSuffixes[strings.TrimSpace(s[numEnd:])]
	if !ok {
		return 0, fmt.Errorf("unknown size suffix: %q", s[numEnd:])
	}
	return uint64(num * mult), nil
}
