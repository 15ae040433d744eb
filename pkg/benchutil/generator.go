// Package benchutil provides synthetic data generation for benchmarks and testing.
package benchutil

import (
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
	"github.com/eunmann/olapcube/pkg/stream"
)

// EventSchema is the schema of generated records: keyed by day, site and
// country, with a sum, a max, a last and a count field.
func EventSchema() record.Schema {
	return record.Schema{
		Keys: []record.KeyField{
			{Name: "day", Type: record.KeyDate},
			{Name: "site", Type: record.KeyInt},
			{Name: "country", Type: record.KeyString},
		},
		Fields: []record.Field{
			record.MustField("clicks", record.ReducerSum),
			record.MustField("peak_latency", record.ReducerMax),
			record.MustField("last_user", record.ReducerLast),
			record.MustField("hits", record.ReducerCount),
		},
	}
}

// GeneratorConfig configures synthetic data generation.
type GeneratorConfig struct {
	// NumRecords is the total number of records to generate.
	NumRecords int
	// Days is the number of distinct days, counted from Start.
	Days int
	// Sites is the number of distinct sites.
	Sites int
	// Countries is the number of distinct countries, at most len(countries).
	Countries int
	// Start is the first generated day.
	Start time.Time
	// Sorted emits records in day order, the way append-only logs arrive.
	// Otherwise days are drawn uniformly.
	Sorted bool
	// Seed for reproducible generation. 0 = use default seed.
	Seed int64
}

// DefaultConfig returns a reasonable default configuration.
func DefaultConfig(numRecords int) GeneratorConfig {
	return GeneratorConfig{
		NumRecords: numRecords,
		Days:       90,
		Sites:      200,
		Countries:  20,
		Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Seed:       BenchmarkSeed,
	}
}

var countries = []string{
	"AR", "AU", "BR", "CA", "CN", "DE", "ES", "FR", "GB", "IN",
	"IT", "JP", "KR", "MX", "NL", "PL", "RU", "SE", "TR", "US",
}

// Generator generates synthetic event records.
type Generator struct {
	cfg   GeneratorConfig
	rng   *rand.Rand
	start primarykey.Date
	n     int
}

// NewGenerator creates a new data generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = BenchmarkSeed
	}
	cfg.Days = max(cfg.Days, 1)
	cfg.Sites = max(cfg.Sites, 1)
	cfg.Countries = min(max(cfg.Countries, 1), len(countries))
	return &Generator{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		start: primarykey.DateOf(cfg.Start),
	}
}

// Generate returns all remaining records as a slice.
func (g *Generator) Generate() []record.Record {
	out := make([]record.Record, 0, g.cfg.NumRecords-g.n)
	for g.n < g.cfg.NumRecords {
		out = append(out, g.next())
	}
	return out
}

// Iterator streams the remaining records without materializing them.
func (g *Generator) Iterator() stream.Iterator {
	return &genIterator{g: g}
}

type genIterator struct {
	g *Generator
}

func (it *genIterator) Next() (record.Record, error) {
	if it.g.n >= it.g.cfg.NumRecords {
		return nil, io.EOF
	}
	return it.g.next(), nil
}

func (it *genIterator) Close() error { return nil }

func (g *Generator) next() record.Record {
	var day int
	if g.cfg.Sorted {
		day = g.n * g.cfg.Days / max(g.cfg.NumRecords, 1)
	} else {
		day = g.rng.Intn(g.cfg.Days)
	}
	g.n++
	return record.Record{
		"day":          g.start + primarykey.Date(day),
		"site":         int64(g.site()),
		"country":      countries[g.rng.Intn(g.cfg.Countries)],
		"clicks":       int64(1 + g.rng.Intn(20)),
		"peak_latency": g.latency(),
		"last_user":    fmt.Sprintf("user_%05d", g.rng.Intn(100000)),
		"hits":         int64(1),
	}
}

// site skews traffic towards low site ids, as real sites are long-tailed.
func (g *Generator) site() int {
	if g.rng.Intn(10) < 7 {
		return g.rng.Intn(max(g.cfg.Sites/10, 1))
	}
	return g.rng.Intn(g.cfg.Sites)
}

func (g *Generator) latency() float64 {
	// Log-normal-ish distribution: mostly fast, some slow
	switch g.rng.Intn(10) {
	case 0:
		return 500 + g.rng.Float64()*4500
	case 1, 2:
		return 100 + g.rng.Float64()*400
	default:
		return 5 + g.rng.Float64()*95
	}
}
