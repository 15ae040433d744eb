package benchutil

import (
	"os"
	"testing"
)

// Shared constants for benchmarks across packages.

// BenchmarkSeed is the default seed for reproducible benchmark data generation.
const BenchmarkSeed = 42

// Standard benchmark sizes for quick runs.
var BenchmarkSizes = []int{1000, 10000, 100000}

// ScalingSizes are larger sizes for comprehensive scaling tests.
// Used with OLAPCUBE_LONG_BENCH=1 environment variable.
var ScalingSizes = []int{10000, 100000, 500000, 1000000}

// SkipIfNoLongBench skips the benchmark if OLAPCUBE_LONG_BENCH is not set.
func SkipIfNoLongBench(b *testing.B) {
	if os.Getenv("OLAPCUBE_LONG_BENCH") == "" {
		b.Skip("set OLAPCUBE_LONG_BENCH=1 to run scaling benchmark")
	}
}
