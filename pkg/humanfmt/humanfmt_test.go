package humanfmt

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	cases := map[int64]string{
		0:                 "0 B",
		512:               "512 B",
		KiB:               "1.00 KiB",
		3 * KiB / 2:       "1.50 KiB",
		64 * MiB:          "64.00 MiB",
		4*GiB + 256*MiB:   "4.25 GiB",
		2 * TiB:           "2.00 TiB",
		-7:                "-7 B",
		KiB - 1:           "1023 B",
		100*MiB + 100*KiB: "100.10 MiB",
	}
	for in, want := range cases {
		assert.Equal(t, want, Bytes(in), "Bytes(%d)", in)
	}
}

func TestCount(t *testing.T) {
	cases := map[int64]string{
		0:             "0",
		42:            "42",
		100_000:       "100.00K",
		2_500_000:     "2.50M",
		7_000_000_000: "7.00B",
		-3:            "-3",
	}
	for in, want := range cases {
		assert.Equal(t, want, Count(in), "Count(%d)", in)
	}
}

func TestRate(t *testing.T) {
	tests := []struct {
		n    int64
		d    time.Duration
		want string
	}{
		{0, time.Second, "0/s"},
		{500, 2 * time.Second, "250/s"},
		{100_000, 4 * time.Second, "25.00K/s"},
		{1_200_000, 200 * time.Millisecond, "6.00M/s"},
		{1, 0, "∞"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Rate(tt.n, tt.d), "Rate(%d, %v)", tt.n, tt.d)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0ns"},
		{750 * time.Nanosecond, "750ns"},
		{2500 * time.Nanosecond, "2.5µs"},
		{42 * time.Millisecond, "42.0ms"},
		{3210 * time.Millisecond, "3.21s"},
		{2 * time.Minute, "2m"},
		{125 * time.Second, "2m5s"},
		{26 * time.Hour, "26h"},
		{90 * time.Minute, "1h30m"},
		{-time.Second, "-1s"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, Duration(tt.in))
		})
	}
}

func BenchmarkCount(b *testing.B) {
	for i := range b.N {
		_ = Count(int64(i) * 997)
	}
}
