package logging

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	return m
}

func TestEventFields(t *testing.T) {
	Init(false, false)
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	ConsolidationComplete(log, 2*time.Second).
		Str("aggregation", "events").
		Str("strategy", "hot_segment").
		Int("chunks_in", 3).
		Count("records", 5000).
		Rate("records", 5000).
		Log("consolidated")

	m := decodeLine(t, &buf)
	if m["event"] != "consolidation_completed" {
		t.Errorf("expected event consolidation_completed, got %v", m["event"])
	}
	if m["duration_ms"] != float64(2000) {
		t.Errorf("expected duration_ms 2000, got %v", m["duration_ms"])
	}
	if m["records_per_sec"] != float64(2500) {
		t.Errorf("expected records_per_sec 2500, got %v", m["records_per_sec"])
	}
	if _, ok := m["records_h"]; ok {
		t.Error("human companions must only appear in pretty mode")
	}
	if m["level"] != "info" {
		t.Errorf("expected info level, got %v", m["level"])
	}
}

func TestEventPrettyCompanions(t *testing.T) {
	Init(false, true)
	defer Init(false, false)

	var buf bytes.Buffer
	log := zerolog.New(&buf)
	IngestComplete(log, 1500*time.Millisecond).
		Count("records", 1500000).
		Bytes("memory", 2048).
		Log("ingested")

	m := decodeLine(t, &buf)
	if m["records_h"] != "1.50M" {
		t.Errorf("expected records_h 1.50M, got %v", m["records_h"])
	}
	if m["memory_h"] != "2.00 KiB" {
		t.Errorf("expected memory_h 2.00 KiB, got %v", m["memory_h"])
	}
	if m["duration_h"] != "1.50s" {
		t.Errorf("expected duration_h 1.50s, got %v", m["duration_h"])
	}
}

func TestEventDebugLevel(t *testing.T) {
	Init(true, false)
	defer Init(false, false)

	var buf bytes.Buffer
	ChunkWritten(zerolog.New(&buf), time.Millisecond).Int("chunk_id", 7).LogDebug("chunk written")
	m := decodeLine(t, &buf)
	if m["level"] != "debug" {
		t.Errorf("expected debug level, got %v", m["level"])
	}
}

func TestEventZeroElapsedSkipsRate(t *testing.T) {
	var buf bytes.Buffer
	QueryComplete(zerolog.New(&buf), 0).Rate("records", 10).Log("done")
	m := decodeLine(t, &buf)
	if _, ok := m["records_per_sec"]; ok {
		t.Error("rate must be omitted for zero duration")
	}
}
