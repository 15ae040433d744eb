package logging

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/olapcube/pkg/humanfmt"
)

// Event builds a structured completion log line with consistent fields:
// event name, duration, and optional human-readable companions in pretty mode.
type Event struct {
	log     zerolog.Logger
	event   string
	elapsed time.Duration
	fields  map[string]any
}

// NewEvent creates a completion event builder.
func NewEvent(log zerolog.Logger, event string, elapsed time.Duration) *Event {
	return &Event{
		log:     log,
		event:   event,
		elapsed: elapsed,
		fields:  make(map[string]any),
	}
}

// Str adds a string field.
func (e *Event) Str(key, val string) *Event {
	e.fields[key] = val
	return e
}

// Int adds an int field.
func (e *Event) Int(key string, val int) *Event {
	e.fields[key] = val
	return e
}

// Count adds a count with a human-readable companion.
func (e *Event) Count(key string, n int64) *Event {
	e.fields[key] = n
	if IsPrettyMode() {
		e.fields[key+"_h"] = humanfmt.Count(n)
	}
	return e
}

// Bytes adds a byte size with a human-readable companion.
func (e *Event) Bytes(key string, n int64) *Event {
	e.fields[key] = n
	if IsPrettyMode() {
		e.fields[key+"_h"] = humanfmt.Bytes(n)
	}
	return e
}

// Rate adds a per-second rate of n over the event duration.
func (e *Event) Rate(key string, n int64) *Event {
	if e.elapsed > 0 {
		e.fields[key+"_per_sec"] = float64(n) / e.elapsed.Seconds()
		if IsPrettyMode() {
			e.fields[key+"_rate_h"] = humanfmt.Rate(n, e.elapsed)
		}
	}
	return e
}

func (e *Event) emit(ev *zerolog.Event, msg string) {
	ev = ev.Str("event", e.event).Int64("duration_ms", e.elapsed.Milliseconds())
	if IsPrettyMode() {
		ev = ev.Str("duration_h", humanfmt.Duration(e.elapsed))
	}
	for k, v := range e.fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Log emits the event at info level.
func (e *Event) Log(msg string) {
	e.emit(e.log.Info(), msg)
}

// LogDebug emits the event at debug level.
func (e *Event) LogDebug(msg string) {
	e.emit(e.log.Debug(), msg)
}

// IngestComplete starts an event for a finished ingest batch.
func IngestComplete(log zerolog.Logger, elapsed time.Duration) *Event {
	return NewEvent(log, "ingest_completed", elapsed)
}

// ConsolidationComplete starts an event for a committed consolidation.
func ConsolidationComplete(log zerolog.Logger, elapsed time.Duration) *Event {
	return NewEvent(log, "consolidation_completed", elapsed)
}

// QueryComplete starts an event for a fully drained query.
func QueryComplete(log zerolog.Logger, elapsed time.Duration) *Event {
	return NewEvent(log, "query_completed", elapsed)
}

// ChunkWritten starts an event for one chunk persisted by a chunker.
func ChunkWritten(log zerolog.Logger, elapsed time.Duration) *Event {
	return NewEvent(log, "chunk_written", elapsed)
}
