// Package logctx carries a zerolog logger in a context.Context so that
// engine operations log with the fields of the call that started them.
//
//	ctx = logctx.WithAggregation(ctx, "events")
//	log := logctx.FromContext(ctx)
//	log.Debug().Msg("planning query")
package logctx

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/logging"
)

type loggerKey struct{}

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the context logger, or the process logger when the
// context carries none.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return logger
		}
	}
	return *logging.L()
}

// WithStr returns a context whose logger has the string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	return WithLogger(ctx, FromContext(ctx).With().Str(key, value).Logger())
}

// WithAggregation tags the context logger with the aggregation id.
func WithAggregation(ctx context.Context, aggID string) context.Context {
	return WithStr(ctx, "aggregation", aggID)
}

// WithChunk tags the context logger with a chunk id.
func WithChunk(ctx context.Context, id chunk.ID) context.Context {
	return WithLogger(ctx, FromContext(ctx).With().Int64("chunk_id", int64(id)).Logger())
}

// WithJob tags the context logger with a consolidation job id.
func WithJob(ctx context.Context, jobID string) context.Context {
	return WithStr(ctx, "job_id", jobID)
}
