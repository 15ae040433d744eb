// Package chunkstore persists chunk contents.
//
// A Store writes and reads the ordered records of one chunk by chunk ID. What
// is read back equals, record for record and in order, what was written.
// Implementations cover memory, a local directory, S3 and Parquet files.
package chunkstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/record"
)

var (
	// ErrIO wraps every physical read, write or delete failure.
	ErrIO = errors.New("chunk storage i/o failure")
	// ErrNotFound indicates the chunk does not exist in the store.
	ErrNotFound = errors.New("chunk not found")
	// ErrUnsupportedType indicates a record value the encoding cannot represent.
	ErrUnsupportedType = errors.New("unsupported value type")
	// ErrCorrupt indicates stored bytes that do not decode.
	ErrCorrupt = errors.New("corrupt chunk data")
)

// IOError marks err as a storage failure while keeping it inspectable.
func IOError(op string, id chunk.ID, err error) error {
	return fmt.Errorf("%s chunk %d: %w: %w", op, id, ErrIO, err)
}

// Reader yields the records of one chunk in write order. Next returns io.EOF
// at the end.
type Reader interface {
	Next() (record.Record, error)
	Close() error
}

// Writer accepts the records of one chunk. The chunk becomes readable only
// after Close succeeds; Abort discards it.
type Writer interface {
	Write(r record.Record) error
	Close() error
	Abort() error
}

// Store is the physical chunk storage used by the engine.
type Store interface {
	OpenReader(ctx context.Context, id chunk.ID) (Reader, error)
	OpenWriter(ctx context.Context, id chunk.ID) (Writer, error)
	Delete(ctx context.Context, id chunk.ID) error
}
