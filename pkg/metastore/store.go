// Package metastore records which chunks exist for each aggregation.
//
// Every mutation of an aggregation's chunk set happens under a new revision.
// A process that has seen revision r catches up by applying LoadChunksSince(r):
// drop the superseded chunks it holds, add the new ones.
package metastore

import (
	"context"
	"errors"
	"time"

	"github.com/eunmann/olapcube/pkg/chunk"
)

var (
	// ErrConflict indicates a consolidation whose originals are no longer live.
	ErrConflict = errors.New("consolidation conflict")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("metadata store closed")
)

// Delta is the change to an aggregation's live chunk set after a revision.
type Delta struct {
	// New holds chunks created after the revision that are still live.
	New []*chunk.Chunk
	// Superseded holds chunks live at the revision that have since been
	// consolidated away.
	Superseded []chunk.ID
	// Revision is the latest revision covered by the delta.
	Revision int64
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.New) == 0 && len(d.Superseded) == 0
}

// Store is the metadata collaborator of an aggregation.
type Store interface {
	// AllocateChunkID returns a new, never reused chunk ID. IDs increase.
	AllocateChunkID(ctx context.Context) (chunk.ID, error)

	// RecordNewChunks registers freshly written chunks under a new revision
	// and stamps their RevisionID.
	RecordNewChunks(ctx context.Context, aggID string, chunks []*chunk.Chunk) (int64, error)

	// MarkConsolidationStarted notes that ids are being consolidated and
	// returns a job id for logs.
	MarkConsolidationStarted(ctx context.Context, aggID string, ids []chunk.ID) (string, error)

	// CommitConsolidation atomically supersedes original and registers added
	// under one new revision. It fails with ErrConflict when an original is
	// unknown or already superseded.
	CommitConsolidation(ctx context.Context, aggID string, original []chunk.ID, added []*chunk.Chunk) (int64, error)

	// LoadChunksSince returns the delta after revision rev. Revision 0 loads
	// every live chunk.
	LoadChunksSince(ctx context.Context, aggID string, rev int64) (Delta, error)

	// ChunksSupersededBefore lists superseded chunks retired before cutoff.
	ChunksSupersededBefore(ctx context.Context, aggID string, cutoff time.Time) ([]chunk.ID, error)

	// PurgeChunks forgets superseded chunks once their data is deleted.
	PurgeChunks(ctx context.Context, aggID string, ids []chunk.ID) error

	Close() error
}
