package metastore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/primarykey"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newStores(t *testing.T, clock *fakeClock) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(DefaultSQLiteConfig(filepath.Join(t.TempDir(), "meta.db")))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemStore().WithClock(clock.now),
		"sqlite": sqlite.WithClock(clock.now),
	}
}

func newChunk(t *testing.T, s Store, lo, hi int) *chunk.Chunk {
	t.Helper()
	id, err := s.AllocateChunkID(context.Background())
	require.NoError(t, err)
	return chunk.New(id, []string{"views", "clicks"},
		primarykey.Of(primarykey.Date(lo), "a"), primarykey.Of(primarykey.Date(hi), "z"), int64(hi-lo+1))
}

func TestAllocateChunkIDIncreases(t *testing.T) {
	for name, s := range newStores(t, &fakeClock{}) {
		t.Run(name, func(t *testing.T) {
			var prev chunk.ID
			for range 5 {
				id, err := s.AllocateChunkID(context.Background())
				require.NoError(t, err)
				assert.Greater(t, id, prev)
				prev = id
			}
		})
	}
}

func TestRecordAndLoad(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t, &fakeClock{}) {
		t.Run(name, func(t *testing.T) {
			a, b := newChunk(t, s, 1, 3), newChunk(t, s, 2, 5)
			rev, err := s.RecordNewChunks(ctx, "events", []*chunk.Chunk{a, b})
			require.NoError(t, err)
			assert.Equal(t, rev, a.RevisionID)

			other := newChunk(t, s, 1, 1)
			_, err = s.RecordNewChunks(ctx, "other", []*chunk.Chunk{other})
			require.NoError(t, err)

			d, err := s.LoadChunksSince(ctx, "events", 0)
			require.NoError(t, err)
			require.Len(t, d.New, 2)
			assert.Empty(t, d.Superseded)
			assert.Equal(t, a.ID, d.New[0].ID)
			assert.Equal(t, []string{"clicks", "views"}, d.New[0].Fields)
			assert.True(t, a.MinKey.Equal(d.New[0].MinKey))
			assert.True(t, b.MaxKey.Equal(d.New[1].MaxKey))
			assert.Equal(t, b.Count, d.New[1].Count)
			assert.Equal(t, rev, d.New[0].RevisionID)

			d2, err := s.LoadChunksSince(ctx, "events", d.Revision)
			require.NoError(t, err)
			assert.True(t, d2.Empty())
			assert.Equal(t, d.Revision, d2.Revision)
		})
	}
}

func TestCommitConsolidation(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	for name, s := range newStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			a, b := newChunk(t, s, 1, 3), newChunk(t, s, 2, 5)
			rev1, err := s.RecordNewChunks(ctx, "events", []*chunk.Chunk{a, b})
			require.NoError(t, err)

			job, err := s.MarkConsolidationStarted(ctx, "events", []chunk.ID{a.ID, b.ID})
			require.NoError(t, err)
			assert.NotEmpty(t, job)

			c := newChunk(t, s, 1, 5)
			rev2, err := s.CommitConsolidation(ctx, "events", []chunk.ID{a.ID, b.ID}, []*chunk.Chunk{c})
			require.NoError(t, err)
			assert.Greater(t, rev2, rev1)
			assert.Equal(t, rev2, c.RevisionID)

			d, err := s.LoadChunksSince(ctx, "events", rev1)
			require.NoError(t, err)
			assert.Equal(t, []chunk.ID{a.ID, b.ID}, d.Superseded)
			require.Len(t, d.New, 1)
			assert.Equal(t, c.ID, d.New[0].ID)

			full, err := s.LoadChunksSince(ctx, "events", 0)
			require.NoError(t, err)
			assert.Empty(t, full.Superseded)
			assert.Equal(t, []chunk.ID{c.ID}, chunk.IDs(full.New))

			_, err = s.CommitConsolidation(ctx, "events", []chunk.ID{a.ID}, nil)
			assert.ErrorIs(t, err, ErrConflict)
		})
	}
}

func TestConflictLeavesOriginalsLive(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t, &fakeClock{}) {
		t.Run(name, func(t *testing.T) {
			a := newChunk(t, s, 1, 2)
			_, err := s.RecordNewChunks(ctx, "events", []*chunk.Chunk{a})
			require.NoError(t, err)

			c := newChunk(t, s, 1, 2)
			_, err = s.CommitConsolidation(ctx, "events", []chunk.ID{a.ID, 999}, []*chunk.Chunk{c})
			assert.ErrorIs(t, err, ErrConflict)

			d, err := s.LoadChunksSince(ctx, "events", 0)
			require.NoError(t, err)
			assert.Equal(t, []chunk.ID{a.ID}, chunk.IDs(d.New))
		})
	}
}

func TestCommitRejectsRecordedChunkID(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t, &fakeClock{}) {
		t.Run(name, func(t *testing.T) {
			a, b := newChunk(t, s, 1, 2), newChunk(t, s, 3, 4)
			_, err := s.RecordNewChunks(ctx, "events", []*chunk.Chunk{a, b})
			require.NoError(t, err)

			dup := chunk.New(b.ID, b.Fields, b.MinKey, b.MaxKey, b.Count)
			_, err = s.CommitConsolidation(ctx, "events", []chunk.ID{a.ID}, []*chunk.Chunk{dup})
			assert.ErrorIs(t, err, ErrConflict)

			d, err := s.LoadChunksSince(ctx, "events", 0)
			require.NoError(t, err)
			assert.Equal(t, []chunk.ID{a.ID, b.ID}, chunk.IDs(d.New))
			assert.Empty(t, d.Superseded)
		})
	}
}

func TestSQLiteConstraintClassification(t *testing.T) {
	assert.True(t, isConstraintViolation(fmt.Errorf("insert chunk 4: %w",
		sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey})))
	assert.True(t, isConstraintViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.False(t, isConstraintViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}))
	assert.False(t, isConstraintViolation(errors.New("UNIQUE constraint failed: chunks.id")))
}

func TestSupersededCleanup(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	for name, s := range newStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			a, b := newChunk(t, s, 1, 3), newChunk(t, s, 2, 5)
			_, err := s.RecordNewChunks(ctx, "events", []*chunk.Chunk{a, b})
			require.NoError(t, err)
			c := newChunk(t, s, 1, 5)
			_, err = s.CommitConsolidation(ctx, "events", []chunk.ID{a.ID, b.ID}, []*chunk.Chunk{c})
			require.NoError(t, err)

			ids, err := s.ChunksSupersededBefore(ctx, "events", clock.t)
			require.NoError(t, err)
			assert.Empty(t, ids)

			ids, err = s.ChunksSupersededBefore(ctx, "events", clock.t.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, []chunk.ID{a.ID, b.ID}, ids)

			require.NoError(t, s.PurgeChunks(ctx, "events", append(ids, c.ID)))
			ids, err = s.ChunksSupersededBefore(ctx, "events", clock.t.Add(time.Minute))
			require.NoError(t, err)
			assert.Empty(t, ids)

			d, err := s.LoadChunksSince(ctx, "events", 0)
			require.NoError(t, err)
			assert.Equal(t, []chunk.ID{c.ID}, chunk.IDs(d.New), "live chunks are never purged")
		})
	}
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := OpenSQLite(DefaultSQLiteConfig(path))
	require.NoError(t, err)
	id, err := s.AllocateChunkID(ctx)
	require.NoError(t, err)
	c := chunk.New(id, []string{"views"}, primarykey.Of(1, 2.5, true), primarykey.Of(3, -1.0, false), 7)
	_, err = s.RecordNewChunks(ctx, "events", []*chunk.Chunk{c})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(DefaultSQLiteConfig(path))
	require.NoError(t, err)
	defer s.Close()
	d, err := s.LoadChunksSince(ctx, "events", 0)
	require.NoError(t, err)
	require.Len(t, d.New, 1)
	assert.Equal(t, c.MinKey.String(), d.New[0].MinKey.String())

	next, err := s.AllocateChunkID(ctx)
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestSQLiteConfigValidate(t *testing.T) {
	cfg := DefaultSQLiteConfig("")
	assert.Error(t, cfg.Validate())

	cfg = DefaultSQLiteConfig("x.db")
	cfg.Synchronous = "SOMETIMES"
	assert.Error(t, cfg.Validate())

	cfg.Synchronous = "NORMAL"
	assert.NoError(t, cfg.Validate())
}
