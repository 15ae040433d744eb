package metastore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eunmann/olapcube/pkg/chunk"
)

type memEntry struct {
	agg           string
	chunk         chunk.Chunk
	createdRev    int64
	supersededRev int64
	supersededAt  time.Time
}

// MemStore is an in-process Store. It is safe for concurrent use.
type MemStore struct {
	mu      sync.Mutex
	now     func() time.Time
	nextID  chunk.ID
	rev     int64
	entries map[chunk.ID]*memEntry
	jobs    map[string][]chunk.ID
	closed  bool
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		now:     time.Now,
		entries: make(map[chunk.ID]*memEntry),
		jobs:    make(map[string][]chunk.ID),
	}
}

// WithClock replaces the time source used for supersede timestamps.
func (s *MemStore) WithClock(now func() time.Time) *MemStore {
	s.now = now
	return s
}

func (s *MemStore) AllocateChunkID(context.Context) (chunk.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.nextID++
	return s.nextID, nil
}

func (s *MemStore) RecordNewChunks(_ context.Context, aggID string, chunks []*chunk.Chunk) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	for _, c := range chunks {
		if _, ok := s.entries[c.ID]; ok {
			return 0, fmt.Errorf("record chunk %d: already recorded", c.ID)
		}
	}
	s.rev++
	s.add(aggID, chunks)
	return s.rev, nil
}

func (s *MemStore) add(aggID string, chunks []*chunk.Chunk) {
	for _, c := range chunks {
		c.RevisionID = s.rev
		s.entries[c.ID] = &memEntry{agg: aggID, chunk: *c, createdRev: s.rev}
	}
}

func (s *MemStore) MarkConsolidationStarted(_ context.Context, _ string, ids []chunk.ID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	job := uuid.NewString()
	s.jobs[job] = slices.Clone(ids)
	return job, nil
}

func (s *MemStore) CommitConsolidation(_ context.Context, aggID string, original []chunk.ID, added []*chunk.Chunk) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	for _, id := range original {
		e, ok := s.entries[id]
		if !ok || e.agg != aggID || e.supersededRev != 0 {
			return 0, fmt.Errorf("commit consolidation: chunk %d is not live: %w", id, ErrConflict)
		}
	}
	for _, c := range added {
		if _, ok := s.entries[c.ID]; ok {
			return 0, fmt.Errorf("commit consolidation: chunk %d already recorded: %w", c.ID, ErrConflict)
		}
	}

	s.rev++
	now := s.now()
	for _, id := range original {
		e := s.entries[id]
		e.supersededRev = s.rev
		e.supersededAt = now
	}
	s.add(aggID, added)
	return s.rev, nil
}

func (s *MemStore) LoadChunksSince(_ context.Context, aggID string, rev int64) (Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Delta{}, ErrClosed
	}
	d := Delta{Revision: max(rev, s.rev)}
	for id, e := range s.entries {
		if e.agg != aggID {
			continue
		}
		switch {
		case e.createdRev > rev && e.supersededRev == 0:
			c := e.chunk
			d.New = append(d.New, &c)
		case e.createdRev <= rev && e.supersededRev > rev:
			d.Superseded = append(d.Superseded, id)
		}
	}
	chunk.SortByID(d.New)
	slices.Sort(d.Superseded)
	return d, nil
}

func (s *MemStore) ChunksSupersededBefore(_ context.Context, aggID string, cutoff time.Time) ([]chunk.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var ids []chunk.ID
	for id, e := range s.entries {
		if e.agg == aggID && e.supersededRev != 0 && e.supersededAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemStore) PurgeChunks(_ context.Context, aggID string, ids []chunk.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, id := range ids {
		if e, ok := s.entries[id]; ok && e.agg == aggID && e.supersededRev != 0 {
			delete(s.entries, id)
		}
	}
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
