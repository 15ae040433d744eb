package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/record"
)

// bufferedWriter encodes a chunk into memory and hands the bytes to commit
// when closed.
type bufferedWriter struct {
	id     chunk.ID
	buf    bytes.Buffer
	enc    *Encoder
	commit func([]byte) error
	done   bool
}

func newBufferedWriter(id chunk.ID, c Compression, commit func([]byte) error) (*bufferedWriter, error) {
	w := &bufferedWriter{id: id, commit: commit}
	enc, err := NewEncoder(&w.buf, c)
	if err != nil {
		return nil, err
	}
	w.enc = enc
	return w, nil
}

func (w *bufferedWriter) Write(r record.Record) error {
	return w.enc.Encode(r)
}

func (w *bufferedWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.enc.Close(); err != nil {
		return IOError("finish", w.id, err)
	}
	if err := w.commit(w.buf.Bytes()); err != nil {
		return IOError("commit", w.id, err)
	}
	return nil
}

func (w *bufferedWriter) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}

// decodeReader closes the decoder and then its source.
type decodeReader struct {
	*Decoder
	id  chunk.ID
	src io.Closer
}

func (r *decodeReader) Next() (record.Record, error) {
	rec, err := r.Decoder.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, IOError("read", r.id, err)
	}
	return rec, err
}

func (r *decodeReader) Close() error {
	r.Decoder.Close()
	if r.src != nil {
		src := r.src
		r.src = nil
		return src.Close()
	}
	return nil
}

// MemStore keeps encoded chunks in memory. It is safe for concurrent use.
type MemStore struct {
	compression Compression

	mu     sync.RWMutex
	chunks map[chunk.ID][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore(c Compression) *MemStore {
	return &MemStore{compression: c, chunks: make(map[chunk.ID][]byte)}
}

func (s *MemStore) OpenWriter(_ context.Context, id chunk.ID) (Writer, error) {
	return newBufferedWriter(id, s.compression, func(b []byte) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.chunks[id] = bytes.Clone(b)
		return nil
	})
}

func (s *MemStore) OpenReader(_ context.Context, id chunk.ID) (Reader, error) {
	s.mu.RLock()
	b, ok := s.chunks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, IOError("open", id, ErrNotFound)
	}
	dec, err := NewDecoder(bytes.NewReader(b))
	if err != nil {
		return nil, IOError("open", id, err)
	}
	return &decodeReader{Decoder: dec, id: id}, nil
}

func (s *MemStore) Delete(_ context.Context, id chunk.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, id)
	return nil
}

// Has reports whether a chunk is stored.
func (s *MemStore) Has(id chunk.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chunks[id]
	return ok
}

// Len returns the number of stored chunks.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}
