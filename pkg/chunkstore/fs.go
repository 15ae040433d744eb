package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/fileutil"
	"github.com/eunmann/olapcube/pkg/record"
)

// FSStore keeps one file per chunk in a directory. Files are written under a
// temporary name and renamed into place on Close.
type FSStore struct {
	dir         string
	compression Compression
}

// NewFSStore creates dir if needed and removes temporary files left by
// writers that never finished.
func NewFSStore(dir string, c Compression) (*FSStore, error) {
	if _, err := c.code(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	if err := fileutil.CleanupTmpFiles(dir); err != nil {
		return nil, err
	}
	return &FSStore{dir: dir, compression: c}, nil
}

// Path returns the file path of a chunk.
func (s *FSStore) Path(id chunk.ID) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.chunk", id))
}

// fileWriter encodes straight into an atomic file.
type fileWriter struct {
	id   chunk.ID
	file *fileutil.AtomicFile
	enc  *Encoder
}

func (s *FSStore) OpenWriter(_ context.Context, id chunk.ID) (Writer, error) {
	f, err := fileutil.CreateAtomic(s.Path(id))
	if err != nil {
		return nil, IOError("create", id, err)
	}
	enc, err := NewEncoder(f, s.compression)
	if err != nil {
		f.Abort()
		return nil, IOError("create", id, err)
	}
	return &fileWriter{id: id, file: f, enc: enc}, nil
}

func (w *fileWriter) Write(r record.Record) error {
	if err := w.enc.Encode(r); err != nil {
		if errors.Is(err, ErrUnsupportedType) {
			return err
		}
		return IOError("write", w.id, err)
	}
	return nil
}

func (w *fileWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		w.file.Abort()
		return IOError("finish", w.id, err)
	}
	if err := w.file.Commit(); err != nil {
		return IOError("commit", w.id, err)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	return w.file.Abort()
}

func (s *FSStore) OpenReader(_ context.Context, id chunk.ID) (Reader, error) {
	f, err := os.Open(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, IOError("open", id, ErrNotFound)
	}
	if err != nil {
		return nil, IOError("open", id, err)
	}
	dec, err := NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, IOError("open", id, err)
	}
	return &decodeReader{Decoder: dec, id: id, src: f}, nil
}

// Delete removes a chunk file. Deleting a missing chunk is not an error.
func (s *FSStore) Delete(_ context.Context, id chunk.ID) error {
	err := os.Remove(s.Path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return IOError("delete", id, err)
	}
	return nil
}
