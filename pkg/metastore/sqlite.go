package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/logging"
	"github.com/eunmann/olapcube/pkg/primarykey"
)

// SQLiteConfig holds configuration for the SQLite metadata store.
type SQLiteConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string
	// Synchronous sets the SQLite synchronous pragma. "FULL" is the default,
	// metadata commits must survive a crash.
	Synchronous string
	// BusyTimeout bounds how long a writer waits for a lock held by another
	// process.
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default configuration for dbPath.
func DefaultSQLiteConfig(dbPath string) SQLiteConfig {
	return SQLiteConfig{
		DBPath:      dbPath,
		Synchronous: "FULL",
		BusyTimeout: 10 * time.Second,
	}
}

// Validate checks configuration values.
func (c *SQLiteConfig) Validate() error {
	if c.DBPath == "" {
		return errors.New("DBPath is required")
	}
	switch c.Synchronous {
	case "", "OFF", "NORMAL", "FULL":
	default:
		return fmt.Errorf("invalid Synchronous value %q: must be OFF, NORMAL, or FULL", c.Synchronous)
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("BusyTimeout must be non-negative, got %s", c.BusyTimeout)
	}
	return nil
}

// SQLiteStore persists chunk metadata in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens a metadata database.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = "FULL"
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection: writers serialize in-process.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA synchronous=%s", cfg.Synchronous),
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log := logging.WithComponent("metastore")
	log.Debug().
		Str("db_path", cfg.DBPath).
		Str("synchronous", cfg.Synchronous).
		Msg("opened SQLite metadata store")

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// WithClock replaces the time source used for supersede timestamps.
func (s *SQLiteStore) WithClock(now func() time.Time) *SQLiteStore {
	s.now = now
	return s
}

func createSchema(db *sql.DB) error {
	stmts := []struct{ name, sql string }{
		{"chunk_ids", `
			CREATE TABLE IF NOT EXISTS chunk_ids (
				id INTEGER PRIMARY KEY AUTOINCREMENT
			)`},
		{"revisions", `
			CREATE TABLE IF NOT EXISTS revisions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				aggregation TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`},
		{"chunks", `
			CREATE TABLE IF NOT EXISTS chunks (
				id INTEGER PRIMARY KEY,
				aggregation TEXT NOT NULL,
				fields TEXT NOT NULL,
				min_key BLOB NOT NULL,
				max_key BLOB NOT NULL,
				record_count INTEGER NOT NULL,
				created_rev INTEGER NOT NULL REFERENCES revisions(id),
				superseded_rev INTEGER REFERENCES revisions(id),
				superseded_at INTEGER
			)`},
		{"chunks index", `
			CREATE INDEX IF NOT EXISTS idx_chunks_agg ON chunks(aggregation, created_rev)`},
		{"consolidations", `
			CREATE TABLE IF NOT EXISTS consolidations (
				job_id TEXT PRIMARY KEY,
				aggregation TEXT NOT NULL,
				chunk_ids TEXT NOT NULL,
				started_at INTEGER NOT NULL
			)`},
	}
	for _, st := range stmts {
		if _, err := db.Exec(st.sql); err != nil {
			return fmt.Errorf("create %s: %w", st.name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AllocateChunkID(ctx context.Context) (chunk.ID, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO chunk_ids DEFAULT VALUES")
	if err != nil {
		return 0, fmt.Errorf("allocate chunk id: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("allocate chunk id: %w", err)
	}
	return chunk.ID(id), nil
}

// withTx runs fn in a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) newRevision(ctx context.Context, tx *sql.Tx, aggID string) (int64, error) {
	res, err := tx.ExecContext(ctx, "INSERT INTO revisions (aggregation, created_at) VALUES (?, ?)",
		aggID, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert revision: %w", err)
	}
	return res.LastInsertId()
}

// isConstraintViolation reports a duplicate chunk row. A clash on the
// integer primary key reports the primary key code, not the unique one.
func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func insertChunks(ctx context.Context, tx *sql.Tx, aggID string, rev int64, chunks []*chunk.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, aggregation, fields, min_key, max_key, record_count, created_rev)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		fields, err := json.Marshal(c.Fields)
		if err != nil {
			return fmt.Errorf("encode fields of chunk %d: %w", c.ID, err)
		}
		minKey, err := c.MinKey.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode min key of chunk %d: %w", c.ID, err)
		}
		maxKey, err := c.MaxKey.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode max key of chunk %d: %w", c.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, int64(c.ID), aggID, string(fields), minKey, maxKey, c.Count, rev); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) RecordNewChunks(ctx context.Context, aggID string, chunks []*chunk.Chunk) (int64, error) {
	var rev int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if rev, err = s.newRevision(ctx, tx, aggID); err != nil {
			return err
		}
		return insertChunks(ctx, tx, aggID, rev, chunks)
	})
	if err != nil {
		return 0, fmt.Errorf("record new chunks: %w", err)
	}
	for _, c := range chunks {
		c.RevisionID = rev
	}
	return rev, nil
}

func (s *SQLiteStore) MarkConsolidationStarted(ctx context.Context, aggID string, ids []chunk.ID) (string, error) {
	job := uuid.NewString()
	encoded, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode chunk ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO consolidations (job_id, aggregation, chunk_ids, started_at) VALUES (?, ?, ?, ?)",
		job, aggID, string(encoded), s.now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("mark consolidation started: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) CommitConsolidation(ctx context.Context, aggID string, original []chunk.ID, added []*chunk.Chunk) (int64, error) {
	var rev int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if rev, err = s.newRevision(ctx, tx, aggID); err != nil {
			return err
		}
		now := s.now().UnixNano()
		for _, id := range original {
			res, err := tx.ExecContext(ctx, `
				UPDATE chunks SET superseded_rev = ?, superseded_at = ?
				WHERE id = ? AND aggregation = ? AND superseded_rev IS NULL`,
				rev, now, int64(id), aggID)
			if err != nil {
				return fmt.Errorf("supersede chunk %d: %w", id, err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("supersede chunk %d: %w", id, err)
			} else if n != 1 {
				return fmt.Errorf("chunk %d is not live: %w", id, ErrConflict)
			}
		}
		if err := insertChunks(ctx, tx, aggID, rev, added); err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("%w: %w", ErrConflict, err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("commit consolidation: %w", err)
	}
	for _, c := range added {
		c.RevisionID = rev
	}
	return rev, nil
}

func (s *SQLiteStore) LoadChunksSince(ctx context.Context, aggID string, rev int64) (Delta, error) {
	d := Delta{Revision: rev}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx, "SELECT MAX(id) FROM revisions").Scan(&latest); err != nil {
			return fmt.Errorf("query latest revision: %w", err)
		}
		if latest.Valid {
			d.Revision = max(rev, latest.Int64)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, fields, min_key, max_key, record_count, created_rev
			FROM chunks
			WHERE aggregation = ? AND created_rev > ? AND superseded_rev IS NULL
			ORDER BY id`, aggID, rev)
		if err != nil {
			return fmt.Errorf("query new chunks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanChunk(rows)
			if err != nil {
				return err
			}
			d.New = append(d.New, c)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate new chunks: %w", err)
		}

		ids, err := queryIDs(ctx, tx, `
			SELECT id FROM chunks
			WHERE aggregation = ? AND created_rev <= ? AND superseded_rev > ?
			ORDER BY id`, aggID, rev, rev)
		if err != nil {
			return fmt.Errorf("query superseded chunks: %w", err)
		}
		d.Superseded = ids
		return nil
	})
	if err != nil {
		return Delta{}, fmt.Errorf("load chunks since %d: %w", rev, err)
	}
	return d, nil
}

func scanChunk(rows *sql.Rows) (*chunk.Chunk, error) {
	var (
		id, count, rev   int64
		fields           string
		minBlob, maxBlob []byte
	)
	if err := rows.Scan(&id, &fields, &minBlob, &maxBlob, &count, &rev); err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	var names []string
	if err := json.Unmarshal([]byte(fields), &names); err != nil {
		return nil, fmt.Errorf("decode fields of chunk %d: %w", id, err)
	}
	var minKey, maxKey primarykey.Key
	if err := minKey.UnmarshalBinary(minBlob); err != nil {
		return nil, fmt.Errorf("decode min key of chunk %d: %w", id, err)
	}
	if err := maxKey.UnmarshalBinary(maxBlob); err != nil {
		return nil, fmt.Errorf("decode max key of chunk %d: %w", id, err)
	}
	c := chunk.New(chunk.ID(id), names, minKey, maxKey, count)
	c.RevisionID = rev
	return c, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]chunk.ID, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []chunk.ID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, chunk.ID(id))
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) ChunksSupersededBefore(ctx context.Context, aggID string, cutoff time.Time) ([]chunk.ID, error) {
	ids, err := queryIDs(ctx, s.db, `
		SELECT id FROM chunks
		WHERE aggregation = ? AND superseded_rev IS NOT NULL AND superseded_at < ?
		ORDER BY id`, aggID, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query superseded chunks: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) PurgeChunks(ctx context.Context, aggID string, ids []chunk.ID) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx,
				"DELETE FROM chunks WHERE id = ? AND aggregation = ? AND superseded_rev IS NOT NULL",
				int64(id), aggID)
			if err != nil {
				return fmt.Errorf("delete chunk %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("purge chunks: %w", err)
	}
	return nil
}
