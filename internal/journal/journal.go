// Package journal records processed utterances in PostgreSQL.
//
// The journal is write-only telemetry: the pipeline appends one row per
// finalized utterance and never reads it back. Append failures are logged by
// the caller and never affect a running session.
//
// Usage:
//
//	j, err := journal.Open(ctx, dsn)
//	if err != nil { … }
//	defer j.Close()
//	coord := pipeline.New(deps, pipeline.WithJournal(j))
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/pipeline"
)

// DB is the subset of [pgxpool.Pool] the journal uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

var _ DB = (*pgxpool.Pool)(nil)

// Journal is a PostgreSQL-backed [pipeline.Journal]. It is safe for
// concurrent use.
type Journal struct {
	db    DB
	close func()
	newID func() uuid.UUID
	now   func() time.Time
}

var _ pipeline.Journal = (*Journal)(nil)

// Open connects to the database at dsn, verifies the connection and runs
// [Migrate].
func Open(ctx context.Context, dsn string) (*Journal, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	j := New(pool)
	j.close = pool.Close
	return j, nil
}

// New wraps an existing connection. The caller owns db; [Journal.Close] is a
// no-op for journals built this way.
func New(db DB) *Journal {
	return &Journal{db: db, close: func() {}, newID: uuid.New, now: time.Now}
}

// Append inserts e. A zero CreatedAt is replaced by the current time.
func (j *Journal) Append(ctx context.Context, e pipeline.JournalEntry) error {
	const q = `
		INSERT INTO utterances
		    (id, session_id, original, source_language, target_language,
		     translation, latency_ns, synthesis_skipped, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	created := e.CreatedAt
	if created.IsZero() {
		created = j.now()
	}
	_, err := j.db.Exec(ctx, q,
		j.newID().String(),
		e.SessionID,
		e.Original,
		e.SourceLanguage,
		e.TargetLanguage,
		e.Translation,
		e.Latency.Nanoseconds(),
		e.SynthesisSkipped,
		created,
	)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	if err := j.db.Ping(ctx); err != nil {
		return fmt.Errorf("journal: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool opened by [Open].
func (j *Journal) Close() { j.close() }
