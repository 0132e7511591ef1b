// Package pgstore is the PostgreSQL implementation of the weave store, for
// relays that run as several nodes against one database. It keeps the
// SQLite store's contract: idempotent appends keyed by (doc, origin, clock),
// per-document monotonic snapshot versions, and hash-checked reads.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS weave_operations (
    seq      BIGSERIAL PRIMARY KEY,
    doc_id   TEXT   NOT NULL,
    origin   TEXT   NOT NULL,
    clock    BIGINT NOT NULL CHECK (clock > 0),
    target   TEXT   NOT NULL,
    kind     TEXT   NOT NULL CHECK (kind IN ('insert', 'set', 'delete')),
    payload  TEXT,
    op_hash  TEXT   NOT NULL,
    UNIQUE (doc_id, origin, clock)
);
CREATE INDEX IF NOT EXISTS weave_operations_doc_seq ON weave_operations (doc_id, seq);

CREATE TABLE IF NOT EXISTS weave_snapshots (
    doc_id     TEXT   NOT NULL,
    version    BIGINT NOT NULL CHECK (version > 0),
    id         TEXT   NOT NULL UNIQUE,
    state      TEXT   NOT NULL,
    state_hash TEXT   NOT NULL,
    summary    TEXT   NOT NULL,
    author     TEXT   NOT NULL,
    label      TEXT   NOT NULL DEFAULT '',
    created_ms BIGINT NOT NULL,
    PRIMARY KEY (doc_id, version)
);
`

// Store is a PostgreSQL-backed operation log and snapshot table.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to url and applies the schema.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// AppendOperations adds operations to a document's log in one transaction,
// skipping ones already logged. Returns how many rows were new.
func (s *Store) AppendOperations(ctx context.Context, docID string, ops []ir.Operation) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}
	rows, err := store.EncodeOperations(ops)
	if err != nil {
		return 0, fmt.Errorf("append operations: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("append operations: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if committed

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO weave_operations
			(doc_id, origin, clock, target, kind, payload, op_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (doc_id, origin, clock) DO NOTHING
		`, append([]any{docID}, r.Args()...)...)
	}
	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for range rows {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("append operations: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("append operations: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("append operations: commit: %w", err)
	}
	return inserted, nil
}

// ReadOperations returns a document's whole log in arrival order.
func (s *Store) ReadOperations(ctx context.Context, docID string) ([]ir.Operation, error) {
	return s.OperationsSince(ctx, docID, nil)
}

// OperationsSince returns the logged operations not covered by summary.
func (s *Store) OperationsSince(ctx context.Context, docID string, summary ir.Summary) ([]ir.Operation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT origin, clock, target, kind, payload, op_hash
		FROM weave_operations
		WHERE doc_id = $1
		ORDER BY seq ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []ir.Operation{}
	for rows.Next() {
		var (
			origin, target, kind, hash string
			clock                      int64
			payload                    *string
		)
		if err := rows.Scan(&origin, &clock, &target, &kind, &payload, &hash); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if summary.Covers(origin, clock) {
			continue
		}
		op, err := store.DecodeOperation(origin, clock, target, kind, payload, hash)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// Summary returns the state vector of everything logged for a document.
func (s *Store) Summary(ctx context.Context, docID string) (ir.Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT origin, MAX(clock) FROM weave_operations WHERE doc_id = $1 GROUP BY origin
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	summary := ir.Summary{}
	for rows.Next() {
		var origin string
		var clock int64
		if err := rows.Scan(&origin, &clock); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summary[origin] = clock
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary: %w", err)
	}
	return summary, nil
}

// ListDocuments returns every document id with operations or snapshots.
func (s *Store) ListDocuments(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc_id FROM weave_operations
		UNION
		SELECT doc_id FROM weave_snapshots
		ORDER BY doc_id COLLATE "C"
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	if docs == nil {
		docs = []string{}
	}
	return docs, nil
}

// SaveSnapshot stores snap under the next version number for its document.
// A snapshot whose ID is already stored is returned unchanged.
func (s *Store) SaveSnapshot(ctx context.Context, snap ir.VersionSnapshot) (ir.VersionSnapshot, error) {
	if err := snap.Verify(); err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	summary, err := store.MarshalSummary(snap.Summary)
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if committed

	// Serialize version assignment per document across relay nodes.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, snap.DocID); err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: lock: %w", err)
	}

	existing, err := scanSnapshot(tx.QueryRow(ctx, selectSnapshot+` WHERE id = $1`, snap.ID))
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM weave_snapshots WHERE doc_id = $1
	`, snap.DocID).Scan(&snap.Version); err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: next version: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO weave_snapshots
		(doc_id, version, id, state, state_hash, summary, author, label, created_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, snap.DocID, snap.Version, snap.ID, string(snap.State), snap.StateHash, summary, snap.Author, snap.Label, snap.CreatedMs)
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: commit: %w", err)
	}
	return snap, nil
}

const selectSnapshot = `
	SELECT doc_id, version, id, state, state_hash, summary, author, label, created_ms
	FROM weave_snapshots`

// GetSnapshot returns one version of a document, or store.ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, docID string, version int64) (ir.VersionSnapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, selectSnapshot+`
		WHERE doc_id = $1 AND version = $2
	`, docID, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return ir.VersionSnapshot{}, fmt.Errorf("snapshot %s v%d: %w", docID, version, store.ErrNotFound)
	}
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// LatestSnapshot returns the highest version of a document, or
// store.ErrNotFound.
func (s *Store) LatestSnapshot(ctx context.Context, docID string) (ir.VersionSnapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, selectSnapshot+`
		WHERE doc_id = $1 ORDER BY version DESC LIMIT 1
	`, docID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ir.VersionSnapshot{}, fmt.Errorf("latest snapshot of %s: %w", docID, store.ErrNotFound)
	}
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns a document's version history, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, docID string) ([]ir.VersionInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc_id, version, id, state_hash, author, label, created_ms
		FROM weave_snapshots
		WHERE doc_id = $1
		ORDER BY version ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	infos, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ir.VersionInfo, error) {
		var info ir.VersionInfo
		err := row.Scan(&info.DocID, &info.Version, &info.ID, &info.StateHash, &info.Author, &info.Label, &info.CreatedMs)
		return info, err
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if infos == nil {
		infos = []ir.VersionInfo{}
	}
	return infos, nil
}

func scanSnapshot(row pgx.Row) (ir.VersionSnapshot, error) {
	var (
		snap    ir.VersionSnapshot
		state   string
		summary string
	)
	err := row.Scan(&snap.DocID, &snap.Version, &snap.ID, &state, &snap.StateHash, &summary, &snap.Author, &snap.Label, &snap.CreatedMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return ir.VersionSnapshot{}, err
	}
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.State = []byte(state)
	if snap.Summary, err = store.UnmarshalSummary(summary); err != nil {
		return ir.VersionSnapshot{}, err
	}
	return snap, nil
}

// reset drops every row. Tests only.
func (s *Store) reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE weave_operations, weave_snapshots`)
	return err
}
