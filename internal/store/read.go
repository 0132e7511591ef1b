package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/weave/internal/ir"
)

// ReadOperations returns a document's whole log in arrival order.
// Returns an empty slice (not nil) if the document has no operations.
func (s *Store) ReadOperations(ctx context.Context, docID string) ([]ir.Operation, error) {
	return s.OperationsSince(ctx, docID, nil)
}

// OperationsSince returns the logged operations not covered by summary, in
// arrival order. This is the delta a replica holding summary is missing.
func (s *Store) OperationsSince(ctx context.Context, docID string, summary ir.Summary) ([]ir.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT origin, clock, target, kind, payload, op_hash
		FROM operations
		WHERE doc_id = ?
		ORDER BY seq ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []ir.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		if summary.Covers(op.Origin, op.Clock) {
			continue
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT origin, MAX(clock)
		FROM operations
		WHERE doc_id = ?
		GROUP BY origin
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

// ListDocuments returns the ids of every document with logged operations or
// snapshots, sorted.
func (s *Store) ListDocuments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id FROM operations
		UNION
		SELECT doc_id FROM snapshots
		ORDER BY doc_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		docs = append(docs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

const selectSnapshot = `
	SELECT doc_id, version, id, state, state_hash, summary, author, label, created_ms
	FROM snapshots`

// GetSnapshot returns one version of a document, or ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, docID string, version int64) (ir.VersionSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, selectSnapshot+`
		WHERE doc_id = ? AND version = ?
	`, docID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.VersionSnapshot{}, fmt.Errorf("snapshot %s v%d: %w", docID, version, ErrNotFound)
	}
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// LatestSnapshot returns the highest version of a document, or ErrNotFound.
func (s *Store) LatestSnapshot(ctx context.Context, docID string) (ir.VersionSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, selectSnapshot+`
		WHERE doc_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, docID))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.VersionSnapshot{}, fmt.Errorf("latest snapshot of %s: %w", docID, ErrNotFound)
	}
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns a document's version history, oldest first, without
// state payloads.
func (s *Store) ListSnapshots(ctx context.Context, docID string) ([]ir.VersionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, version, id, state_hash, author, label, created_ms
		FROM snapshots
		WHERE doc_id = ?
		ORDER BY version ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	infos := []ir.VersionInfo{}
	for rows.Next() {
		var info ir.VersionInfo
		if err := rows.Scan(&info.DocID, &info.Version, &info.ID, &info.StateHash, &info.Author, &info.Label, &info.CreatedMs); err != nil {
			return nil, fmt.Errorf("scan snapshot info: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return infos, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (ir.Operation, error) {
	var (
		origin, target, kind, hash string
		clock                      int64
		payload                    sql.NullString
	)
	if err := row.Scan(&origin, &clock, &target, &kind, &payload, &hash); err != nil {
		return ir.Operation{}, fmt.Errorf("scan operation: %w", err)
	}
	var p *string
	if payload.Valid {
		p = &payload.String
	}
	return DecodeOperation(origin, clock, target, kind, p, hash)
}

// scanSnapshot returns sql.ErrNoRows unwrapped so callers can map it.
func scanSnapshot(row scanner) (ir.VersionSnapshot, error) {
	var (
		snap    ir.VersionSnapshot
		state   string
		summary string
	)
	err := row.Scan(&snap.DocID, &snap.Version, &snap.ID, &state, &snap.StateHash, &summary, &snap.Author, &snap.Label, &snap.CreatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.VersionSnapshot{}, err
	}
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.State = []byte(state)
	if snap.Summary, err = UnmarshalSummary(summary); err != nil {
		return ir.VersionSnapshot{}, err
	}
	return snap, nil
}
