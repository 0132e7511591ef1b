package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/weave/internal/ir"
)

// AppendOperations adds operations to a document's log in one transaction.
// Uses ON CONFLICT(doc_id, origin, clock) DO NOTHING for idempotency -
// operations already logged are silently skipped. Returns how many rows
// were new.
//
// Operations are validated first; one invalid operation fails the batch.
func (s *Store) AppendOperations(ctx context.Context, docID string, ops []ir.Operation) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}
	rows, err := EncodeOperations(ops)
	if err != nil {
		return 0, fmt.Errorf("append operations: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append operations: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO operations
		(doc_id, origin, clock, target, kind, payload, op_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id, origin, clock) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("append operations: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx, append([]any{docID}, r.Args()...)...)
		if err != nil {
			return 0, fmt.Errorf("append operations: %s@%d: %w", r.origin, r.clock, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("append operations: rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append operations: commit: %w", err)
	}
	return inserted, nil
}

// OperationRow is an operation flattened to its stored columns.
type OperationRow struct {
	origin  string
	clock   int64
	target  string
	kind    string
	payload *string
	hash    string
}

// Args returns the row's values in column order
// (origin, clock, target, kind, payload, op_hash).
func (r OperationRow) Args() []any {
	return []any{r.origin, r.clock, r.target, r.kind, r.payload, r.hash}
}

// EncodeOperations validates ops and flattens them for insertion.
func EncodeOperations(ops []ir.Operation) ([]OperationRow, error) {
	rows := make([]OperationRow, 0, len(ops))
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, ir.NewMalformedError(fmt.Sprintf("operation %s", op.Stamp()), err)
		}
		payload, err := MarshalPayload(op.Payload)
		if err != nil {
			return nil, err
		}
		hash, err := ir.OperationHash(op)
		if err != nil {
			return nil, err
		}
		rows = append(rows, OperationRow{
			origin:  op.Origin,
			clock:   op.Clock,
			target:  op.Target.String(),
			kind:    string(op.Kind),
			payload: payload,
			hash:    hash,
		})
	}
	return rows, nil
}

// SaveSnapshot stores snap under the next version number for its document
// and returns it with Version set. The snapshot's hash is checked first.
//
// Saving a snapshot whose ID already exists returns the stored one
// unchanged, so a retried save does not mint a second version.
func (s *Store) SaveSnapshot(ctx context.Context, snap ir.VersionSnapshot) (ir.VersionSnapshot, error) {
	if err := snap.Verify(); err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	summary, err := MarshalSummary(snap.Summary)
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	existing, err := scanSnapshot(tx.QueryRowContext(ctx, selectSnapshot+` WHERE id = ?`, snap.ID))
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM snapshots WHERE doc_id = ?
	`, snap.DocID).Scan(&next); err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: next version: %w", err)
	}
	snap.Version = next

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots
		(doc_id, version, id, state, state_hash, summary, author, label, created_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.DocID,
		snap.Version,
		snap.ID,
		string(snap.State),
		snap.StateHash,
		summary,
		snap.Author,
		snap.Label,
		snap.CreatedMs,
	)
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("save snapshot: commit: %w", err)
	}
	return snap, nil
}
