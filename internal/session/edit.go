package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
	"github.com/roach88/weave/internal/version"
	"github.com/roach88/weave/internal/wire"
)

// VersionSource loads stored snapshots. store.Store and pgstore.Store
// satisfy it.
type VersionSource interface {
	GetSnapshot(ctx context.Context, docID string, version int64) (ir.VersionSnapshot, error)
}

// ErrNoVersions is returned by Restore when no VersionSource is configured.
var ErrNoVersions = errors.New("session has no version source")

// Mutate applies a local change and queues its operations. It never waits
// for the network.
func (s *Session) Mutate(c doc.Change) ([]ir.Operation, error) {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	tx, err := s.doc.Transact(c)
	s.commit(tx, true)
	return tx.Ops, err
}

// Undo reverts the most recent local transaction.
func (s *Session) Undo() ([]ir.Operation, error) {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	tx, err := s.history.Undo()
	s.commit(tx, false)
	return tx.Ops, err
}

// Redo re-applies the most recently undone transaction.
func (s *Session) Redo() ([]ir.Operation, error) {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	tx, err := s.history.Redo()
	s.commit(tx, false)
	return tx.Ops, err
}

// Restore brings the document back to stored version v by emitting new
// operations. The restore is one undoable transaction. Fields other clients
// edited after the snapshot are listed in the report; report.Err returns
// them as a RestoreConflict.
func (s *Session) Restore(ctx context.Context, v int64) (version.Report, error) {
	if s.versions == nil {
		return version.Report{}, ErrNoVersions
	}
	snap, err := s.versions.GetSnapshot(ctx, s.doc.ID(), v)
	if err != nil {
		return version.Report{}, fmt.Errorf("restore v%d: %w", v, err)
	}
	if err := snap.Verify(); err != nil {
		return version.Report{}, err
	}
	s.editMu.Lock()
	defer s.editMu.Unlock()
	tx, report, err := version.Restore(s.doc, snap)
	s.commit(tx, true)
	return report, err
}

// Save asks the relay to snapshot the document under label. It fails with a
// TransportError while the session is not live.
func (s *Session) Save(label string) error {
	if !s.queueControl(wire.Frame{Type: wire.FrameSave, DocID: s.doc.ID(), Label: label}) {
		return ir.NewTransportError(s.doc.ID(), "save", fmt.Errorf("session is %s", s.State()))
	}
	return nil
}

// SetCursor records the local cursor; moves are coalesced and sent at most
// once per throttle window. Nil means the pointer left the canvas.
func (s *Session) SetCursor(c *ir.Cursor) {
	s.presence.SetCursor(c)
}

// SetSelection records the selected node ids and broadcasts them at once
// when live.
func (s *Session) SetSelection(ids []string) {
	p := s.presence.SetSelection(ids)
	s.queueControl(s.presenceFrame(p))
}

// commit logs a local transaction for transmission. Operations already
// applied by a failed change are committed too: they are part of the
// replica.
func (s *Session) commit(tx doc.Transaction, record bool) {
	if tx.Empty() {
		return
	}
	if err := s.log.Append(tx.Ops...); err != nil {
		s.logger.Error("logging local operations", "error", err)
		return
	}
	if record {
		s.history.Record(tx)
	}
	s.wake()
}
