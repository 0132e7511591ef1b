// Package undo keeps a client's local history of reversible transactions.
//
// Only transactions generated by the local client are recorded; remote
// operations never touch the stacks. Undoing applies inverse operations as
// new, mergeable operations through the document, so the reversal itself
// converges like any other edit. Field inverses are guarded: if another
// client wrote the field after us, that write is left alone.
package undo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
)

// DefaultLimit bounds each stack.
const DefaultLimit = 100

// ErrNothingToUndo is returned by Undo on an empty past stack.
var ErrNothingToUndo = errors.New("nothing to undo")

// ErrNothingToRedo is returned by Redo on an empty future stack.
var ErrNothingToRedo = errors.New("nothing to redo")

// Entry is one reversible transaction.
type Entry struct {
	Seq     int64
	Origin  string
	Ops     []ir.Operation
	Inverse []doc.Inverse
}

// Manager owns the past and future stacks of one client.
//
// Thread-safety: safe for concurrent use via internal mutex.
type Manager struct {
	mu      sync.Mutex
	doc     *doc.Document
	limit   int
	seq     int64
	past    []Entry
	future  []Entry
	aliases doc.Aliases
}

// Option configures a Manager.
type Option func(*Manager)

// WithLimit bounds each stack. Oldest entries are dropped first.
func WithLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.limit = n
		}
	}
}

// New creates a manager for d.
func New(d *doc.Document, opts ...Option) *Manager {
	m := &Manager{doc: d, limit: DefaultLimit, aliases: doc.Aliases{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record pushes a local transaction and clears the redo stack. Empty
// transactions and transactions that are not entirely local are ignored.
func (m *Manager) Record(tx doc.Transaction) bool {
	if tx.Empty() || len(tx.Inverse) == 0 {
		return false
	}
	origin := m.doc.ClientID()
	for _, op := range tx.Ops {
		if op.Origin != origin {
			return false
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.past = m.push(m.past, m.entry(tx))
	m.future = nil
	return true
}

func (m *Manager) entry(tx doc.Transaction) Entry {
	m.seq++
	return Entry{Seq: m.seq, Origin: m.doc.ClientID(), Ops: tx.Ops, Inverse: tx.Inverse}
}

func (m *Manager) push(stack []Entry, e Entry) []Entry {
	stack = append(stack, e)
	if over := len(stack) - m.limit; over > 0 {
		stack = append(stack[:0:0], stack[over:]...)
	}
	return stack
}

// Undo reverts the most recent local entry and moves it to the redo stack.
// It returns the operations to transmit, which may be fewer than the entry's
// inverses when other clients have since overwritten some fields.
func (m *Manager) Undo() (doc.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.past) == 0 {
		return doc.Transaction{}, ErrNothingToUndo
	}
	e := m.past[len(m.past)-1]
	m.past = m.past[:len(m.past)-1]
	tx, err := m.doc.Revert(e.Inverse, m.aliases)
	m.past, m.future = m.settle(e, tx, err, m.past, m.future)
	if err != nil {
		return tx, fmt.Errorf("undo #%d: %w", e.Seq, err)
	}
	return tx, nil
}

// settle files the outcome of reverting e, popped from from: the applied
// operations move to to, even when the revert stopped part-way. A revert
// that failed before applying anything leaves e where it was.
func (m *Manager) settle(e Entry, tx doc.Transaction, err error, from, to []Entry) ([]Entry, []Entry) {
	switch {
	case !tx.Empty():
		to = m.push(to, m.entry(tx))
	case err != nil:
		from = append(from, e)
	}
	return from, to
}

// Redo re-applies the most recently undone entry.
func (m *Manager) Redo() (doc.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.future) == 0 {
		return doc.Transaction{}, ErrNothingToRedo
	}
	e := m.future[len(m.future)-1]
	m.future = m.future[:len(m.future)-1]
	tx, err := m.doc.Revert(e.Inverse, m.aliases)
	m.future, m.past = m.settle(e, tx, err, m.future, m.past)
	if err != nil {
		return tx, fmt.Errorf("redo #%d: %w", e.Seq, err)
	}
	return tx, nil
}

// CanUndo reports whether the past stack is non-empty.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.past) > 0
}

// CanRedo reports whether the future stack is non-empty.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.future) > 0
}

// Depth returns the sizes of the past and future stacks.
func (m *Manager) Depth() (past, future int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.past), len(m.future)
}

// Clear drops both stacks.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.past, m.future = nil, nil
}
