package version

import (
	"fmt"
	"time"

	"github.com/roach88/weave/internal/doc"
	"github.com/roach88/weave/internal/ir"
)

// Meta describes who took a snapshot and why.
type Meta struct {
	ID        string
	Author    string
	Label     string
	CreatedAt time.Time
}

// Take captures the document's current state. The version number is left at
// zero; the store assigns the next one on save.
func Take(d *doc.Document, meta Meta) (ir.VersionSnapshot, error) {
	state, err := d.SnapshotState()
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("take snapshot: %w", err)
	}
	summary, err := doc.SummaryOf(state)
	if err != nil {
		return ir.VersionSnapshot{}, fmt.Errorf("take snapshot: %w", err)
	}
	if meta.ID == "" {
		meta.ID = ir.UUIDv7Generator{}.Generate()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	return ir.VersionSnapshot{
		ID:        meta.ID,
		DocID:     d.ID(),
		State:     state,
		StateHash: ir.StateHash(state),
		Summary:   summary,
		Author:    meta.Author,
		Label:     meta.Label,
		CreatedMs: meta.CreatedAt.UnixMilli(),
	}, nil
}

// Policy decides when an automatic snapshot is due: after EveryOps applied
// operations, or after Interval has passed with at least one operation
// pending. Zero disables a trigger. Explicit saves ignore the policy.
type Policy struct {
	EveryOps int
	Interval time.Duration
}

// Tracker counts operations against a Policy.
type Tracker struct {
	policy Policy
	ops    int
	last   time.Time
}

// NewTracker starts counting at now.
func NewTracker(p Policy, now time.Time) *Tracker {
	return &Tracker{policy: p, last: now}
}

// Observe counts n newly applied operations.
func (t *Tracker) Observe(n int) {
	t.ops += n
}

// Pending returns the operations counted since the last snapshot.
func (t *Tracker) Pending() int {
	return t.ops
}

// Due reports whether a snapshot should be taken now.
func (t *Tracker) Due(now time.Time) bool {
	if t.ops == 0 {
		return false
	}
	if t.policy.EveryOps > 0 && t.ops >= t.policy.EveryOps {
		return true
	}
	return t.policy.Interval > 0 && now.Sub(t.last) >= t.policy.Interval
}

// Reset marks a snapshot taken at now.
func (t *Tracker) Reset(now time.Time) {
	t.ops = 0
	t.last = now
}
