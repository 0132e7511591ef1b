package oplog

import (
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/weave/internal/ir"
)

// Log holds a replica's own operations in generation order until the relay
// acknowledges them. It is the offline queue: while disconnected every local
// operation stays here and is flushed, in order, once the session is live.
//
// Thread-safety: safe for concurrent use via internal mutex.
type Log struct {
	mu     sync.Mutex
	origin string
	ops    []ir.Operation
	acked  int64
}

// NewLog creates an empty log for operations generated by origin.
func NewLog(origin string) *Log {
	return &Log{origin: origin}
}

// Origin returns the client id whose operations the log holds.
func (l *Log) Origin() string {
	return l.origin
}

// Append records locally generated operations. They must belong to the log's
// origin and arrive in strictly increasing clock order. A rejected batch
// leaves the log unchanged.
func (l *Log) Append(ops ...ir.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	last := l.acked
	if n := len(l.ops); n > 0 {
		last = l.ops[n-1].Clock
	}
	for _, op := range ops {
		if op.Origin != l.origin {
			return fmt.Errorf("oplog append: origin %q does not match log origin %q", op.Origin, l.origin)
		}
		if op.Clock <= last {
			return fmt.Errorf("oplog append: clock %d not after %d", op.Clock, last)
		}
		last = op.Clock
	}
	l.ops = append(l.ops, ops...)
	return nil
}

// Since returns the pending operations with a clock greater than after, in
// generation order. Passing a peer's summary entry for this origin yields
// exactly what the peer lacks.
func (l *Log) Since(after int64) []ir.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, _ := slices.BinarySearchFunc(l.ops, after, func(op ir.Operation, c int64) int {
		switch {
		case op.Clock <= c:
			return -1
		default:
			return 1
		}
	})
	return slices.Clone(l.ops[i:])
}

// Pending returns every unacknowledged operation.
func (l *Log) Pending() []ir.Operation {
	return l.Since(0)
}

// Ack drops operations with a clock at or below upTo. Acks never move
// backwards.
func (l *Log) Ack(upTo int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if upTo <= l.acked {
		return
	}
	l.acked = upTo
	i := 0
	for i < len(l.ops) && l.ops[i].Clock <= upTo {
		i++
	}
	l.ops = slices.Delete(l.ops, 0, i)
}

// Acked returns the highest acknowledged clock.
func (l *Log) Acked() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acked
}

// Len returns the number of pending operations.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}
