package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weave/internal/ir"
)

func op(origin string, clock int64) ir.Operation {
	return ir.Operation{
		Origin:  origin,
		Clock:   clock,
		Target:  ir.MetaTarget("title"),
		Kind:    ir.KindSet,
		Payload: ir.String("t"),
	}
}

func TestLog_AppendSinceAck(t *testing.T) {
	l := NewLog("a")
	require.NoError(t, l.Append(op("a", 1), op("a", 4), op("a", 7)))

	assert.Len(t, l.Pending(), 3)
	since := l.Since(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(7), since[0].Clock)
	assert.Len(t, l.Since(0), 3)
	assert.Empty(t, l.Since(7))

	l.Ack(4)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, int64(4), l.Acked())

	l.Ack(2)
	assert.Equal(t, int64(4), l.Acked(), "acks never move backwards")
}

func TestLog_AppendRejects(t *testing.T) {
	l := NewLog("a")
	assert.Error(t, l.Append(op("b", 1)), "foreign origin")

	require.NoError(t, l.Append(op("a", 5)))
	assert.Error(t, l.Append(op("a", 5)), "clock must increase")

	l.Ack(5)
	assert.Error(t, l.Append(op("a", 3)), "below ack")
	assert.NoError(t, l.Append(op("a", 6)))
}

func TestLog_SinceReturnsCopy(t *testing.T) {
	l := NewLog("a")
	require.NoError(t, l.Append(op("a", 1)))
	got := l.Since(0)
	got[0].Clock = 99
	assert.Equal(t, int64(1), l.Pending()[0].Clock)
}
