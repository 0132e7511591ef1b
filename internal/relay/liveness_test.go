package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weave/internal/testutil"
)

func TestMemoryLiveness_Expiry(t *testing.T) {
	clock := testutil.NewManualClock(time.Time{})
	l := NewMemoryLiveness(clock.Now)
	ctx := context.Background()

	require.NoError(t, l.Touch(ctx, "doc", "bob", 10*time.Second))
	require.NoError(t, l.Touch(ctx, "doc", "alice", 5*time.Second))
	require.NoError(t, l.Touch(ctx, "other", "carol", 5*time.Second))

	alive, err := l.Alive(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, alive)

	clock.Advance(6 * time.Second)
	alive, _ = l.Alive(ctx, "doc")
	assert.Equal(t, []string{"bob"}, alive)

	require.NoError(t, l.Touch(ctx, "doc", "bob", 10*time.Second))
	clock.Advance(9 * time.Second)
	alive, _ = l.Alive(ctx, "doc")
	assert.Equal(t, []string{"bob"}, alive, "touch extends the entry")
}

func TestMemoryLiveness_Drop(t *testing.T) {
	l := NewMemoryLiveness(nil)
	ctx := context.Background()
	require.NoError(t, l.Touch(ctx, "doc", "bob", time.Minute))
	require.NoError(t, l.Drop(ctx, "doc", "bob"))
	require.NoError(t, l.Drop(ctx, "doc", "nobody"))

	alive, err := l.Alive(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, alive)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
	assert.Equal(t, "plain", escapeGlob("plain"))
}

func TestRedisLiveness(t *testing.T) {
	url := redisURL(t)
	ctx := context.Background()
	l, err := OpenRedisLiveness(ctx, url)
	require.NoError(t, err)
	defer l.Close()

	docID := fmt.Sprintf("liveness-%d", time.Now().UnixNano())
	require.NoError(t, l.Touch(ctx, docID, "bob", time.Minute))
	require.NoError(t, l.Touch(ctx, docID, "alice", time.Minute))

	alive, err := l.Alive(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, alive)

	require.NoError(t, l.Drop(ctx, docID, "alice"))
	require.NoError(t, l.Drop(ctx, docID, "bob"))
	alive, err = l.Alive(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, alive)
}
