package relay

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Liveness records which clients of a document sent a presence heartbeat
// recently, across every relay node. Entries expire on their own; a client
// that stops heartbeating disappears after its TTL.
type Liveness interface {
	Touch(ctx context.Context, docID, clientID string, ttl time.Duration) error
	Drop(ctx context.Context, docID, clientID string) error
	// Alive returns the client ids with an unexpired entry, sorted.
	Alive(ctx context.Context, docID string) ([]string, error)
}

// MemoryLiveness is a process-local Liveness.
//
// Thread-safety: safe for concurrent use via internal mutex.
type MemoryLiveness struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]map[string]time.Time
}

// NewMemoryLiveness creates an empty table. A nil now uses time.Now.
func NewMemoryLiveness(now func() time.Time) *MemoryLiveness {
	if now == nil {
		now = time.Now
	}
	return &MemoryLiveness{now: now, expires: make(map[string]map[string]time.Time)}
}

// Touch extends clientID's entry to now+ttl.
func (l *MemoryLiveness) Touch(_ context.Context, docID, clientID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expires[docID] == nil {
		l.expires[docID] = make(map[string]time.Time)
	}
	l.expires[docID][clientID] = l.now().Add(ttl)
	return nil
}

// Drop removes clientID's entry.
func (l *MemoryLiveness) Drop(_ context.Context, docID, clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.expires[docID], clientID)
	if len(l.expires[docID]) == 0 {
		delete(l.expires, docID)
	}
	return nil
}

// Alive returns unexpired client ids and forgets expired ones.
func (l *MemoryLiveness) Alive(_ context.Context, docID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := []string{}
	for id, exp := range l.expires[docID] {
		if now.Before(exp) {
			out = append(out, id)
		} else {
			delete(l.expires[docID], id)
		}
	}
	slices.Sort(out)
	return out, nil
}

// RedisLiveness keeps one key per client, "weave:presence:<doc>:<client>",
// with a TTL. Redis expires silent clients.
type RedisLiveness struct {
	client *redis.Client
}

// NewRedisLiveness wraps an existing client.
func NewRedisLiveness(client *redis.Client) *RedisLiveness {
	return &RedisLiveness{client: client}
}

// OpenRedisLiveness connects to url and checks the connection.
func OpenRedisLiveness(ctx context.Context, url string) (*RedisLiveness, error) {
	client, err := openRedis(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewRedisLiveness(client), nil
}

func presencePrefix(docID string) string {
	return "weave:presence:" + docID + ":"
}

// Touch sets the client's key with ttl.
func (l *RedisLiveness) Touch(ctx context.Context, docID, clientID string, ttl time.Duration) error {
	if err := l.client.Set(ctx, presencePrefix(docID)+clientID, time.Now().UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("touch %s/%s: %w", docID, clientID, err)
	}
	return nil
}

// Drop deletes the client's key.
func (l *RedisLiveness) Drop(ctx context.Context, docID, clientID string) error {
	if err := l.client.Del(ctx, presencePrefix(docID)+clientID).Err(); err != nil {
		return fmt.Errorf("drop %s/%s: %w", docID, clientID, err)
	}
	return nil
}

// Alive scans the document's keys.
func (l *RedisLiveness) Alive(ctx context.Context, docID string) ([]string, error) {
	prefix := presencePrefix(docID)
	out := []string{}
	iter := l.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("alive %s: %w", docID, err)
	}
	slices.Sort(out)
	return out, nil
}

// Close closes the client.
func (l *RedisLiveness) Close() error {
	return l.client.Close()
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
