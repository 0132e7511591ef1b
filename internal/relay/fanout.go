package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Fanout carries room traffic between relay nodes serving the same
// document. Messages are opaque; rooms wrap frames in an envelope that
// names the sending node so a node ignores its own echoes.
type Fanout interface {
	Publish(ctx context.Context, docID string, msg []byte) error
	// Subscribe delivers every message published for docID, including the
	// subscriber's own, until cancel is called.
	Subscribe(ctx context.Context, docID string, fn func(msg []byte)) (cancel func(), err error)
	Close() error
}

// LocalFanout is an in-process Fanout. Servers sharing one LocalFanout
// behave like relay nodes sharing a Redis instance; a Server given none
// gets a private one, which makes it a single-node relay.
//
// Thread-safety: safe for concurrent use. Delivery is synchronous, on the
// publisher's goroutine.
type LocalFanout struct {
	mu     sync.Mutex
	subs   map[string]map[int]func([]byte)
	nextID int
}

// NewLocalFanout creates an empty in-process bus.
func NewLocalFanout() *LocalFanout {
	return &LocalFanout{subs: make(map[string]map[int]func([]byte))}
}

// Publish delivers msg to every subscriber of docID.
func (f *LocalFanout) Publish(_ context.Context, docID string, msg []byte) error {
	f.mu.Lock()
	fns := make([]func([]byte), 0, len(f.subs[docID]))
	for _, fn := range f.subs[docID] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
	return nil
}

// Subscribe registers fn for docID.
func (f *LocalFanout) Subscribe(_ context.Context, docID string, fn func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	if f.subs[docID] == nil {
		f.subs[docID] = make(map[int]func([]byte))
	}
	f.subs[docID][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[docID], id)
		if len(f.subs[docID]) == 0 {
			delete(f.subs, docID)
		}
	}, nil
}

// Close is a no-op.
func (f *LocalFanout) Close() error { return nil }

// RedisFanout publishes room traffic on the Redis channel
// "weave:doc:<docID>".
type RedisFanout struct {
	client *redis.Client
}

// NewRedisFanout wraps an existing client.
func NewRedisFanout(client *redis.Client) *RedisFanout {
	return &RedisFanout{client: client}
}

// OpenRedisFanout connects to url (redis://...) and checks the connection.
func OpenRedisFanout(ctx context.Context, url string) (*RedisFanout, error) {
	client, err := openRedis(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewRedisFanout(client), nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func docChannel(docID string) string {
	return "weave:doc:" + docID
}

// Publish sends msg on the document's channel.
func (f *RedisFanout) Publish(ctx context.Context, docID string, msg []byte) error {
	if err := f.client.Publish(ctx, docChannel(docID), msg).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", docID, err)
	}
	return nil
}

// Subscribe listens on the document's channel. It returns once Redis has
// confirmed the subscription, so nothing published afterwards is missed.
func (f *RedisFanout) Subscribe(ctx context.Context, docID string, fn func([]byte)) (func(), error) {
	pubsub := f.client.Subscribe(ctx, docChannel(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", docID, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			fn([]byte(msg.Payload))
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			pubsub.Close()
			<-done
		})
	}, nil
}

// Close closes the client.
func (f *RedisFanout) Close() error {
	return f.client.Close()
}
