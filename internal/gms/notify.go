package gms

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
)

const viewChangeChannel = "groupcast:gms:view-change"

// Notifier fans out a "a new View was installed, go resync" signal across
// processes over Redis pub/sub, so every node's health checker reacts to a
// membership change immediately instead of waiting for its next poll tick.
// It carries no payload: subscribers always resync from Store, so a missed
// or duplicate notification is harmless.
type Notifier struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
}

// NewNotifier wraps an existing Redis client. client may be nil, in which
// case Publish/Subscribe are no-ops — useful for single-node tests.
func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

// Publish signals all subscribers that the View changed.
func (n *Notifier) Publish(ctx context.Context) error {
	if n.client == nil {
		return nil
	}
	return n.client.Publish(ctx, viewChangeChannel, "1").Err()
}

// Subscribe invokes fn every time a view-change signal arrives, until ctx
// is cancelled. It returns an unsubscribe function.
func (n *Notifier) Subscribe(ctx context.Context, fn func()) func() {
	if n.client == nil {
		return func() {}
	}

	subCtx, cancel := context.WithCancel(ctx)
	pubsub := n.client.Subscribe(subCtx, viewChangeChannel)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn()
			}
		}
	}()

	return cancel
}

// Close marks this Notifier closed. The client is owned by the caller
// that constructed it and is not closed here; Publish and Subscribe do
// not check the closed mark.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}
