package stream

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier wakes gateways tailing a chat after a durable append. Signals
// are wake-ups, not data: a woken gateway reads the log itself, so a
// coalesced or lost signal costs latency, never events.
type Notifier interface {
	Notify(ctx context.Context, chatID string) error

	// Subscribe returns a wake-up channel for the chat and a release func
	// the caller must invoke when done.
	Subscribe(ctx context.Context, chatID string) (<-chan struct{}, func())
}

// MemoryNotifier fans out wake-ups in process. Per-subscriber channels are
// buffered one deep; a signal that finds the buffer full is dropped since
// the pending wake-up already covers it.
type MemoryNotifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[string]map[chan struct{}]struct{})}
}

func (n *MemoryNotifier) Notify(ctx context.Context, chatID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[chatID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *MemoryNotifier) Subscribe(ctx context.Context, chatID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.subs[chatID] == nil {
		n.subs[chatID] = make(map[chan struct{}]struct{})
	}
	n.subs[chatID][ch] = struct{}{}
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs[chatID], ch)
		if len(n.subs[chatID]) == 0 {
			delete(n.subs, chatID)
		}
	}
}

func notifyChannel(chatID string) string { return "chat:events:" + chatID }

// RedisNotifier carries wake-ups across processes over pub/sub, so an API
// instance can tail cycles written by a separate worker fleet.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, chatID string) error {
	return n.client.Publish(ctx, notifyChannel(chatID), "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, chatID string) (<-chan struct{}, func()) {
	out := make(chan struct{}, 1)
	sctx, stop := context.WithCancel(ctx)

	pubsub := n.client.Subscribe(sctx, notifyChannel(chatID))

	go func() {
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-sctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					log.Printf("notifier subscription closed chat=%s", chatID)
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, stop
}
