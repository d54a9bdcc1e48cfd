package generate

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Canceller carries user stop requests to the worker out-of-band: the
// request never travels through the event log, only the resulting
// terminated event does.
type Canceller interface {
	RequestCancel(ctx context.Context, chatID, jobID string) error

	// Watch returns a channel closed when the job is cancelled, plus a
	// release func the caller must invoke when the cycle ends.
	Watch(ctx context.Context, chatID, jobID string) (<-chan struct{}, func())
}

func cancelKey(jobID string) string { return "cancel:" + jobID }

// RedisCanceller signals via pub/sub for latency and sets a flag key so a
// worker that subscribes after the request still sees it.
type RedisCanceller struct {
	client *redis.Client
}

func NewRedisCanceller(client *redis.Client) *RedisCanceller {
	return &RedisCanceller{client: client}
}

func (c *RedisCanceller) RequestCancel(ctx context.Context, chatID, jobID string) error {
	if err := c.client.Set(ctx, cancelKey(jobID), "1", time.Hour).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, cancelKey(jobID), "1").Err()
}

func (c *RedisCanceller) Watch(ctx context.Context, chatID, jobID string) (<-chan struct{}, func()) {
	out := make(chan struct{})
	wctx, stop := context.WithCancel(ctx)

	go func() {
		pubsub := c.client.Subscribe(wctx, cancelKey(jobID))
		defer pubsub.Close()

		fire := func() {
			select {
			case <-out:
			default:
				close(out)
			}
		}

		// the flag may predate our subscription
		if n, err := c.client.Exists(wctx, cancelKey(jobID)).Result(); err == nil && n > 0 {
			fire()
			return
		}

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-pubsub.Channel():
				fire()
				return
			case <-ticker.C:
				if n, err := c.client.Exists(wctx, cancelKey(jobID)).Result(); err == nil && n > 0 {
					fire()
					return
				}
			}
		}
	}()

	return out, stop
}

// MemoryCanceller is the in-process implementation used by tests and
// single-binary deployments.
type MemoryCanceller struct {
	mu   sync.Mutex
	jobs map[string]chan struct{}
}

func NewMemoryCanceller() *MemoryCanceller {
	return &MemoryCanceller{jobs: make(map[string]chan struct{})}
}

func (c *MemoryCanceller) signal(jobID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.jobs[jobID]
	if !ok {
		ch = make(chan struct{})
		c.jobs[jobID] = ch
	}
	return ch
}

func (c *MemoryCanceller) RequestCancel(ctx context.Context, chatID, jobID string) error {
	ch := c.signal(jobID)
	select {
	case <-ch:
	default:
		close(ch)
	}
	return nil
}

func (c *MemoryCanceller) Watch(ctx context.Context, chatID, jobID string) (<-chan struct{}, func()) {
	ch := c.signal(jobID)
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.jobs, jobID)
	}
}
