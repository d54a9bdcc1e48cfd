package stream

import (
	"context"
	"log"
	"time"

	"github.com/omnichat/backend/internal/eventlog"
)

// Frame is one item delivered to a subscriber: either a log event or a
// heartbeat carrying the chat's newest offset so a client can detect a
// stalled connection and knows where to resume from.
type Frame struct {
	Kind         string          `json:"kind"`
	Event        *eventlog.Event `json:"event,omitempty"`
	LatestOffset uint64          `json:"latest_offset"`
}

const KindPing = "ping"

// Gateway tails the event log for subscribers. Every subscriber gets the
// same contract regardless of when it connects: replay of the events it
// missed, then live events, with no gaps and no duplicates.
type Gateway struct {
	store    eventlog.Store
	notifier Notifier

	heartbeatInterval time.Duration
	pollInterval      time.Duration
}

func NewGateway(store eventlog.Store, notifier Notifier, heartbeatInterval time.Duration) *Gateway {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &Gateway{
		store:             store,
		notifier:          notifier,
		heartbeatInterval: heartbeatInterval,
		pollInterval:      time.Second,
	}
}

// Subscribe starts a tail of the chat's log after the given offset. An
// offset of 0 means "no cursor": replay starts at the open cycle's start
// event when one exists, otherwise at the end of the log, so a fresh
// subscriber is never flooded with the chat's full history. The returned
// channel closes when ctx is cancelled.
func (g *Gateway) Subscribe(ctx context.Context, chatID string, after uint64) <-chan Frame {
	out := make(chan Frame, 32)
	go g.run(ctx, chatID, after, out)
	return out
}

// resolveFloor picks where a cursorless subscriber begins. Cycles that
// already ended live on the message records, so only the open cycle, if
// any, is worth replaying.
func (g *Gateway) resolveFloor(ctx context.Context, chatID string) (uint64, error) {
	evs, err := g.store.Read(ctx, chatID, 0, 0)
	if err != nil {
		return 0, err
	}
	var floor uint64
	open := false
	for i := range evs {
		switch {
		case evs[i].Kind == eventlog.KindStart:
			floor = evs[i].Offset - 1
			open = true
		case evs[i].Kind.Terminal():
			floor = evs[i].Offset
			open = false
		default:
			if !open {
				floor = evs[i].Offset
			}
		}
	}
	return floor, nil
}

func (g *Gateway) run(ctx context.Context, chatID string, after uint64, out chan<- Frame) {
	defer close(out)

	// Subscribe before replaying: an append landing mid-replay raises a
	// wake-up we will consume after the replay, so nothing falls in the gap.
	wake, release := g.notifier.Subscribe(ctx, chatID)
	defer release()

	last := after
	cycleOpen := false

	if after == 0 {
		floor, err := g.resolveFloor(ctx, chatID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// fall back to a full replay; the client dedups by offset
			log.Printf("gateway floor resolution failed chat=%s err=%v", chatID, err)
		} else {
			last = floor
		}
	}

	forward := func() bool {
		for {
			evs, err := g.store.Read(ctx, chatID, last, 0)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				log.Printf("gateway read failed chat=%s after=%d err=%v", chatID, last, err)
				return true
			}
			if len(evs) == 0 {
				return true
			}
			for i := range evs {
				ev := evs[i]
				if ev.Offset <= last {
					continue
				}
				select {
				case out <- Frame{Kind: string(ev.Kind), Event: &ev, LatestOffset: ev.Offset}:
				case <-ctx.Done():
					return false
				}
				last = ev.Offset
				switch {
				case ev.Kind == eventlog.KindStart:
					cycleOpen = true
				case ev.Kind.Terminal():
					cycleOpen = false
				}
			}
		}
	}

	if !forward() {
		return
	}

	heartbeat := time.NewTicker(g.heartbeatInterval)
	defer heartbeat.Stop()

	// The poll ticker backstops a lost wake-up; it only matters while a
	// cycle is open, so it is consulted conditionally.
	poll := time.NewTicker(g.pollInterval)
	defer poll.Stop()

	for {
		var pollC <-chan time.Time
		if cycleOpen {
			pollC = poll.C
		}

		select {
		case <-ctx.Done():
			return

		case <-wake:
			if !forward() {
				return
			}

		case <-pollC:
			if !forward() {
				return
			}

		case <-heartbeat.C:
			latest, err := g.store.LatestOffset(ctx, chatID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("gateway heartbeat read failed chat=%s err=%v", chatID, err)
				latest = last
			}
			if latest > last {
				if !forward() {
					return
				}
				latest = last
			}
			select {
			case out <- Frame{Kind: KindPing, LatestOffset: latest}:
			case <-ctx.Done():
				return
			}
		}
	}
}
