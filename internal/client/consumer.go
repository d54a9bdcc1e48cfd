package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/omnichat/backend/internal/eventlog"
	"github.com/omnichat/backend/internal/stream"
)

// Handler receives the outcome of each event the consumer processes. Nil
// callbacks are skipped.
type Handler struct {
	OnStart      func(ev *eventlog.Event)
	OnChunk      func(ev *eventlog.Event)
	OnComplete   func(ev *eventlog.Event)
	OnError      func(ev *eventlog.Event)
	OnTerminated func(ev *eventlog.Event)
	OnHeartbeat  func(latestOffset uint64)
}

// Consumer tails a chat's event stream over SSE, persisting the last
// processed offset after every event so a restart resumes via the
// gateway's replay path with no gaps and no duplicates.
type Consumer struct {
	BaseURL string
	Token   string

	HTTPClient *http.Client
	Cursors    CursorStore
	Handler    Handler

	// MaxAttempts bounds consecutive failed connections; a connection that
	// delivers at least one frame resets the budget.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// StopAtTerminal makes Run return after the current cycle ends instead
	// of waiting for the next one.
	StopAtTerminal bool
}

func NewConsumer(baseURL, token string, cursors CursorStore, handler Handler) *Consumer {
	return &Consumer{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Token:       token,
		HTTPClient:  &http.Client{},
		Cursors:     cursors,
		Handler:     handler,
		MaxAttempts: 8,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
	}
}

// Reset forgets the chat's cursor. Call it before triggering a brand-new
// generation cycle so a stale position from a prior cycle never suppresses
// the new cycle's replay.
func (c *Consumer) Reset(chatID string) error {
	return c.Cursors.Clear(chatID)
}

// Run streams the chat until ctx is cancelled, the retry budget is
// exhausted, or (with StopAtTerminal) the current cycle ends.
func (c *Consumer) Run(ctx context.Context, chatID string) error {
	attempts := 0
	backoff := c.BaseBackoff

	for {
		delivered, terminal, err := c.consume(ctx, chatID)
		if terminal && c.StopAtTerminal {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if delivered {
			attempts = 0
			backoff = c.BaseBackoff
		}
		attempts++
		if attempts >= c.MaxAttempts {
			return fmt.Errorf("stream %s: giving up after %d attempts: %w", chatID, attempts, err)
		}

		log.Printf("stream disconnected chat=%s attempt=%d err=%v", chatID, attempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.MaxBackoff {
			backoff = c.MaxBackoff
		}
	}
}

// consume opens one connection and processes frames until it drops.
// delivered reports whether any frame arrived; terminal whether a cycle
// terminal event was processed on this connection.
func (c *Consumer) consume(ctx context.Context, chatID string) (delivered, terminal bool, err error) {
	last, err := c.Cursors.Get(chatID)
	if err != nil {
		return false, false, err
	}

	url := fmt.Sprintf("%s/api/chats/%s/events", c.BaseURL, chatID)
	if last > 0 {
		url = fmt.Sprintf("%s?last_offset=%d", url, last)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, false, fmt.Errorf("stream %s: unexpected status %d: %s", chatID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			data.Reset()

			var frame stream.Frame
			if err := json.Unmarshal([]byte(payload), &frame); err != nil {
				log.Printf("stream frame unreadable chat=%s err=%v", chatID, err)
				continue
			}
			delivered = true

			isTerminal, err := c.process(chatID, &last, frame)
			if err != nil {
				return delivered, terminal, err
			}
			if isTerminal {
				terminal = true
				if c.StopAtTerminal {
					return delivered, true, nil
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return delivered, terminal, err
	}
	return delivered, terminal, io.EOF
}

func (c *Consumer) process(chatID string, last *uint64, frame stream.Frame) (bool, error) {
	if frame.Kind == stream.KindPing {
		if c.Handler.OnHeartbeat != nil {
			c.Handler.OnHeartbeat(frame.LatestOffset)
		}
		return false, nil
	}

	ev := frame.Event
	if ev == nil {
		return false, nil
	}
	// replayed or redelivered event, already processed
	if ev.Offset <= *last {
		return false, nil
	}

	switch ev.Kind {
	case eventlog.KindStart:
		if c.Handler.OnStart != nil {
			c.Handler.OnStart(ev)
		}
	case eventlog.KindChunk:
		if c.Handler.OnChunk != nil {
			c.Handler.OnChunk(ev)
		}
	case eventlog.KindComplete:
		if c.Handler.OnComplete != nil {
			c.Handler.OnComplete(ev)
		}
	case eventlog.KindError:
		if c.Handler.OnError != nil {
			c.Handler.OnError(ev)
		}
	case eventlog.KindTerminated:
		if c.Handler.OnTerminated != nil {
			c.Handler.OnTerminated(ev)
		}
	}

	*last = ev.Offset
	if err := c.Cursors.Set(chatID, ev.Offset); err != nil {
		return false, fmt.Errorf("persist cursor chat=%s offset=%d: %w", chatID, ev.Offset, err)
	}
	return ev.Kind.Terminal(), nil
}
