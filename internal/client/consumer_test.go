package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omnichat/backend/internal/eventlog"
	"github.com/omnichat/backend/internal/stream"
)

func testEvents() []eventlog.Event {
	return []eventlog.Event{
		{Offset: 1, Kind: eventlog.KindStart, JobID: "j1", MessageID: 9},
		{Offset: 2, Kind: eventlog.KindChunk, JobID: "j1", Seq: 1, Content: "Hel"},
		{Offset: 3, Kind: eventlog.KindChunk, JobID: "j1", Seq: 2, Content: "lo"},
		{Offset: 4, Kind: eventlog.KindComplete, JobID: "j1", TotalChunks: 2, Tokens: 2},
	}
}

func writeFrame(t *testing.T, w http.ResponseWriter, f stream.Frame) {
	t.Helper()
	b, err := json.Marshal(f)
	require.NoError(t, err)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Kind, b)
	w.(http.Flusher).Flush()
}

// serveEvents returns a handler replaying the canned events after the
// requested offset, optionally stopping early to simulate a dropped
// connection on the first attempt.
func serveEvents(t *testing.T, evs []eventlog.Event, dropAfterFirst int) (http.HandlerFunc, *atomic.Int32) {
	var conns atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		after, _ := strconv.ParseUint(r.URL.Query().Get("last_offset"), 10, 64)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		sent := 0
		for i := range evs {
			if evs[i].Offset <= after {
				continue
			}
			writeFrame(t, w, stream.Frame{Kind: string(evs[i].Kind), Event: &evs[i], LatestOffset: evs[i].Offset})
			sent++
			if n == 1 && dropAfterFirst > 0 && sent >= dropAfterFirst {
				return
			}
		}
	}
	return handler, &conns
}

type recorder struct {
	text       string
	starts     int
	chunks     []string
	completes  int
	errors     []string
	terminated []string
}

func (r *recorder) handler() Handler {
	return Handler{
		OnStart: func(ev *eventlog.Event) { r.starts++ },
		OnChunk: func(ev *eventlog.Event) {
			r.chunks = append(r.chunks, ev.Content)
			r.text += ev.Content
		},
		OnComplete:   func(ev *eventlog.Event) { r.completes++ },
		OnError:      func(ev *eventlog.Event) { r.errors = append(r.errors, ev.Content) },
		OnTerminated: func(ev *eventlog.Event) { r.terminated = append(r.terminated, ev.Content) },
	}
}

func TestConsumerAssemblesMessage(t *testing.T) {
	handler, _ := serveEvents(t, testEvents(), 0)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	rec := &recorder{}
	cursors := NewMemoryCursorStore()
	c := NewConsumer(srv.URL, "", cursors, rec.handler())
	c.StopAtTerminal = true

	require.NoError(t, c.Run(context.Background(), "c1"))

	require.Equal(t, "Hello", rec.text)
	require.Equal(t, 1, rec.starts)
	require.Equal(t, 1, rec.completes)

	off, err := cursors.Get("c1")
	require.NoError(t, err)
	require.Equal(t, uint64(4), off)
}

func TestConsumerResumesWithoutDuplicates(t *testing.T) {
	// the first connection drops after start + one chunk
	handler, conns := serveEvents(t, testEvents(), 2)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	rec := &recorder{}
	cursors := NewMemoryCursorStore()
	c := NewConsumer(srv.URL, "", cursors, rec.handler())
	c.StopAtTerminal = true
	c.BaseBackoff = 10 * time.Millisecond

	require.NoError(t, c.Run(context.Background(), "c1"))

	require.GreaterOrEqual(t, conns.Load(), int32(2))
	require.Equal(t, []string{"Hel", "lo"}, rec.chunks)
	require.Equal(t, "Hello", rec.text)
	require.Equal(t, 1, rec.starts)
	require.Equal(t, 1, rec.completes)
}

func TestConsumerIgnoresRedeliveredOffsets(t *testing.T) {
	evs := testEvents()
	// the server redelivers everything from the beginning on every connect
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		limit := len(evs)
		if n == 1 {
			limit = 2
		}
		for i := 0; i < limit; i++ {
			writeFrame(t, w, stream.Frame{Kind: string(evs[i].Kind), Event: &evs[i], LatestOffset: evs[i].Offset})
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	c := NewConsumer(srv.URL, "", NewMemoryCursorStore(), rec.handler())
	c.StopAtTerminal = true
	c.BaseBackoff = 10 * time.Millisecond

	require.NoError(t, c.Run(context.Background(), "c1"))

	require.Equal(t, 1, rec.starts)
	require.Equal(t, []string{"Hel", "lo"}, rec.chunks)
	require.Equal(t, "Hello", rec.text)
}

func TestConsumerGivesUpAfterRetryBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewConsumer(srv.URL, "", NewMemoryCursorStore(), Handler{})
	c.MaxAttempts = 3
	c.BaseBackoff = time.Millisecond
	c.MaxBackoff = 2 * time.Millisecond

	err := c.Run(context.Background(), "c1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "giving up")
}

func TestFileCursorStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	s := NewFileCursorStore(path)

	off, err := s.Get("c1")
	require.NoError(t, err)
	require.Zero(t, off)

	require.NoError(t, s.Set("c1", 7))
	require.NoError(t, s.Set("c2", 3))

	// a fresh store sees what the first one wrote
	s2 := NewFileCursorStore(path)
	off, err = s2.Get("c1")
	require.NoError(t, err)
	require.Equal(t, uint64(7), off)

	require.NoError(t, s2.Clear("c1"))
	off, err = s2.Get("c1")
	require.NoError(t, err)
	require.Zero(t, off)

	off, err = s2.Get("c2")
	require.NoError(t, err)
	require.Equal(t, uint64(3), off)
}
