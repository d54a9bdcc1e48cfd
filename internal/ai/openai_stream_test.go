package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sseBody(deltas []string) string {
	var body string
	for _, d := range deltas {
		body += fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
	}
	return body + "data: [DONE]\n\n"
}

func TestStreamCompletionsForwardsDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		fmt.Fprint(w, sseBody([]string{"Hel", "lo"}))
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer k")

	chunks := make(chan string, 16)
	errs := make(chan error, 1)
	streamCompletions(context.Background(), srv.Client(), srv.URL, oaiChatReq{
		Model:    "m",
		Messages: []oaiMsg{{Role: "user", Content: "hi"}},
		Stream:   true,
	}, header, chunks, errs)

	require.Empty(t, errs)
	require.Equal(t, "Hel", <-chunks)
	require.Equal(t, "lo", <-chunks)
	require.Empty(t, chunks)
}

func TestStreamCompletionsSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	chunks := make(chan string, 16)
	errs := make(chan error, 1)
	streamCompletions(context.Background(), srv.Client(), srv.URL, oaiChatReq{Model: "m"}, nil, chunks, errs)

	err := <-errs
	require.Error(t, err)
	require.Contains(t, err.Error(), "quota exhausted")
}

func TestStreamCompletionsSurfacesInlineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"model offline\"}}\n\n")
	}))
	defer srv.Close()

	chunks := make(chan string, 16)
	errs := make(chan error, 1)
	streamCompletions(context.Background(), srv.Client(), srv.URL, oaiChatReq{Model: "m"}, nil, chunks, errs)

	err := <-errs
	require.Error(t, err)
	require.Contains(t, err.Error(), "model offline")
}

func TestStreamCompletionsReturnsWhenConsumerGone(t *testing.T) {
	deltas := make([]string, 64)
	for i := range deltas {
		deltas[i] = "x"
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(deltas))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// unbuffered, like a consumer that walked away mid-stream
	chunks := make(chan string)
	errs := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		streamCompletions(ctx, srv.Client(), srv.URL, oaiChatReq{Model: "m"}, nil, chunks, errs)
	}()

	select {
	case <-chunks:
	case <-time.After(3 * time.Second):
		t.Fatal("no fragment arrived")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream goroutine leaked after cancellation")
	}
}
