package ai

import "context"

type Message struct {
	Role    string
	Content string
}

// Options tweak one generation call.
type Options struct {
	// SearchEnabled asks providers that support it to ground the answer
	// with web search. Providers without the capability ignore it.
	SearchEnabled bool
}

// Provider streams one assistant reply as a finite, non-restartable
// sequence of text fragments. Both channels are closed when the stream
// ends; at most one error is sent.
type Provider interface {
	StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error)
}
