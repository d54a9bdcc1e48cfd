package ai

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGeminiDefaultModel(t *testing.T) {
	p := NewGeminiProvider("k", "")
	require.Equal(t, "gemini-2.0-flash", p.Model)

	p = NewGeminiProvider("k", "gemini-1.5-pro")
	require.Equal(t, "gemini-1.5-pro", p.Model)
}

func TestGeminiRejectsMissingKey(t *testing.T) {
	p := NewGeminiProvider("  ", "m")
	chunks, errs := p.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})

	select {
	case err := <-errs:
		require.Error(t, err)
		require.Contains(t, err.Error(), "api key")
	case <-time.After(2 * time.Second):
		t.Fatal("no error for missing api key")
	}

	_, open := <-chunks
	require.False(t, open)
}

func TestGeminiRejectsEmptyConversation(t *testing.T) {
	p := NewGeminiProvider("k", "m")
	_, errs := p.StreamChat(context.Background(), nil, Options{})

	select {
	case err := <-errs:
		require.Error(t, err)
		require.Contains(t, err.Error(), "empty conversation")
	case <-time.After(2 * time.Second):
		t.Fatal("no error for empty conversation")
	}
}
