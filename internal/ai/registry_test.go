package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type nopProvider struct{}

func (nopProvider) StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error)
	close(chunks)
	close(errs)
	return chunks, errs
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Gemini", func(ctx context.Context, model string) (Provider, error) {
		return nopProvider{}, nil
	})

	p, err := reg.Get(context.Background(), "  gemini ", "m")
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestRegistryRejectsUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get(context.Background(), "no-such", "m")
	require.ErrorIs(t, err, ErrUnknownProvider)
	require.Contains(t, err.Error(), "no-such")
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"openrouter", "gemini", "github"} {
		reg.Register(name, func(ctx context.Context, model string) (Provider, error) {
			return nopProvider{}, nil
		})
	}
	require.Equal(t, []string{"gemini", "github", "openrouter"}, reg.Names())
}
