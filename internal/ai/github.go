package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// GitHubProvider talks to GitHub Models' OpenAI-compatible inference
// endpoint.
type GitHubProvider struct {
	BaseURL string
	Token   string
	Model   string
	Client  *http.Client
}

func NewGitHubProvider(baseURL, token, model string) *GitHubProvider {
	if baseURL == "" {
		baseURL = "https://models.github.ai/inference"
	}
	return &GitHubProvider{
		BaseURL: baseURL,
		Token:   token,
		Model:   model,
		Client:  &http.Client{},
	}
}

func (p *GitHubProvider) StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	_ = opts
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("github: http client is nil")
			return
		}
		if strings.TrimSpace(p.Token) == "" {
			errs <- errors.New("github: token is required")
			return
		}
		model := strings.TrimSpace(p.Model)
		if model == "" {
			errs <- errors.New("github: model is required")
			return
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+p.Token)

		temp, topP := 1.0, 1.0
		url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
		streamCompletions(ctx, p.Client, url, oaiChatReq{
			Model:       model,
			Stream:      true,
			Messages:    toOAIMessages(messages),
			Temperature: &temp,
			TopP:        &topP,
		}, header, chunks, errs)
	}()

	return chunks, errs
}

var _ Provider = (*GitHubProvider)(nil)
