package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		// no global timeout; ctx bounds each streaming call
		Client: &http.Client{},
	}
}

// StreamChat streams assistant content fragments via SSE.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	_ = opts // openrouter has no search toggle here
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("openrouter: http client is nil")
			return
		}
		if strings.TrimSpace(p.APIKey) == "" {
			errs <- errors.New("openrouter: api key is required")
			return
		}
		model := strings.TrimSpace(p.Model)
		if model == "" {
			errs <- errors.New("openrouter: model is required")
			return
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+p.APIKey)
		if p.SiteURL != "" {
			header.Set("HTTP-Referer", p.SiteURL)
		}
		if p.AppName != "" {
			header.Set("X-Title", p.AppName)
		}

		url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
		streamCompletions(ctx, p.Client, url, oaiChatReq{
			Model:    model,
			Stream:   true,
			Messages: toOAIMessages(messages),
		}, header, chunks, errs)
	}()

	return chunks, errs
}

var _ Provider = (*OpenRouterProvider)(nil)
