package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GeminiProvider struct {
	APIKey string
	Model  string
}

func NewGeminiProvider(apiKey, model string) *GeminiProvider {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiProvider{APIKey: apiKey, Model: model}
}

func (p *GeminiProvider) StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if strings.TrimSpace(p.APIKey) == "" {
			errs <- errors.New("gemini: api key is required")
			return
		}
		if len(messages) == 0 {
			errs <- errors.New("gemini: empty conversation")
			return
		}

		client, err := genai.NewClient(ctx, option.WithAPIKey(p.APIKey))
		if err != nil {
			errs <- err
			return
		}
		defer client.Close()

		model := client.GenerativeModel(p.Model)
		if opts.SearchEnabled {
			// this client version exposes no search-grounding tool;
			// a system instruction is the closest supported lever
			model.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(
					"Ground your answers in current, verifiable information. " +
						"Cite sources when you rely on specific facts and say so when your knowledge may be out of date.",
				)},
			}
		}

		cs := model.StartChat()
		for _, m := range messages[:len(messages)-1] {
			role := "user"
			if m.Role == "assistant" {
				role = "model"
			}
			cs.History = append(cs.History, &genai.Content{
				Role:  role,
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		}

		iter := cs.SendMessageStream(ctx, genai.Text(messages[len(messages)-1].Content))
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				errs <- err
				return
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					text, ok := part.(genai.Text)
					if !ok || text == "" {
						continue
					}
					select {
					case chunks <- string(text):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return chunks, errs
}

var _ Provider = (*GeminiProvider)(nil)
