package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Shared SSE streaming for OpenAI-compatible chat completion endpoints
// (OpenRouter, GitHub Models).

type oaiMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatReq struct {
	Model       string   `json:"model"`
	Messages    []oaiMsg `json:"messages"`
	Stream      bool     `json:"stream"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

type oaiStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// streamCompletions POSTs req to url and forwards delta fragments until the
// [DONE] sentinel. header is applied to the request before sending.
func streamCompletions(ctx context.Context, client *http.Client, url string, reqBody oaiChatReq, header http.Header, chunks chan<- string, errs chan<- error) {
	b, err := json.Marshal(reqBody)
	if err != nil {
		errs <- err
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		errs <- err
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		errs <- err
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		errs <- errors.New(msg)
		return
	}

	sc := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}
		var decoded oaiStreamResp
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			errs <- err
			return
		}
		if decoded.Error != nil && decoded.Error.Message != "" {
			errs <- errors.New(decoded.Error.Message)
			return
		}
		if len(decoded.Choices) == 0 {
			continue
		}
		if delta := decoded.Choices[0].Delta.Content; delta != "" {
			// the consumer may stop reading mid-cycle
			select {
			case chunks <- delta:
			case <-ctx.Done():
				return
			}
		}
	}

	if err := sc.Err(); err != nil {
		errs <- err
	}
}

func toOAIMessages(messages []Message) []oaiMsg {
	out := make([]oaiMsg, 0, len(messages))
	for _, m := range messages {
		out = append(out, oaiMsg{Role: m.Role, Content: m.Content})
	}
	return out
}
