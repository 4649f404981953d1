package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// Completer generates a bot reply for prompt. Implementations must honor ctx's deadline.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ErrCompletionUnavailable is returned when no completion backend is configured.
var ErrCompletionUnavailable = errors.New("completion backend not configured")

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// HTTPCompleter calls an OpenAI-compatible chat completions endpoint.
type HTTPCompleter struct {
	client  *fasthttp.Client
	url     string
	apiKey  string
	model   string
	timeout time.Duration
}

// NewHTTPCompleter creates a completer for url. An empty url yields a completer
// that always fails, so bot conversations answer with the fallback text.
func NewHTTPCompleter(url, apiKey, model string, timeout time.Duration) *HTTPCompleter {
	return &HTTPCompleter{
		client: &fasthttp.Client{
			Name:                "skillchat",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		url:     url,
		apiKey:  apiKey,
		model:   model,
		timeout: timeout,
	}
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string                  `json:"model"`
	Messages []chatCompletionMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete posts prompt and returns the first choice's content.
func (h *HTTPCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if h.url == "" {
		return "", ErrCompletionUnavailable
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:    h.model,
		Messages: []chatCompletionMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	req.SetBody(body)

	deadline := time.Now().Add(h.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := h.client.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return "", context.DeadlineExceeded
		}
		return "", fmt.Errorf("completion request: %w", err)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return "", fmt.Errorf("completion response: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return "", fmt.Errorf("completion status %d: %s", resp.StatusCode(), parsed.Error.Message)
		}
		return "", fmt.Errorf("completion status %d", resp.StatusCode())
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	reply := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("completion returned an empty reply")
	}
	return reply, nil
}
