// Package llm calls the external chat-completion service. The orchestrator
// never hosts models; it speaks an OpenAI-compatible HTTP API and reports
// token usage to the cost ledger.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/circuitbreaker"
	"github.com/capsuleforge/orchestrator/internal/config"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
	"github.com/capsuleforge/orchestrator/internal/tracing"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Usage is the token accounting block of a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a finished completion.
type Response struct {
	Content   string
	Model     string
	Provider  string
	Usage     Usage
	LatencyMs int64
}

// Client is the HTTP client for the completion service.
type Client struct {
	base   string
	apiKey string
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewClient builds a client from config.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	httpClient := &http.Client{Timeout: timeout}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		httpw:  circuitbreaker.NewHTTPWrapper(httpClient, "llm", logger),
		logger: logger,
	}
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		Delta        Message `json:"delta"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage    Usage  `json:"usage"`
	Provider string `json:"provider"`
}

// Complete performs a non-streaming completion.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	req.Stream = false
	start := time.Now()

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, taskerrors.Dependency(err, "decode completion")
	}
	if len(out.Choices) == 0 {
		return nil, taskerrors.Dependency(nil, "completion returned no choices")
	}
	return &Response{
		Content:   out.Choices[0].Message.Content,
		Model:     coalesce(out.Model, req.Model),
		Provider:  coalesce(out.Provider, "openai"),
		Usage:     out.Usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// Stream performs a streaming completion, invoking onChunk for every content
// delta. Activities use the callback to heartbeat between chunks. The full
// response, including usage from the terminal chunk, is returned at the end.
func (c *Client) Stream(ctx context.Context, req Request, onChunk func(delta string)) (*Response, error) {
	req.Stream = true
	start := time.Now()

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var (
		content  strings.Builder
		usage    Usage
		model    = req.Model
		provider = "openai"
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Provider != "" {
			provider = chunk.Provider
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = chunk.Usage
		}
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				content.WriteString(delta)
				if onChunk != nil {
					onChunk(delta)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, taskerrors.Dependency(err, "read stream")
	}
	return &Response{
		Content:   content.String(),
		Model:     model,
		Provider:  provider,
		Usage:     usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) post(ctx context.Context, body Request) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, taskerrors.Validation("marshal completion request: %v", err)
	}
	url := c.base + "/v1/chat/completions"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, taskerrors.Dependency(err, "llm service unreachable")
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		drainBody(resp)
		return taskerrors.Exhausted("llm rate limited")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drainBody(resp)
		return taskerrors.Permission("llm auth rejected: status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		drainBody(resp)
		return taskerrors.Dependency(nil, "llm service error: status %d", resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return taskerrors.Validation("llm rejected request: status %d: %s", resp.StatusCode, body)
	}
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
