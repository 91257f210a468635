package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Pricing converts token usage into dollars, per million tokens. Zero
// values make cost accounting report zero; token accounting still works.
type Pricing struct {
	PromptPerMTok     float64
	CompletionPerMTok float64
}

// OpenAIClient calls an OpenAI-compatible chat completions endpoint and
// enforces the structured decision contract on the response. Works
// against OpenAI itself or any compatible server (vLLM, Ollama,
// LiteLLM proxies).
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	pricing    Pricing
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a decision client for the given endpoint.
// baseURL defaults to the OpenAI API.
func NewOpenAIClient(baseURL, apiKey, modelName string, pricing Pricing, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   modelName,
		pricing: pricing,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

const (
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
)

// Decide sends one decision prompt and parses the structured response.
// Transient failures (429, 5xx, network errors) are retried with
// exponential backoff; malformed model output is returned as ErrProtocol
// with no retry, since repeating the identical prompt rarely fixes it
// and always costs tokens.
func (c *OpenAIClient) Decide(ctx context.Context, req Request) (Decision, Usage, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return Decision{}, Usage{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	var lastErr error
	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			c.logger.Warn("retrying model call",
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Decision{}, Usage{}, ctx.Err()
			}
			backoff *= 2
		}

		decision, usage, retryable, err := c.call(ctx, body)
		if err == nil {
			return decision, usage, nil
		}
		if !retryable {
			return Decision{}, usage, err
		}
		lastErr = err
	}
	return Decision{}, Usage{}, fmt.Errorf("llm: giving up after %d attempts: %w", maxAttempts, lastErr)
}

func (c *OpenAIClient) buildRequest(req Request) chatRequest {
	out := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
	}
	out.ResponseFormat.Type = "json_object"
	return out
}

// call performs one HTTP round trip. retryable reports whether the
// failure is worth another attempt.
func (c *OpenAIClient) call(ctx context.Context, body []byte) (Decision, Usage, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Decision{}, Usage{}, false, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Decision{}, Usage{}, false, err
		}
		return Decision{}, Usage{}, true, fmt.Errorf("llm: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Decision{}, Usage{}, true, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Decision{}, Usage{}, true, fmt.Errorf("llm: status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Decision{}, Usage{}, false, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return Decision{}, Usage{}, false, fmt.Errorf("llm: api error: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Decision{}, Usage{}, false, fmt.Errorf("llm: unexpected status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}
	if len(parsed.Choices) == 0 {
		return Decision{}, Usage{}, false, fmt.Errorf("%w: response has no choices", ErrProtocol)
	}

	usage := Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}
	usage.CostUsd = float64(usage.PromptTokens)/1e6*c.pricing.PromptPerMTok +
		float64(usage.CompletionTokens)/1e6*c.pricing.CompletionPerMTok

	var decision Decision
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &decision); err != nil {
		return Decision{}, usage, false, fmt.Errorf("%w: unparseable decision: %v", ErrProtocol, err)
	}
	if err := decision.Validate(); err != nil {
		return Decision{}, usage, false, err
	}
	return decision, usage, false, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
