package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
)

// DefaultTemperature is the sampling temperature sent with every request.
const DefaultTemperature = 0.7

// ErrEmptyResponse reports a completion with no choices or blank content.
var ErrEmptyResponse = errors.New("empty model response")

// UpstreamError reports that the completion service could not produce a
// usable reply: it was unreachable, answered non-2xx, or sent a body that
// does not parse into at least one non-empty choice.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("openai upstream error status=%d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("openai non-success status=%d body=%s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("openai upstream error: %v", e.Err)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Client is a minimal OpenAI-compatible chat completions client, aimed at a
// locally hosted model server.
type Client struct {
	apiKey      string
	url         string
	model       string
	temperature float32
	httpClient  *http.Client
}

// NewClient creates a client for the given API base URL
// (e.g. "http://localhost:1234/v1").
func NewClient(apiKey, baseURL, model string, temperature float32, timeout time.Duration) *Client {
	return &Client{
		apiKey:      apiKey,
		url:         strings.TrimRight(baseURL, "/") + "/chat/completions",
		model:       model,
		temperature: temperature,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float32   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatCompletion sends a single chat completion request and returns the
// first choice. Every failure is an *UpstreamError.
func (c *Client) ChatCompletion(ctx context.Context, messages []ctxpkg.Message) (modelpkg.CompletionResponse, error) {
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    make([]message, 0, len(messages)),
		Temperature: c.temperature,
	}
	for _, m := range messages {
		reqBody.Messages = append(reqBody.Messages, message{Role: m.Role, Content: m.Content})
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return modelpkg.CompletionResponse{}, fmt.Errorf("failed to marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return modelpkg.CompletionResponse{}, fmt.Errorf("failed to create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return modelpkg.CompletionResponse{}, &UpstreamError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return modelpkg.CompletionResponse{}, &UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return modelpkg.CompletionResponse{}, &UpstreamError{StatusCode: resp.StatusCode, Body: truncate(string(body), 400)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return modelpkg.CompletionResponse{}, &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 400),
			Err:        fmt.Errorf("parse response: %w", err),
		}
	}

	result := modelpkg.CompletionResponse{}
	if parsed.Usage != nil {
		result.InputTokens = parsed.Usage.PromptTokens
		result.OutputTokens = parsed.Usage.CompletionTokens
	}

	if len(parsed.Choices) == 0 {
		return result, &UpstreamError{StatusCode: resp.StatusCode, Err: ErrEmptyResponse}
	}
	content := parsed.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return result, &UpstreamError{StatusCode: resp.StatusCode, Err: ErrEmptyResponse}
	}
	result.Content = content
	return result, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
