// Package llmclient is a minimal HTTP client for OpenAI-wire-compatible chat
// completion APIs (Groq, OpenAI, and any self-hosted gateway that speaks the
// same JSON contract). It is shared by the Critic and the Generator so both
// use one request/response shape instead of reimplementing it twice. The
// HTTP-backed reranker does not use it; it has its own net/http client.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBody caps how much of a chat completion response body is read,
// guarding against a misbehaving endpoint streaming an unbounded response.
const maxResponseBody = 2 * 1024 * 1024

// Client calls the /chat/completions endpoint of an OpenAI-compatible API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a chat-completion client against baseURL (e.g.
// "https://api.groq.com/openai/v1"). apiKey may be empty for endpoints that
// don't require authentication (e.g. a local Ollama OpenAI-compat shim).
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout + 5*time.Second,
		},
	}
}

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a single user-role prompt at temperature 0 (deterministic
// self-reflection scoring requires reproducible output) and returns the
// first choice's message content.
func (c *Client) Complete(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("llmclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llmclient: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmclient: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("llmclient: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&result); err != nil {
		return "", fmt.Errorf("llmclient: decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("llmclient: no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}
