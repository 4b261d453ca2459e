// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package llm talks to an OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultModel = "gpt-4o-mini"

var (
	// ErrUnavailable wraps transport failures and non-2xx responses
	ErrUnavailable = errors.New("language model unavailable")
	// ErrInvalidOutput is returned when the model's reply cannot be decoded
	ErrInvalidOutput = errors.New("invalid output from model")
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Message is one chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client issues chat completion requests
type Client struct {
	http     HTTPClient
	endpoint string
	apiKey   string
	model    string
}

func NewClient(httpClient HTTPClient, baseURL, apiKey, model string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &Client{
		http:     httpClient,
		endpoint: normalizeEndpoint(baseURL),
		apiKey:   apiKey,
		model:    model,
	}
}

// Complete returns the content of the first choice. With jsonMode the model is asked
// for a JSON object and any markdown fence around it is removed.
func (c *Client) Complete(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	payload := map[string]any{
		"model":       c.model,
		"temperature": 0,
		"messages":    messages,
	}
	if jsonMode {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	pb, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(pb))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if len(cc.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrInvalidOutput)
	}
	content := cc.Choices[0].Message.Content
	if jsonMode {
		content = stripFence(content)
	}
	return content, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func normalizeEndpoint(base string) string {
	endpoint := strings.TrimRight(strings.TrimSpace(base), "/")
	if endpoint == "" {
		endpoint = "https://api.openai.com"
	}
	switch {
	case strings.HasSuffix(endpoint, "/chat/completions"):
		return endpoint
	case strings.HasSuffix(endpoint, "/v1"):
		return endpoint + "/chat/completions"
	default:
		return endpoint + "/v1/chat/completions"
	}
}
