// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package httpstub

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// SignatureHeader carries the carrier's request signature
const SignatureHeader = "X-Twilio-Signature"

// WebhookClient defines the interface for making webhook HTTP calls
type WebhookClient interface {
	POST(ctx context.Context, url string, form url.Values) (status int, body []byte, headers http.Header, err error)
}

// DefaultWebhookClient is the default implementation using http.Client
type DefaultWebhookClient struct {
	client    *http.Client
	authToken string
}

// NewDefaultWebhookClient creates a new default webhook client. A non-empty
// authToken signs each request the way the carrier does.
func NewDefaultWebhookClient(timeout time.Duration, authToken string) *DefaultWebhookClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &DefaultWebhookClient{
		client:    &http.Client{Timeout: timeout},
		authToken: authToken,
	}
}

// POST makes an HTTP POST request with form data
func (c *DefaultWebhookClient) POST(ctx context.Context, targetURL string, form url.Values) (status int, body []byte, headers http.Header, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "SurveyCarrierSim/1.0")
	if c.authToken != "" {
		req.Header.Set(SignatureHeader, Sign(c.authToken, targetURL, form))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, body, resp.Header, nil
}

// Sign computes the carrier request signature: HMAC-SHA1 over the URL followed
// by each form key and value in key order, base64 encoded.
func Sign(authToken, targetURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(targetURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// MockWebhookClient is a test double for capturing webhook calls
type MockWebhookClient struct {
	mu    sync.Mutex
	calls []MockCall
	// ResponseFunc allows tests to control responses
	ResponseFunc func(url string, form url.Values) (status int, body []byte, headers http.Header, err error)
}

// MockCall records a webhook call
type MockCall struct {
	URL  string
	Form url.Values
	Time time.Time
}

// NewMockWebhookClient creates a new mock client
func NewMockWebhookClient() *MockWebhookClient {
	return &MockWebhookClient{}
}

// POST records the call and returns the configured response
func (m *MockWebhookClient) POST(ctx context.Context, targetURL string, form url.Values) (status int, body []byte, headers http.Header, err error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{
		URL:  targetURL,
		Form: form,
		Time: time.Now(),
	})
	fn := m.ResponseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(targetURL, form)
	}

	return http.StatusOK, []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`), make(http.Header), nil
}

// Calls returns a copy of every recorded call
func (m *MockWebhookClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// Reset clears all recorded calls
func (m *MockWebhookClient) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

// GetCallsTo returns all calls to a specific URL
func (m *MockWebhookClient) GetCallsTo(url string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []MockCall
	for _, call := range m.calls {
		if call.URL == url {
			result = append(result, call)
		}
	}
	return result
}
