// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api implements the client for the chat gateway: one streaming
// endpoint that accepts a full conversation payload and returns the
// assistant response as SSE-style events.
package api

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

	"golang.org/x/time/rate"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultBaseURL is the default chat gateway address.
	DefaultBaseURL = "http://127.0.0.1:3000/api"

	// DefaultProvider is used when a request does not name a provider.
	DefaultProvider = "ollama"

	// requestsPerSecond bounds how fast turns may be submitted. One turn
	// per second with a small burst is generous for an interactive client.
	requestsPerSecond = 1
	requestBurst      = 3
)

// sharedStreamingClient is used for all gateway requests. No client-level
// timeout: a streaming response stays open as long as tokens arrive, so
// lifetime is controlled via context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAuthExpired indicates the gateway rejected the bearer token. The
	// caller preserves the pending input so it can be replayed after
	// re-authentication.
	ErrAuthExpired = errors.New("authorization expired")

	// ErrNoToken indicates no bearer token is available for the request.
	ErrNoToken = errors.New("no auth token available")
)

// ServerError represents a non-2xx, non-auth response from the gateway.
type ServerError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server error (HTTP %d)", e.Status)
}

// TransportError represents a low-level read or connect failure during a
// turn, preserving any partial content received before the fault.
type TransportError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("transport error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// =============================================================================
// CLIENT
// =============================================================================

// TokenSource supplies the bearer token attached to gateway requests.
// Implementations decide where tokens come from (config, keyring, env).
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource backed by a fixed string.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// ChunkCallback is invoked for each decoded stream chunk, in arrival order.
type ChunkCallback func(chunk ChatChunk)

// Client talks to the chat gateway.
type Client struct {
	baseURL    string
	provider   string
	model      string
	tokens     TokenSource
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewClient creates a gateway client. An empty baseURL falls back to
// DefaultBaseURL.
func NewClient(baseURL string, tokens TokenSource) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		provider:   DefaultProvider,
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		httpClient: sharedStreamingClient,
	}
}

// WithProvider sets the default provider for requests that do not name one.
func (c *Client) WithProvider(provider string) *Client {
	if provider != "" {
		c.provider = provider
	}
	return c
}

// WithModel sets the default model for requests that do not name one.
func (c *Client) WithModel(model string) *Client {
	c.model = model
	return c
}

// Provider returns the default provider.
func (c *Client) Provider() string {
	return c.provider
}

// Model returns the default model.
func (c *Client) Model() string {
	return c.model
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// ChatStream submits one turn and invokes callback for each decoded chunk
// until a terminal chunk arrives or the stream ends.
//
// Error mapping: an authorization-failure status yields ErrAuthExpired, any
// other non-2xx status yields *ServerError, and a read failure mid-stream
// yields *TransportError carrying the partial content. A malformed event is
// skipped and streaming continues.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, callback ChunkCallback) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if req.Provider == "" {
		req.Provider = c.provider
	}
	if req.Model == "" && c.model != "" {
		req.Model = c.model
	}

	token, err := c.tokens.Token()
	if err != nil {
		return err
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return ErrAuthExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ServerError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return c.processStream(ctx, resp.Body, callback)
}

// processStream reads delimited events from the response body and drives
// the callback. Returns nil on a terminal chunk or clean EOF.
func (c *Client) processStream(ctx context.Context, body io.Reader, callback ChunkCallback) error {
	reader := NewEventReader(body)
	var received strings.Builder

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return &TransportError{Partial: received.String(), Err: err}
		}

		var chunk ChatChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// One malformed event is not fatal.
			continue
		}

		received.WriteString(chunk.Text)
		callback(chunk)

		if chunk.Done {
			return nil
		}
	}
}
