// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/gamecode-chat/internal/model"
)

func newTestClient(url string) *Client {
	return NewClient(url, StaticToken("test-token"))
}

func collectChunks(t *testing.T, c *Client, req ChatRequest) ([]ChatChunk, error) {
	t.Helper()
	var chunks []ChatChunk
	err := c.ChatStream(context.Background(), req, func(chunk ChatChunk) {
		chunks = append(chunks, chunk)
	})
	return chunks, err
}

func TestChatStream_AccumulatesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"text\":\"Hel\",\"done\":false}\n\n")
		io.WriteString(w, "data: {\"text\":\"lo\",\"done\":true}\n\n")
	}))
	defer srv.Close()

	chunks, err := collectChunks(t, newTestClient(srv.URL), ChatRequest{
		Messages: []model.Message{model.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	var text string
	for _, c := range chunks {
		text += c.Text
	}
	assert.Equal(t, "Hello", text)
	assert.True(t, chunks[1].Done)
}

func TestChatStream_RequestShape(t *testing.T) {
	var got ChatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, "data: {\"text\":\"ok\",\"done\":true}\n\n")
	}))
	defer srv.Close()

	client := newTestClient(srv.URL).WithModel("llama3")
	_, err := collectChunks(t, client, ChatRequest{
		Messages:     []model.Message{model.NewUserMessage("hi")},
		SystemPrompt: "be brief",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", auth)
	assert.Equal(t, DefaultProvider, got.Provider, "empty provider falls back to the default")
	assert.Equal(t, "llama3", got.Model, "empty model falls back to the client default")
	assert.Equal(t, "be brief", got.SystemPrompt)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, model.RoleUser, got.Messages[0].Role)
}

func TestChatStream_AuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	chunks, err := collectChunks(t, newTestClient(srv.URL), ChatRequest{})
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Empty(t, chunks)
}

func TestChatStream_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream unavailable")
	}))
	defer srv.Close()

	_, err := collectChunks(t, newTestClient(srv.URL), ChatRequest{})
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, http.StatusBadGateway, srvErr.Status)
	assert.Equal(t, "upstream unavailable", srvErr.Message)
}

func TestChatStream_SkipsMalformedEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {not valid json}\n\n")
		io.WriteString(w, "data: {\"text\":\"still here\",\"done\":true}\n\n")
	}))
	defer srv.Close()

	chunks, err := collectChunks(t, newTestClient(srv.URL), ChatRequest{})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "still here", chunks[0].Text)
}

func TestChatStream_CleanEOFWithoutDone(t *testing.T) {
	// A stream that ends without a done chunk is not an error; the caller
	// decides what a missing terminal means.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"text\":\"partial\",\"done\":false}\n\n")
	}))
	defer srv.Close()

	chunks, err := collectChunks(t, newTestClient(srv.URL), ChatRequest{})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "partial", chunks[0].Text)
}

func TestChatStream_NoToken(t *testing.T) {
	client := NewClient("http://127.0.0.1:0", StaticToken(""))
	err := client.ChatStream(context.Background(), ChatRequest{}, func(ChatChunk) {})
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestChatStream_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient("http://127.0.0.1:0")
	err := client.ChatStream(ctx, ChatRequest{}, func(ChatChunk) {})
	require.Error(t, err)
}
