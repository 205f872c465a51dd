// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import "github.com/jeranaias/gamecode-chat/internal/model"

// ChatRequest is the payload for one turn. Messages carry the full
// model-facing context: projected summaries first, then the active history.
type ChatRequest struct {
	Provider     string          `json:"provider"`
	Messages     []model.Message `json:"messages"`
	Model        string          `json:"model,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
	MaxTokens    int             `json:"max_tokens,omitempty"`
}

// ChatChunk is one decoded stream event. Text may be empty on the terminal
// chunk; Done marks the end of the response.
type ChatChunk struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}
