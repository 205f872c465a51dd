// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package token provides approximate token counting for context budgeting.
//
// The estimates use a fixed characters-per-token ratio. They are a cheap,
// deterministic heuristic for budget accounting, not a tokenizer; callers
// must not expect fidelity to any model's real tokenization.
package token

import "github.com/jeranaias/gamecode-chat/internal/model"

// charsPerToken is the reference ratio: ~4 characters of input per token.
const charsPerToken = 4

// messageOverhead is the fixed per-message structural overhead in tokens.
const messageOverhead = 3

// Estimate returns the approximate token count for a piece of text.
func Estimate(text string) int {
	return len(text) / charsPerToken
}

// EstimateMessage returns the approximate token count for one message,
// including role and structural overhead.
func EstimateMessage(msg model.Message) int {
	return Estimate(string(msg.Role)) + Estimate(msg.Content) + messageOverhead
}

// EstimateMessages returns the approximate token count for a message slice.
func EstimateMessages(messages []model.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateMessage(msg)
	}
	return total
}
