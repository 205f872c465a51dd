// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package context

import (
	"fmt"
	"strings"

	"github.com/jeranaias/gamecode-chat/internal/model"
	"github.com/jeranaias/gamecode-chat/internal/util"
)

// =============================================================================
// DETERMINISTIC DIGEST
// =============================================================================

// digest builds the summary string for a slice of compressed messages.
//
// This is a rule-based structural digest, not a semantic paraphrase: the
// same input always yields the same output, and no model call is involved.
// Messages are grouped into topics (a topic closes after each assistant
// message), at most the first five topics are detailed, and the closing
// note carries the total count so older content is still accounted for.
func digest(messages []model.Message) string {
	// Group into conversation topics.
	var topics [][]model.Message
	var current []model.Message
	for _, msg := range messages {
		current = append(current, msg)
		if msg.Role == model.RoleAssistant {
			topics = append(topics, current)
			current = nil
		}
	}
	if len(current) > 0 {
		topics = append(topics, current)
	}

	if len(topics) > 5 {
		topics = topics[:5]
	}

	var parts []string
	for _, topic := range topics {
		var b strings.Builder
		for _, msg := range topic {
			switch msg.Role {
			case model.RoleUser:
				if b.Len() > 0 {
					b.WriteString(" → ")
				}
				b.WriteString("User: ")
				b.WriteString(clipUserIntent(msg.Content))
			case model.RoleAssistant:
				if b.Len() > 0 {
					b.WriteString(" → ")
				}
				b.WriteString("Assistant: ")
				b.WriteString(classifyResponse(msg.Content))
			case model.RoleSystem:
				// Only short system messages are worth carrying verbatim.
				if len(msg.Content) < 100 {
					b.WriteString(" [System: ")
					b.WriteString(msg.Content)
					b.WriteString("]")
				}
			}
		}
		if b.Len() > 0 {
			parts = append(parts, b.String())
		}
	}

	var out strings.Builder
	out.WriteString("Previous conversation context (compressed): ")
	if len(parts) == 0 {
		out.WriteString("General discussion about the project.")
	} else {
		out.WriteString(strings.Join(parts, " | "))
	}
	out.WriteString(fmt.Sprintf(" [Compressed %d messages to save context space]", len(messages)))
	return out.String()
}

// clipUserIntent shortens a user message to at most ~150 characters,
// preferring to cut at the last sentence or question boundary inside the
// window so the fragment still reads as a complete thought.
func clipUserIntent(content string) string {
	if len(content) <= 150 {
		return content
	}
	window := content[:150]
	if pos := strings.LastIndex(window, ". "); pos >= 0 {
		return content[:pos] + "."
	}
	if pos := strings.LastIndex(window, "? "); pos >= 0 {
		return content[:pos] + "?"
	}
	return util.TruncateRunes(content, 150)
}

// classifyResponse maps an assistant message to a coarse label instead of
// reproducing its content. Marker checks only apply to long responses;
// shorter ones get a length-based generic label.
func classifyResponse(content string) string {
	switch {
	case len(content) > 200:
		switch {
		case strings.Contains(content, "```"):
			return "provided code implementation"
		case strings.Contains(content, "error") || strings.Contains(content, "Error"):
			return "addressed an error"
		case strings.Contains(content, "fixed") || strings.Contains(content, "Fixed"):
			return "fixed an issue"
		case strings.Contains(content, "implemented") || strings.Contains(content, "added"):
			return "implemented requested features"
		default:
			return "provided detailed response"
		}
	case len(content) > 100:
		return "gave explanation"
	default:
		return "responded"
	}
}
