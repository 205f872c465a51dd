// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "strings"

// UNICODE: rune-aware truncation preserves multi-byte characters and never
// cuts inside a UTF-8 sequence.

// TruncateRunes truncates a string to a maximum number of runes. If the
// string is truncated, "..." is appended within the budget.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// ClipRunes truncates a string to a maximum number of runes and appends
// "..." outside the budget when anything was cut. Used for previews where
// the marker should not eat into the visible text.
func ClipRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}

// FirstLine returns everything before the first newline.
func FirstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimRight(s[:i], "\r")
	}
	return s
}

// RuneLen returns the number of runes in a string; safer than len() when
// counting characters of UTF-8 text.
func RuneLen(s string) int {
	return len([]rune(s))
}
