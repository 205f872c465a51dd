// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package context manages the model-facing message history for one
// conversation: token accounting against a fixed budget, automatic
// compression of older turns into deterministic digests, and the exact
// message list sent to the backend for the next turn.
//
// The model-facing history is distinct from the visible notebook log; the
// session engine keeps the two in step and swaps them together when the
// active conversation changes.
package context
