// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides durable conversation persistence behind a single
// Store interface, with a JSON-file backend and a SQLite backend. The core
// never assumes which backend is in use.
package storage

import (
	"errors"
	"sort"
	"time"

	"github.com/jeranaias/gamecode-chat/internal/context"
	"github.com/jeranaias/gamecode-chat/internal/notebook"
	"github.com/jeranaias/gamecode-chat/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultListLimit is used when List is called with a non-positive limit.
	DefaultListLimit = 20

	// previewRunes is the preview clip length for the switcher listing.
	previewRunes = 50

	// EmptyPreview is the preview for a conversation with no user input.
	EmptyPreview = "Empty conversation"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("conversation not found")

	// ErrUnavailable indicates the backing storage is missing or disabled.
	// Callers degrade to session-only state rather than aborting the
	// conversation flow.
	ErrUnavailable = errors.New("storage unavailable")
)

// =============================================================================
// RECORD TYPES
// =============================================================================

// Metadata carries the descriptive fields of a persisted conversation.
// Title is derived by the caller before save, never edited by the store.
type Metadata struct {
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	Title      string    `json:"title"`
	Model      string    `json:"model,omitempty"`
	Provider   string    `json:"provider,omitempty"`
}

// Record is the persisted unit: one conversation's visible log, its
// model-facing context state, and metadata, keyed by id.
type Record struct {
	ID       string            `json:"id"`
	Log      notebook.Snapshot `json:"log"`
	Context  context.State     `json:"context"`
	Metadata Metadata          `json:"metadata"`
}

// Ref is the switcher projection of one stored conversation.
type Ref struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	ModifiedAt time.Time `json:"modified_at"`
	Preview    string    `json:"preview"`
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store persists conversation records. Save is a whole-record upsert: a
// record racing a later mutation is simply overwritten by the next save, so
// partial-write corruption is not possible.
type Store interface {
	// Save upserts a record by id.
	Save(record Record) error

	// Load returns the record for id, or ErrNotFound.
	Load(id string) (Record, error)

	// List returns refs sorted by modified time descending, capped at
	// limit (non-positive means DefaultListLimit).
	List(limit int) ([]Ref, error)

	// Delete removes the record for id, or returns ErrNotFound.
	Delete(id string) error

	// Clear removes every stored record.
	Clear() error

	// Close releases backend resources.
	Close() error
}

// =============================================================================
// SHARED PROJECTION HELPERS
// =============================================================================

// derivePreview produces the switcher preview from a log snapshot: the
// first user input clipped to 50 runes, or a fixed placeholder.
func derivePreview(log notebook.Snapshot) string {
	for _, cell := range log.Entries {
		if cell.Kind == notebook.CellUserInput {
			return util.ClipRunes(cell.Text, previewRunes)
		}
	}
	return EmptyPreview
}

// refOf builds the listing projection for one record.
func refOf(record Record) Ref {
	return Ref{
		ID:         record.ID,
		Title:      record.Metadata.Title,
		ModifiedAt: record.Metadata.ModifiedAt,
		Preview:    derivePreview(record.Log),
	}
}

// sortAndCap orders refs newest-first and truncates to the limit.
func sortAndCap(refs []Ref, limit int) []Ref {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].ModifiedAt.After(refs[j].ModifiedAt)
	})
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs
}
