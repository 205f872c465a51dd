// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package notebook holds the visible history of one conversation as an
// ordered sequence of typed cells.
//
// The notebook is the render-facing log; the model-facing history lives in
// the context manager. The two are owned together by a session and must be
// swapped together when the active conversation changes.
package notebook

import (
	"strings"
	"time"
)

// =============================================================================
// CELL TYPES
// =============================================================================

// CellID identifies a cell within one notebook. IDs are assigned in strictly
// increasing append order and are never reused, even after a cell is removed.
type CellID int

// CellKind discriminates the cell payload.
type CellKind string

const (
	// CellUserInput is a submitted user message.
	CellUserInput CellKind = "user_input"

	// CellResponse is an assistant response, possibly still streaming.
	CellResponse CellKind = "response"

	// CellError is a surfaced turn failure.
	CellError CellKind = "error"

	// CellPending is a placeholder shown between submission and the first
	// response byte. It is removed when the real response cell is appended.
	CellPending CellKind = "pending"
)

// CellMetadata carries optional display hints for a cell.
type CellMetadata struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Cell is one entry of the visible conversation history.
//
// The payload fields are kind-specific: Text for user input and responses,
// Message/Details for errors, Label for pending placeholders. Once a
// response cell is finalized its content is immutable.
type Cell struct {
	ID        CellID       `json:"id"`
	Kind      CellKind     `json:"kind"`
	Text      string       `json:"text,omitempty"`
	Streaming bool         `json:"streaming,omitempty"`
	Message   string       `json:"message,omitempty"`
	Details   string       `json:"details,omitempty"`
	Label     string       `json:"label,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	Metadata  CellMetadata `json:"metadata"`
}

// Open reports whether the cell is still accepting mutation: a pending
// placeholder or a response that has not been finalized.
func (c *Cell) Open() bool {
	return c.Kind == CellPending || (c.Kind == CellResponse && c.Streaming)
}

// =============================================================================
// NOTEBOOK
// =============================================================================

// Notebook is the ordered, append-mostly cell log for one conversation.
//
// It is not safe for concurrent use; the session engine is the single
// writer.
type Notebook struct {
	cells  []Cell
	nextID CellID
	cursor CellID

	// onChange is invoked after every mutation. The session driver uses it
	// to schedule persistence and UI refresh; there is no implicit reactive
	// graph.
	onChange func()
}

// New creates an empty notebook.
func New() *Notebook {
	return &Notebook{}
}

// SetOnChange registers the post-mutation hook. A nil hook disables
// notification.
func (n *Notebook) SetOnChange(fn func()) {
	n.onChange = fn
}

func (n *Notebook) notify() {
	if n.onChange != nil {
		n.onChange()
	}
}

// =============================================================================
// APPEND OPERATIONS
// =============================================================================

// append adds a cell with the next id and the current timestamp.
func (n *Notebook) append(cell Cell) CellID {
	cell.ID = n.nextID
	cell.CreatedAt = time.Now()
	n.nextID++
	n.cells = append(n.cells, cell)
	n.cursor = cell.ID
	n.notify()
	return cell.ID
}

// AppendUserInput appends a user input cell.
func (n *Notebook) AppendUserInput(text string) CellID {
	return n.append(Cell{Kind: CellUserInput, Text: text})
}

// AppendResponse appends an empty streaming response cell.
func (n *Notebook) AppendResponse(meta CellMetadata) CellID {
	return n.append(Cell{Kind: CellResponse, Streaming: true, Metadata: meta})
}

// AppendError appends an error cell.
func (n *Notebook) AppendError(message, details string) CellID {
	return n.append(Cell{Kind: CellError, Message: message, Details: details})
}

// AppendPending appends a pending placeholder cell.
func (n *Notebook) AppendPending(label string) CellID {
	return n.append(Cell{Kind: CellPending, Label: label})
}

// =============================================================================
// LOOKUP
// =============================================================================

// Cell returns a copy of the cell with the given id.
func (n *Notebook) Cell(id CellID) (Cell, bool) {
	for i := range n.cells {
		if n.cells[i].ID == id {
			return n.cells[i], true
		}
	}
	return Cell{}, false
}

// cellMut returns a pointer into the live cell slice.
func (n *Notebook) cellMut(id CellID) *Cell {
	for i := range n.cells {
		if n.cells[i].ID == id {
			return &n.cells[i]
		}
	}
	return nil
}

// Cells returns a copy of all cells in order.
func (n *Notebook) Cells() []Cell {
	out := make([]Cell, len(n.cells))
	copy(out, n.cells)
	return out
}

// Len returns the number of cells.
func (n *Notebook) Len() int {
	return len(n.cells)
}

// OpenCell returns the id of the currently open cell, if any. The session
// engine guarantees there is at most one.
func (n *Notebook) OpenCell() (CellID, bool) {
	for i := range n.cells {
		if n.cells[i].Open() {
			return n.cells[i].ID, true
		}
	}
	return 0, false
}

// FirstUserInput returns the text of the first user input cell.
func (n *Notebook) FirstUserInput() (string, bool) {
	for i := range n.cells {
		if n.cells[i].Kind == CellUserInput {
			return n.cells[i].Text, true
		}
	}
	return "", false
}

// Cursor returns the current cursor position. The cursor is a UI hint only.
func (n *Notebook) Cursor() CellID {
	return n.cursor
}

// =============================================================================
// STREAMING MUTATION
// =============================================================================

// UpdateStreamingResponse appends a text delta to a streaming response cell.
//
// When the cell's accumulated text is still empty, the leading whitespace of
// the delta is stripped; this happens at most once per response. Deltas after
// the first non-empty one are appended verbatim.
func (n *Notebook) UpdateStreamingResponse(id CellID, delta string) {
	cell := n.cellMut(id)
	if cell == nil || cell.Kind != CellResponse {
		return
	}

	if cell.Text == "" && strings.TrimLeft(delta, " \t\r\n") != "" {
		cell.Text += strings.TrimLeft(delta, " \t\r\n")
	} else {
		cell.Text += delta
	}
	cell.Streaming = true
	n.notify()
}

// FinalizeStreamingResponse closes a streaming response cell, trimming
// trailing whitespace exactly once.
func (n *Notebook) FinalizeStreamingResponse(id CellID) {
	cell := n.cellMut(id)
	if cell == nil || cell.Kind != CellResponse {
		return
	}

	cell.Text = strings.TrimRight(cell.Text, " \t\r\n")
	cell.Streaming = false
	n.notify()
}

// =============================================================================
// REMOVAL
// =============================================================================

// Remove deletes the cell with the given id. The id is not reused. This is
// the normal path for swapping a pending placeholder for the real response
// cell once per turn.
func (n *Notebook) Remove(id CellID) bool {
	for i := range n.cells {
		if n.cells[i].ID == id {
			n.cells = append(n.cells[:i], n.cells[i+1:]...)
			n.notify()
			return true
		}
	}
	return false
}

// Clear removes all cells. The id sequence continues; ids from the cleared
// cells are never reassigned within this notebook instance.
func (n *Notebook) Clear() {
	n.cells = n.cells[:0]
	n.cursor = 0
	n.notify()
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

// Snapshot is the persisted form of a notebook.
type Snapshot struct {
	Entries []Cell `json:"entries"`
	NextID  CellID `json:"next_id"`
	Cursor  CellID `json:"cursor"`
}

// ToSnapshot returns a deep copy of the notebook state.
func (n *Notebook) ToSnapshot() Snapshot {
	entries := make([]Cell, len(n.cells))
	copy(entries, n.cells)
	return Snapshot{
		Entries: entries,
		NextID:  n.nextID,
		Cursor:  n.cursor,
	}
}

// RestoreSnapshot replaces the notebook state with a snapshot copy. The id
// sequence continues from the snapshot's high-water mark so restored
// notebooks keep their ids strictly increasing.
func (n *Notebook) RestoreSnapshot(snap Snapshot) {
	n.cells = make([]Cell, len(snap.Entries))
	copy(n.cells, snap.Entries)
	n.nextID = snap.NextID
	n.cursor = snap.Cursor

	// Guard against hand-edited snapshots with a stale next_id.
	for i := range n.cells {
		if n.cells[i].ID >= n.nextID {
			n.nextID = n.cells[i].ID + 1
		}
	}
	n.notify()
}
