// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session drives one active conversation: it owns the visible
// notebook and the model-facing context together, runs the turn state
// machine over the streaming backend, and persists snapshots through a
// Store. The two halves are always swapped together when the active
// conversation changes, so the visible log and the model-facing history
// never diverge.
package session

import (
	stdctx "context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/gamecode-chat/internal/api"
	chatctx "github.com/jeranaias/gamecode-chat/internal/context"
	"github.com/jeranaias/gamecode-chat/internal/model"
	"github.com/jeranaias/gamecode-chat/internal/notebook"
	"github.com/jeranaias/gamecode-chat/internal/storage"
	"github.com/jeranaias/gamecode-chat/internal/util"
)

// =============================================================================
// TURN STATE
// =============================================================================

// TurnState tracks one in-flight turn.
type TurnState int

const (
	// Idle means no turn is in flight.
	Idle TurnState = iota

	// Requesting means the outbound request has been sent but no stream
	// bytes have arrived.
	Requesting

	// Streaming means response chunks are being ingested.
	Streaming

	// Completed means the last turn finished with a finalized response.
	Completed

	// Failed means the last turn aborted on a transport or server fault.
	Failed

	// AuthExpired means the last turn was rejected for authorization; the
	// submitted input is preserved for replay.
	AuthExpired
)

// String returns a human-readable state name.
func (s TurnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case AuthExpired:
		return "auth-expired"
	default:
		return "unknown"
	}
}

// ErrTurnInFlight is returned when Submit is called while a turn is still
// requesting or streaming.
var ErrTurnInFlight = errors.New("a turn is already in flight")

// ErrEmptyInput is returned when Submit is called with blank input.
var ErrEmptyInput = errors.New("input is empty")

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the per-session turn parameters.
type Config struct {
	// Provider selects the inference provider; empty uses the client default.
	Provider string

	// Model overrides the backend's default model when set.
	Model string

	// SystemPrompt is an optional system-prompt override sent per turn.
	SystemPrompt string

	// Temperature is an optional sampling temperature.
	Temperature *float64

	// MaxTokens caps the response length when positive.
	MaxTokens int

	// Context configures the token budget and compression threshold.
	Context chatctx.Config

	// PendingLabel is shown on the placeholder cell while a request is in
	// flight.
	PendingLabel string
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Context:      chatctx.DefaultConfig(),
		PendingLabel: "Thinking...",
	}
}

// DefaultTitle is used for conversations with no user input yet.
const DefaultTitle = "New Conversation"

// titleRunes is the title clip length.
const titleRunes = 40

// Backend is the streaming inference collaborator.
type Backend interface {
	ChatStream(ctx stdctx.Context, req api.ChatRequest, callback api.ChunkCallback) error
	Provider() string
	Model() string
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the single logical writer for one conversation session.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	backend Backend
	store   storage.Store // nil means session-only, nothing persists

	id        string
	createdAt time.Time
	log       *notebook.Notebook
	context   *chatctx.Manager
	turnState TurnState

	// pendingInput holds the submitted text of a turn that hit AuthExpired,
	// for replay after re-authentication.
	pendingInput string

	// onDelta receives each stream delta as it is applied to the log.
	onDelta func(delta string)

	// onChange fires after every log or context mutation.
	onChange func()
}

// NewEngine creates an engine with a fresh conversation. A nil store
// degrades to session-only state; the conversation flow still works.
func NewEngine(cfg Config, backend Backend, store storage.Store) *Engine {
	if cfg.PendingLabel == "" {
		cfg.PendingLabel = "Thinking..."
	}
	e := &Engine{
		cfg:     cfg,
		backend: backend,
		store:   store,
	}
	e.resetConversation()
	return e
}

// resetConversation installs a fresh id, log, and context. Lock held by
// callers (or constructor).
func (e *Engine) resetConversation() {
	e.id = uuid.NewString()
	e.createdAt = time.Now()
	e.log = notebook.New()
	e.context = chatctx.NewManager(e.cfg.Context)
	e.turnState = Idle
	e.wireHooks()
}

// wireHooks forwards mutation notifications to the session's onChange hook.
func (e *Engine) wireHooks() {
	notify := func() {
		if e.onChange != nil {
			e.onChange()
		}
	}
	e.log.SetOnChange(notify)
	e.context.SetOnChange(notify)
}

// SetOnDelta registers the per-delta hook, invoked as stream text is
// applied to the log.
func (e *Engine) SetOnDelta(fn func(delta string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDelta = fn
}

// SetOnChange registers the post-mutation hook. The hook may run while the
// engine lock is held, so it must not call back into the engine; treat it
// as a refresh signal and read state on the next loop iteration.
func (e *Engine) SetOnChange(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

// =============================================================================
// ACCESSORS
// =============================================================================

// ID returns the active conversation id.
func (e *Engine) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}

// State returns the turn state.
func (e *Engine) State() TurnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turnState
}

// Log returns the visible conversation log.
func (e *Engine) Log() *notebook.Notebook {
	return e.log
}

// Context returns the model-facing context manager.
func (e *Engine) Context() *chatctx.Manager {
	return e.context
}

// PendingInput returns the stashed input of an auth-expired turn and
// clears the stash.
func (e *Engine) PendingInput() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	input := e.pendingInput
	e.pendingInput = ""
	return input
}

// Title derives the conversation title from the first user input: its
// first line clipped to 40 runes, or a fixed default.
func (e *Engine) Title() string {
	return e.title()
}

// UpdateTurnParams replaces the per-turn request parameters without
// touching the active conversation or its context budget. Used when the
// configuration is reloaded mid-session.
func (e *Engine) UpdateTurnParams(provider, model, systemPrompt string, temperature *float64, maxTokens int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Provider = provider
	e.cfg.Model = model
	e.cfg.SystemPrompt = systemPrompt
	e.cfg.Temperature = temperature
	e.cfg.MaxTokens = maxTokens
}

// =============================================================================
// TURN EXECUTION
// =============================================================================

// Submit runs one full turn: append the user input, request the response,
// ingest the stream, and settle. Transport and server faults surface as
// error cells, never as panics; the session stays usable afterward.
//
// Submitting while a turn is requesting or streaming returns
// ErrTurnInFlight without mutating anything.
func (e *Engine) Submit(ctx stdctx.Context, input string) error {
	if strings.TrimSpace(input) == "" {
		return ErrEmptyInput
	}

	e.mu.Lock()
	if e.turnState == Requesting || e.turnState == Streaming {
		e.mu.Unlock()
		return ErrTurnInFlight
	}
	if _, open := e.log.OpenCell(); open {
		e.mu.Unlock()
		return ErrTurnInFlight
	}

	userCell := e.log.AppendUserInput(input)
	e.context.AddMessage(model.NewUserMessage(input))
	pendingCell := e.log.AppendPending(e.cfg.PendingLabel)
	e.turnState = Requesting

	req := api.ChatRequest{
		Provider:     e.cfg.Provider,
		Messages:     e.context.ContextForRequest(),
		Model:        e.cfg.Model,
		SystemPrompt: e.cfg.SystemPrompt,
		Temperature:  e.cfg.Temperature,
		MaxTokens:    e.cfg.MaxTokens,
	}
	e.mu.Unlock()

	e.persist()

	// The stream callback runs on this goroutine: chunk applications are
	// strictly sequential, one chunk's mutation settling before the next.
	var responseCell notebook.CellID
	haveResponse := false

	err := e.backend.ChatStream(ctx, req, func(chunk api.ChatChunk) {
		e.mu.Lock()
		if !haveResponse {
			// The placeholder is removed exactly once, right before the
			// real response entry takes its place.
			e.log.Remove(pendingCell)
			responseCell = e.log.AppendResponse(notebook.CellMetadata{
				Provider: e.providerName(),
				Model:    e.modelName(),
			})
			haveResponse = true
			e.turnState = Streaming
		}
		if chunk.Text != "" {
			e.log.UpdateStreamingResponse(responseCell, chunk.Text)
		}
		delta := chunk.Text
		onDelta := e.onDelta
		e.mu.Unlock()

		if onDelta != nil && delta != "" {
			onDelta(delta)
		}
	})

	e.mu.Lock()
	switch {
	case err == nil:
		if !haveResponse {
			// Stream ended before any event arrived.
			e.log.Remove(pendingCell)
			e.log.AppendError("No response received from the backend.", "")
			e.turnState = Failed
			break
		}
		e.log.FinalizeStreamingResponse(responseCell)
		if cell, ok := e.log.Cell(responseCell); ok {
			e.context.AddMessage(model.NewAssistantMessage(cell.Text))
		}
		e.turnState = Completed

	case errors.Is(err, api.ErrAuthExpired):
		// Roll the whole submission back so replay after re-auth does not
		// duplicate it, then surface the expiry in the log.
		e.log.Remove(pendingCell)
		e.log.Remove(userCell)
		e.context.RemoveLastMessage()
		e.pendingInput = input
		e.log.AppendError("Session expired. Please sign in again.", "")
		e.turnState = AuthExpired

	default:
		e.log.Remove(pendingCell)
		if haveResponse {
			// Keep the partial text visible, but it never reaches the
			// model-facing history.
			e.log.FinalizeStreamingResponse(responseCell)
		}
		e.log.AppendError(turnErrorMessage(err), errorDetail(err))
		e.turnState = Failed
	}
	e.mu.Unlock()

	e.persist()
	return err
}

// providerName returns the effective provider for cell metadata.
func (e *Engine) providerName() string {
	if e.cfg.Provider != "" {
		return e.cfg.Provider
	}
	if e.backend != nil {
		return e.backend.Provider()
	}
	return ""
}

// modelName returns the effective model for cell metadata.
func (e *Engine) modelName() string {
	if e.cfg.Model != "" {
		return e.cfg.Model
	}
	if e.backend != nil {
		return e.backend.Model()
	}
	return ""
}

// turnErrorMessage maps a turn fault to the log entry message.
func turnErrorMessage(err error) string {
	var srvErr *api.ServerError
	if errors.As(err, &srvErr) {
		return fmt.Sprintf("The server returned an error (HTTP %d).", srvErr.Status)
	}
	return "Connection to the backend failed."
}

// errorDetail extracts the detail line for the log entry.
func errorDetail(err error) string {
	return err.Error()
}

// =============================================================================
// COMPRESSION
// =============================================================================

// Compress runs one manual compression pass and persists on success.
func (e *Engine) Compress() bool {
	ok := e.context.Compress()
	if ok {
		e.persist()
	}
	return ok
}

// =============================================================================
// CONVERSATION LIFECYCLE
// =============================================================================

// NewConversation persists the current conversation (when it has content)
// and starts a fresh one. The log and context are replaced together.
func (e *Engine) NewConversation() string {
	e.persist()

	e.mu.Lock()
	e.resetConversation()
	id := e.id
	e.mu.Unlock()
	return id
}

// Load replaces the active conversation with a stored one. The log and
// context are restored together under one lock so they cannot diverge.
func (e *Engine) Load(id string) error {
	if e.store == nil {
		return storage.ErrUnavailable
	}
	record, err := e.store.Load(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.id = record.ID
	e.createdAt = record.Metadata.CreatedAt
	e.log = notebook.New()
	e.log.RestoreSnapshot(record.Log)
	e.context = chatctx.NewManager(e.cfg.Context)
	e.context.RestoreState(record.Context)
	e.turnState = Idle
	e.wireHooks()
	e.mu.Unlock()
	return nil
}

// List enumerates stored conversations for the switcher.
func (e *Engine) List(limit int) ([]storage.Ref, error) {
	if e.store == nil {
		return nil, storage.ErrUnavailable
	}
	return e.store.List(limit)
}

// Delete removes a stored conversation. Deleting the active conversation
// also resets the session to a fresh one.
func (e *Engine) Delete(id string) error {
	if e.store == nil {
		return storage.ErrUnavailable
	}
	if err := e.store.Delete(id); err != nil {
		return err
	}

	e.mu.Lock()
	if id == e.id {
		e.resetConversation()
	}
	e.mu.Unlock()
	return nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// persist saves a consistent snapshot of the active conversation. An empty
// conversation is not persisted; a missing store degrades silently to
// session-only state.
func (e *Engine) persist() {
	if e.store == nil {
		return
	}

	e.mu.Lock()
	if e.log.Len() == 0 {
		e.mu.Unlock()
		return
	}
	record := storage.Record{
		ID:      e.id,
		Log:     e.log.ToSnapshot(),
		Context: e.context.ToState(),
		Metadata: storage.Metadata{
			CreatedAt:  e.createdAt,
			ModifiedAt: time.Now(),
			Title:      e.title(),
			Model:      e.modelName(),
			Provider:   e.providerName(),
		},
	}
	e.mu.Unlock()

	// A failed save degrades to session-only state for this snapshot; the
	// next settle point retries with a fresh one.
	_ = e.store.Save(record)
}

// title is the lock-free title derivation used while e.mu is held.
func (e *Engine) title() string {
	text, ok := e.log.FirstUserInput()
	if !ok {
		return DefaultTitle
	}
	title := strings.TrimSpace(util.FirstLine(text))
	if title == "" {
		return DefaultTitle
	}
	return util.ClipRunes(title, titleRunes)
}
