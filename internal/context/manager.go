// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package context

import (
	"math"
	"sync"

	"github.com/jeranaias/gamecode-chat/internal/model"
	"github.com/jeranaias/gamecode-chat/internal/token"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the context budget parameters. Values are injected at
// construction so tests can run against small budgets.
type Config struct {
	// MaxContextTokens is the token budget for one request (default: 4096).
	MaxContextTokens int

	// AutoCompressThreshold is the fraction of the budget at which adding a
	// message triggers one compression pass (default: 0.85).
	AutoCompressThreshold float64
}

// DefaultConfig returns the default context configuration.
func DefaultConfig() Config {
	return Config{
		MaxContextTokens:      4096,
		AutoCompressThreshold: 0.85,
	}
}

// =============================================================================
// STATE SNAPSHOT
// =============================================================================

// State is the persistable snapshot of a context manager.
//
// TotalTokens is a cached projection: it is always recomputable as the
// estimate of the active messages plus the estimates of the summaries.
type State struct {
	ActiveMessages      []model.Message `json:"active_messages"`
	CompressedSummaries []string        `json:"compressed_summaries"`
	TotalTokens         int             `json:"total_tokens"`
	CompressionCount    int             `json:"compression_count"`
}

// =============================================================================
// CONTEXT MANAGER
// =============================================================================

// Manager tracks the active message history and its compressed prefix.
type Manager struct {
	mu sync.Mutex

	cfg Config

	messages         []model.Message
	summaries        []string
	totalTokens      int
	compressionCount int

	// onChange is invoked after every mutation, outside any decision about
	// persistence; the session driver owns that policy.
	onChange func()
}

// NewManager creates a context manager. Zero values in cfg fall back to the
// defaults.
func NewManager(cfg Config) *Manager {
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = 4096
	}
	if cfg.AutoCompressThreshold == 0 {
		cfg.AutoCompressThreshold = 0.85
	}
	return &Manager{cfg: cfg}
}

// SetOnChange registers the post-mutation hook.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

// =============================================================================
// MUTATION
// =============================================================================

// AddMessage appends a message to the active history and recomputes the
// token total. When the total crosses the compression threshold, exactly one
// compression pass runs; compression may legitimately decline to help, so
// the pass is never chained even if the total is still over afterward.
func (m *Manager) AddMessage(msg model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, msg)
	m.recount()

	if m.usage() > m.cfg.AutoCompressThreshold {
		m.compress()
	}
	m.notify()
}

// RemoveLastMessage removes and returns the most recently added active
// message. Used to roll a submission back when authorization expires before
// the turn starts.
func (m *Manager) RemoveLastMessage() (model.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.messages) == 0 {
		return model.Message{}, false
	}
	last := m.messages[len(m.messages)-1]
	m.messages = m.messages[:len(m.messages)-1]
	m.recount()
	m.notify()
	return last, true
}

// Compress runs one compression pass. It returns false without mutating
// anything when there is too little history to summarize or when the
// summary would not shrink the footprint enough to be worth keeping.
func (m *Manager) Compress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := m.compress()
	if ok {
		m.notify()
	}
	return ok
}

// compress is the lock-held compression pass.
func (m *Manager) compress() bool {
	total := len(m.messages)
	if total < 6 {
		return false
	}

	// Keep the most recent 30% of messages, but never fewer than 4.
	keep := int(math.Ceil(float64(total) * 0.3))
	if keep < 4 {
		keep = 4
	}
	compressCount := total - keep
	if compressCount < 4 {
		return false
	}

	head := m.messages[:compressCount]
	tail := m.messages[compressCount:]

	summary := digest(head)

	// The summary must demonstrably help: reject it unless the new
	// message+summary total is below 90% of the old message total.
	originalTokens := token.EstimateMessages(m.messages)
	newTotal := token.Estimate(summary) + token.EstimateMessages(tail)
	if float64(newTotal) >= float64(originalTokens)*0.9 {
		return false
	}

	m.summaries = append(m.summaries, summary)
	kept := make([]model.Message, len(tail))
	copy(kept, tail)
	m.messages = kept
	m.compressionCount++
	m.recount()
	return true
}

// Clear resets the manager to an empty state. A fresh conversation has no
// compression history.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = nil
	m.summaries = nil
	m.totalTokens = 0
	m.compressionCount = 0
	m.notify()
}

// recount recomputes the cached token total from scratch. Called after
// every mutation of messages or summaries.
func (m *Manager) recount() {
	total := token.EstimateMessages(m.messages)
	for _, s := range m.summaries {
		total += token.Estimate(s)
	}
	m.totalTokens = total
}

func (m *Manager) usage() float64 {
	return float64(m.totalTokens) / float64(m.cfg.MaxContextTokens)
}

// =============================================================================
// REQUEST PROJECTION
// =============================================================================

// ContextForRequest returns the exact message list for the next backend
// request: every stored summary as a synthetic system message, in creation
// order, followed by the active messages in order.
func (m *Manager) ContextForRequest() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Message, 0, len(m.summaries)+len(m.messages))
	for _, summary := range m.summaries {
		out = append(out, model.NewSystemMessage("Previous conversation summary: "+summary))
	}
	out = append(out, m.messages...)
	return out
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

// ToState returns a deep copy of the current state.
func (m *Manager) ToState() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	messages := make([]model.Message, len(m.messages))
	copy(messages, m.messages)
	summaries := make([]string, len(m.summaries))
	copy(summaries, m.summaries)

	return State{
		ActiveMessages:      messages,
		CompressedSummaries: summaries,
		TotalTokens:         m.totalTokens,
		CompressionCount:    m.compressionCount,
	}
}

// RestoreState replaces the manager state with a copy of the snapshot. The
// token total is recomputed rather than trusted, since it is a projection.
func (m *Manager) RestoreState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = make([]model.Message, len(state.ActiveMessages))
	copy(m.messages, state.ActiveMessages)
	m.summaries = make([]string, len(state.CompressedSummaries))
	copy(m.summaries, state.CompressedSummaries)
	m.compressionCount = state.CompressionCount
	m.recount()
	m.notify()
}

// =============================================================================
// ACCESSORS
// =============================================================================

// TotalTokens returns the cached token total.
func (m *Manager) TotalTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalTokens
}

// UsagePercentage returns how full the context budget is, as a percentage.
func (m *Manager) UsagePercentage() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage() * 100
}

// CompressionCount returns how many compression passes have succeeded.
func (m *Manager) CompressionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compressionCount
}

// ActiveMessageCount returns the number of active (uncompressed) messages.
func (m *Manager) ActiveMessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// SummaryCount returns the number of stored summaries.
func (m *Manager) SummaryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.summaries)
}
