// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package context

import (
	"strings"
	"testing"

	"github.com/jeranaias/gamecode-chat/internal/model"
	"github.com/jeranaias/gamecode-chat/internal/token"
)

// longUserMessage returns a user message large enough that compressing a
// run of them demonstrably shrinks the token footprint.
func longUserMessage(i int) model.Message {
	return model.NewUserMessage(strings.Repeat("w", 600) + " #" + strings.Repeat("x", i))
}

func longAssistantMessage() model.Message {
	return model.NewAssistantMessage(strings.Repeat("y", 600))
}

// checkTotalInvariant asserts the cached total equals a fresh recomputation.
func checkTotalInvariant(t *testing.T, m *Manager) {
	t.Helper()
	state := m.ToState()
	want := token.EstimateMessages(state.ActiveMessages)
	for _, s := range state.CompressedSummaries {
		want += token.Estimate(s)
	}
	if state.TotalTokens != want {
		t.Fatalf("total_tokens = %d, recomputed = %d", state.TotalTokens, want)
	}
}

func TestManager_AddMessageRecountsTotal(t *testing.T) {
	m := NewManager(DefaultConfig())

	inputs := []model.Message{
		model.NewUserMessage("hello"),
		model.NewAssistantMessage("hi there"),
		model.NewUserMessage(strings.Repeat("a", 200)),
		model.NewSystemMessage("note"),
	}
	for _, msg := range inputs {
		m.AddMessage(msg)
		checkTotalInvariant(t, m)
	}

	if got := m.ActiveMessageCount(); got != 4 {
		t.Errorf("ActiveMessageCount = %d, want 4", got)
	}
}

func TestManager_CompressTooFewMessages(t *testing.T) {
	m := NewManager(DefaultConfig())
	for i := 0; i < 5; i++ {
		m.AddMessage(longUserMessage(i))
	}

	if m.Compress() {
		t.Fatal("Compress should decline with fewer than 6 messages")
	}
	if m.ActiveMessageCount() != 5 || m.CompressionCount() != 0 {
		t.Error("declined compression must not mutate state")
	}
}

func TestManager_CompressCountFloor(t *testing.T) {
	// 7 messages: keep = max(4, ceil(2.1)) = 4, candidate count = 3 < 4.
	m := NewManager(DefaultConfig())
	for i := 0; i < 7; i++ {
		m.AddMessage(longUserMessage(i))
	}

	if m.Compress() {
		t.Fatal("Compress should decline when the candidate count is under 4")
	}
	if m.ActiveMessageCount() != 7 {
		t.Errorf("ActiveMessageCount = %d, want 7", m.ActiveMessageCount())
	}
}

func TestManager_CompressKeepsTail(t *testing.T) {
	m := NewManager(DefaultConfig())
	var added []model.Message
	for i := 0; i < 10; i++ {
		var msg model.Message
		if i%2 == 0 {
			msg = longUserMessage(i)
		} else {
			msg = longAssistantMessage()
		}
		added = append(added, msg)
		m.AddMessage(msg)
	}

	before := m.TotalTokens()
	if !m.Compress() {
		t.Fatal("Compress should succeed on 10 long messages")
	}
	checkTotalInvariant(t, m)

	// keep = max(4, ceil(3)) = 4, so the newest 4 messages survive.
	state := m.ToState()
	if len(state.ActiveMessages) != 4 {
		t.Fatalf("kept %d messages, want 4", len(state.ActiveMessages))
	}
	for i, msg := range state.ActiveMessages {
		if msg != added[6+i] {
			t.Errorf("kept[%d] = %+v, want the original tail message", i, msg)
		}
	}
	if len(state.CompressedSummaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(state.CompressedSummaries))
	}
	if !strings.Contains(state.CompressedSummaries[0], "[Compressed 6 messages") {
		t.Errorf("summary trailer should count 6 messages: %q", state.CompressedSummaries[0])
	}
	if m.CompressionCount() != 1 {
		t.Errorf("CompressionCount = %d, want 1", m.CompressionCount())
	}
	if after := m.TotalTokens(); float64(after) >= float64(before)*0.9 {
		t.Errorf("compression saved too little: before=%d after=%d", before, after)
	}
}

func TestManager_CompressRejectsUselessSummary(t *testing.T) {
	// Tiny messages: the digest is bigger than what it replaces, so the
	// savings guard must reject the pass.
	m := NewManager(DefaultConfig())
	for i := 0; i < 10; i++ {
		m.AddMessage(model.NewUserMessage("hi"))
	}

	if m.Compress() {
		t.Fatal("Compress should reject a summary that does not shrink the footprint")
	}
	if m.ActiveMessageCount() != 10 || m.SummaryCount() != 0 || m.CompressionCount() != 0 {
		t.Error("rejected compression must not mutate state")
	}
}

func TestManager_AutoCompressOnThreshold(t *testing.T) {
	// Small budget so a handful of long messages crosses the threshold.
	m := NewManager(Config{MaxContextTokens: 1200, AutoCompressThreshold: 0.85})

	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			m.AddMessage(longUserMessage(i))
		} else {
			m.AddMessage(longAssistantMessage())
		}
		checkTotalInvariant(t, m)
	}

	if m.CompressionCount() == 0 {
		t.Fatal("auto-compression should have triggered")
	}
	if m.SummaryCount() == 0 {
		t.Fatal("auto-compression should have stored a summary")
	}
}

func TestManager_SinglePassPerAdd(t *testing.T) {
	// Even if the total stays over threshold, one AddMessage triggers at
	// most one compression pass.
	m := NewManager(Config{MaxContextTokens: 100, AutoCompressThreshold: 0.5})

	for i := 0; i < 9; i++ {
		m.AddMessage(longUserMessage(i))
	}
	before := m.CompressionCount()
	m.AddMessage(longUserMessage(9))
	if got := m.CompressionCount() - before; got > 1 {
		t.Errorf("one AddMessage ran %d compression passes", got)
	}
}

func TestManager_ContextForRequest(t *testing.T) {
	m := NewManager(DefaultConfig())
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			m.AddMessage(longUserMessage(i))
		} else {
			m.AddMessage(longAssistantMessage())
		}
	}
	if !m.Compress() {
		t.Fatal("setup: compression should succeed")
	}

	request := m.ContextForRequest()
	state := m.ToState()

	wantLen := len(state.CompressedSummaries) + len(state.ActiveMessages)
	if len(request) != wantLen {
		t.Fatalf("request length = %d, want %d", len(request), wantLen)
	}
	for i, summary := range state.CompressedSummaries {
		msg := request[i]
		if msg.Role != model.RoleSystem {
			t.Errorf("request[%d].Role = %q, want system", i, msg.Role)
		}
		if msg.Content != "Previous conversation summary: "+summary {
			t.Errorf("request[%d] missing summary prefix: %q", i, msg.Content)
		}
	}
	for i, msg := range state.ActiveMessages {
		if request[len(state.CompressedSummaries)+i] != msg {
			t.Errorf("active message %d out of order", i)
		}
	}
}

func TestManager_StateRoundTrip(t *testing.T) {
	m := NewManager(DefaultConfig())
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			m.AddMessage(longUserMessage(i))
		} else {
			m.AddMessage(longAssistantMessage())
		}
	}
	m.Compress()

	state := m.ToState()

	restored := NewManager(DefaultConfig())
	restored.RestoreState(state)

	if restored.TotalTokens() != m.TotalTokens() {
		t.Errorf("TotalTokens = %d, want %d", restored.TotalTokens(), m.TotalTokens())
	}
	if restored.CompressionCount() != m.CompressionCount() {
		t.Errorf("CompressionCount = %d, want %d", restored.CompressionCount(), m.CompressionCount())
	}
	checkTotalInvariant(t, restored)

	// The snapshot is a copy: mutating the restored manager must not
	// affect the snapshot.
	restored.AddMessage(model.NewUserMessage("post-restore"))
	if len(state.ActiveMessages) == restored.ActiveMessageCount() {
		t.Error("snapshot should be independent of later mutation")
	}
}

func TestManager_RestoreRecomputesTotal(t *testing.T) {
	state := State{
		ActiveMessages: []model.Message{model.NewUserMessage("hello world")},
		TotalTokens:    999999, // stale cached value
	}

	m := NewManager(DefaultConfig())
	m.RestoreState(state)
	checkTotalInvariant(t, m)
	if m.TotalTokens() == 999999 {
		t.Error("restore must recompute the token total, not trust the snapshot")
	}
}

func TestManager_Clear(t *testing.T) {
	m := NewManager(DefaultConfig())
	for i := 0; i < 10; i++ {
		m.AddMessage(longUserMessage(i))
	}
	m.Compress()

	m.Clear()

	if m.ActiveMessageCount() != 0 || m.SummaryCount() != 0 {
		t.Error("Clear should empty messages and summaries")
	}
	if m.TotalTokens() != 0 {
		t.Errorf("TotalTokens = %d after Clear", m.TotalTokens())
	}
	if m.CompressionCount() != 0 {
		t.Error("Clear should reset the compression count")
	}
}

func TestManager_RemoveLastMessage(t *testing.T) {
	m := NewManager(DefaultConfig())

	if _, ok := m.RemoveLastMessage(); ok {
		t.Fatal("RemoveLastMessage on empty manager should report false")
	}

	m.AddMessage(model.NewUserMessage("first"))
	m.AddMessage(model.NewUserMessage("second"))

	msg, ok := m.RemoveLastMessage()
	if !ok || msg.Content != "second" {
		t.Fatalf("RemoveLastMessage = %+v, %v", msg, ok)
	}
	if m.ActiveMessageCount() != 1 {
		t.Errorf("ActiveMessageCount = %d, want 1", m.ActiveMessageCount())
	}
	checkTotalInvariant(t, m)
}

func TestManager_UsagePercentage(t *testing.T) {
	m := NewManager(Config{MaxContextTokens: 100, AutoCompressThreshold: 2.0})
	m.AddMessage(model.NewUserMessage(strings.Repeat("a", 100)))

	tokens := m.TotalTokens()
	want := float64(tokens) / 100 * 100
	if got := m.UsagePercentage(); got != want {
		t.Errorf("UsagePercentage = %v, want %v", got, want)
	}
}

func TestManager_OnChangeHook(t *testing.T) {
	m := NewManager(DefaultConfig())
	calls := 0
	m.SetOnChange(func() { calls++ })

	m.AddMessage(model.NewUserMessage("one"))
	m.AddMessage(model.NewUserMessage("two"))
	m.Clear()

	if calls != 3 {
		t.Errorf("onChange fired %d times, want 3", calls)
	}
}
