// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"testing"
	"time"
)

// =============================================================================
// ROLE TESTS
// =============================================================================

func TestRole_Valid(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleUser, true},
		{RoleAssistant, true},
		{RoleSystem, true},
		{Role("tool"), false},
		{Role(""), false},
	}

	for _, tc := range tests {
		if got := tc.role.Valid(); got != tc.want {
			t.Errorf("Role(%q).Valid() = %v, want %v", tc.role, got, tc.want)
		}
	}
}

func TestRole_DisplayName(t *testing.T) {
	if got := RoleUser.DisplayName(); got != "You" {
		t.Errorf("RoleUser.DisplayName() = %q, want %q", got, "You")
	}
	if got := Role("tool").DisplayName(); got != "tool" {
		t.Errorf("unknown DisplayName() = %q, want %q", got, "tool")
	}
}

// =============================================================================
// ENVELOPE TESTS
// =============================================================================

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope("chat-1", "", RoleUser)

	if env.ID == "" {
		t.Fatal("NewEnvelope() returned empty ID")
	}
	if env.ChatID != "chat-1" {
		t.Errorf("ChatID = %q, want %q", env.ChatID, "chat-1")
	}
	if env.HasParent() {
		t.Error("root envelope should not have a parent")
	}
	if env.Done {
		t.Error("new envelope should not be done")
	}
	if time.Since(env.Timestamp) > time.Minute {
		t.Errorf("Timestamp = %v, want recent", env.Timestamp)
	}

	other := NewEnvelope("chat-1", env.ID, RoleAssistant)
	if other.ID == env.ID {
		t.Error("NewEnvelope() generated duplicate IDs")
	}
	if !other.HasParent() {
		t.Error("child envelope should have a parent")
	}
}

func TestChatMessage_EstimateTokens(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"", 4},
		{"abcd", 5},
		{"abcde", 6},
	}
	for _, tc := range tests {
		msg := ChatMessage{Role: RoleUser, Content: tc.content}
		if got := msg.EstimateTokens(); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.content, got, tc.want)
		}
	}
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestSortByUpdated(t *testing.T) {
	now := time.Now()
	convs := []Conversation{
		{ID: "b", Updated: now.Add(-time.Hour)},
		{ID: "c", Updated: now},
		{ID: "a", Updated: now.Add(-time.Hour)},
	}

	SortByUpdated(convs)

	want := []string{"c", "a", "b"}
	for i, id := range want {
		if convs[i].ID != id {
			t.Errorf("convs[%d].ID = %q, want %q", i, convs[i].ID, id)
		}
	}
}

func TestMergeMetadata_LocalWins(t *testing.T) {
	got := MergeMetadata(
		map[string]string{"title": "imported", "source": "legacy"},
		map[string]string{"title": "local"},
	)

	if got["title"] != "local" {
		t.Errorf("title = %q, want %q", got["title"], "local")
	}
	if got["source"] != "legacy" {
		t.Errorf("source = %q, want %q", got["source"], "legacy")
	}
}

// =============================================================================
// LIMITS TESTS
// =============================================================================

func TestLimitsFor(t *testing.T) {
	tests := []struct {
		name       string
		wantWindow int
		wantLocal  bool
	}{
		{"llama3.1:8b", 131072, true},
		{"llama3:latest", 8192, true},
		{"openai/gpt-4o", 128000, false},
		{"openai/gpt-4o-mini", 128000, false},
		{"someone/unknown-model", DefaultContextWindow, false},
		{"my-finetune", DefaultContextWindow, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := LimitsFor(tc.name)
			if got.ContextWindow != tc.wantWindow {
				t.Errorf("ContextWindow = %d, want %d", got.ContextWindow, tc.wantWindow)
			}
			if got.Local != tc.wantLocal {
				t.Errorf("Local = %v, want %v", got.Local, tc.wantLocal)
			}
			if IsCloudModel(tc.name) == tc.wantLocal {
				t.Errorf("IsCloudModel(%q) = %v, want %v", tc.name, !tc.wantLocal, !tc.wantLocal)
			}
		})
	}
}

func TestResolveMetadata(t *testing.T) {
	got := ResolveMetadata(map[string]string{
		"imported:title":  "Old title",
		"imported:source": "legacy",
		"title":           "New title",
	})

	if got["title"] != "New title" {
		t.Errorf("title = %q, want %q", got["title"], "New title")
	}
	if got["source"] != "legacy" {
		t.Errorf("source = %q, want %q", got["source"], "legacy")
	}
	if _, ok := got["imported:title"]; ok {
		t.Error("prefixed key should not survive resolution")
	}
}
