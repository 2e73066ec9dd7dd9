// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"errors"
	"testing"
)

// =============================================================================
// LOCALHOST DETECTION
// =============================================================================

func TestIsLocalhost(t *testing.T) {
	tests := []struct {
		host   string
		expect bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"localhost:11434", true},
		{"127.0.0.1", true},
		{"127.0.0.1:8080", true},
		{"127.1.2.3", true},
		{"::1", true},
		{"[::1]", true},
		{"[::1]:8080", true},

		{"google.com", false},
		{"192.168.1.1", false},
		{"10.0.0.1", false},
		{"0.0.0.0", false},
		{"localhost.evil.com", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := IsLocalhost(tt.host); got != tt.expect {
				t.Errorf("IsLocalhost(%q) = %v, want %v", tt.host, got, tt.expect)
			}
		})
	}
}

// =============================================================================
// POLICY
// =============================================================================

func TestPolicy_CheckModelURL(t *testing.T) {
	tests := []struct {
		name    string
		offline bool
		url     string
		wantErr error
	}{
		{"online remote", false, "https://ollama.example.com", nil},
		{"online local", false, "http://127.0.0.1:11434", nil},
		{"offline local", true, "http://localhost:11434", nil},
		{"offline remote", true, "https://ollama.example.com", ErrNonLocalhost},
		{"file scheme online", false, "file:///etc/passwd", ErrInvalidURLScheme},
		{"file scheme offline", true, "file:///etc/passwd", ErrInvalidURLScheme},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Policy{Offline: tt.offline}.CheckModelURL(tt.url)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("CheckModelURL(%q) error = %v, want nil", tt.url, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CheckModelURL(%q) error = %v, want %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestPolicy_Guards(t *testing.T) {
	var online Policy
	if err := online.CheckCloud(); err != nil {
		t.Errorf("online CheckCloud() = %v", err)
	}
	if err := online.CheckSync(); err != nil {
		t.Errorf("online CheckSync() = %v", err)
	}
	if got := online.SyncURL("https://sync.example.com"); got != "https://sync.example.com" {
		t.Errorf("online SyncURL() = %q", got)
	}
	if online.Badge() != "" {
		t.Errorf("online Badge() = %q", online.Badge())
	}

	off := Policy{Offline: true}
	if !errors.Is(off.CheckCloud(), ErrCloudBlocked) {
		t.Error("offline CheckCloud() should return ErrCloudBlocked")
	}
	if !errors.Is(off.CheckSync(), ErrSyncBlocked) {
		t.Error("offline CheckSync() should return ErrSyncBlocked")
	}
	if got := off.SyncURL("https://sync.example.com"); got != "" {
		t.Errorf("offline SyncURL() = %q, want empty", got)
	}
	if off.Badge() != "[OFFLINE]" {
		t.Errorf("offline Badge() = %q", off.Badge())
	}
}
