// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNonLocalhost is returned for a non-loopback endpoint in offline mode.
	ErrNonLocalhost = errors.New("only localhost connections are allowed in offline mode")

	// ErrCloudBlocked is returned when a cloud provider is used in offline mode.
	ErrCloudBlocked = errors.New("cloud models are disabled in offline mode")

	// ErrSyncBlocked is returned when sync is attempted in offline mode.
	ErrSyncBlocked = errors.New("sync is disabled in offline mode")

	// ErrInvalidURLScheme is returned when a URL is not http or https.
	ErrInvalidURLScheme = errors.New("only http and https URLs are allowed")
)

// =============================================================================
// POLICY
// =============================================================================

// Policy is the network decision for one process. The zero value is online.
type Policy struct {
	Offline bool
}

// IsLocalhost reports whether host (optionally with a port) is a loopback
// name or address.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// CheckModelURL validates a model server URL. The scheme is always
// checked; the host must be loopback in offline mode.
func (p Policy) CheckModelURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrInvalidURLScheme
	}
	if p.Offline && !IsLocalhost(u.Host) {
		return fmt.Errorf("%w: %s", ErrNonLocalhost, u.Host)
	}
	return nil
}

// CheckCloud returns ErrCloudBlocked in offline mode.
func (p Policy) CheckCloud() error {
	if p.Offline {
		return ErrCloudBlocked
	}
	return nil
}

// CheckSync returns ErrSyncBlocked in offline mode.
func (p Policy) CheckSync() error {
	if p.Offline {
		return ErrSyncBlocked
	}
	return nil
}

// SyncURL returns raw, or "" when sync is not allowed.
func (p Policy) SyncURL(raw string) string {
	if p.Offline {
		return ""
	}
	return raw
}

// Badge returns "[OFFLINE]" in offline mode and "" otherwise.
func (p Policy) Badge() string {
	if p.Offline {
		return "[OFFLINE]"
	}
	return ""
}
