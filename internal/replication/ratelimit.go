// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package replication

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// RATE LIMIT HANDLING
// =============================================================================

// Backoff bounds applied to server rate limit signals.
const (
	DefaultRateLimitBackoff = 20 * time.Second
	MinRateLimitBackoff     = 1 * time.Second
	MaxRateLimitBackoff     = 2 * time.Minute
)

// epochThreshold separates "seconds from now" from "unix timestamp" in
// reset headers.
const epochThreshold = 1_000_000_000

// maxResetSeconds is the largest value that still fits a time.Duration or
// a unix time in nanoseconds.
const maxResetSeconds = float64(math.MaxInt64) / float64(time.Second)

// ErrRateLimited indicates the server asked the client to back off.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError represents a rate limit response with retry information.
type RateLimitError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

// Is allows RateLimitError to be compared with ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// ParseRateLimitReset reads the reset time from a 429 response's headers.
// X-RateLimit-Reset and RateLimit-Reset hold seconds from now, or a unix
// timestamp when the value is large; Retry-After holds seconds or an HTTP
// date. The result is clamped to the backoff bounds, and
// DefaultRateLimitBackoff is returned when no header parses.
func ParseRateLimitReset(h http.Header, now time.Time) time.Duration {
	for _, name := range []string{"X-RateLimit-Reset", "RateLimit-Reset"} {
		if d, ok := parseResetValue(h.Get(name), now); ok {
			return ClampBackoff(d)
		}
	}

	if retryAfter := strings.TrimSpace(h.Get("Retry-After")); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			if seconds >= 0 && float64(seconds) <= maxResetSeconds {
				return ClampBackoff(time.Duration(seconds) * time.Second)
			}
			return DefaultRateLimitBackoff
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return ClampBackoff(t.Sub(now))
		}
	}

	return DefaultRateLimitBackoff
}

func parseResetValue(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || f < 0 || f > maxResetSeconds {
		return 0, false
	}
	if f > epochThreshold {
		reset := time.Unix(0, int64(f*float64(time.Second)))
		return reset.Sub(now), true
	}
	return time.Duration(f * float64(time.Second)), true
}

// ClampBackoff bounds d to [MinRateLimitBackoff, MaxRateLimitBackoff].
func ClampBackoff(d time.Duration) time.Duration {
	if d < MinRateLimitBackoff {
		return MinRateLimitBackoff
	}
	if d > MaxRateLimitBackoff {
		return MaxRateLimitBackoff
	}
	return d
}
