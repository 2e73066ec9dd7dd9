// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package replication

import (
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func TestParseRateLimitReset(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
	}{
		{"missing", http.Header{}, DefaultRateLimitBackoff},
		{"seconds", http.Header{"X-Ratelimit-Reset": {"45"}}, 45 * time.Second},
		{"standard header", http.Header{"Ratelimit-Reset": {"7"}}, 7 * time.Second},
		{"epoch", http.Header{"X-Ratelimit-Reset": {strconv.FormatInt(now.Add(30*time.Second).Unix(), 10)}}, 30 * time.Second},
		{"retry-after seconds", http.Header{"Retry-After": {"12"}}, 12 * time.Second},
		{"retry-after date", http.Header{"Retry-After": {now.Add(90 * time.Second).Format(http.TimeFormat)}}, 90 * time.Second},
		{"malformed", http.Header{"X-Ratelimit-Reset": {"soon"}}, DefaultRateLimitBackoff},
		{"capped", http.Header{"X-Ratelimit-Reset": {"3600"}}, MaxRateLimitBackoff},
		{"floored", http.Header{"X-Ratelimit-Reset": {"0"}}, MinRateLimitBackoff},
		{"nan", http.Header{"X-Ratelimit-Reset": {"NaN"}}, DefaultRateLimitBackoff},
		{"infinity", http.Header{"X-Ratelimit-Reset": {"+Inf"}}, DefaultRateLimitBackoff},
		{"negative infinity", http.Header{"Ratelimit-Reset": {"-Inf"}}, DefaultRateLimitBackoff},
		{"overflowing seconds", http.Header{"X-Ratelimit-Reset": {"1e300"}}, DefaultRateLimitBackoff},
		{"overflowing retry-after", http.Header{"Retry-After": {"99999999999999"}}, DefaultRateLimitBackoff},
		{"negative retry-after", http.Header{"Retry-After": {"-5"}}, DefaultRateLimitBackoff},
		{"bad reset falls through", http.Header{"X-Ratelimit-Reset": {"NaN"}, "Retry-After": {"9"}}, 9 * time.Second},
		{"past epoch floored", http.Header{"X-Ratelimit-Reset": {strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)}}, MinRateLimitBackoff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRateLimitReset(tt.header, now)
			if got != tt.want {
				t.Errorf("ParseRateLimitReset() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateLimitError_Is(t *testing.T) {
	var err error = &RateLimitError{RetryAfter: 5 * time.Second}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("RateLimitError should match ErrRateLimited")
	}
	if err.Error() != "rate limited, retry after 5s" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
