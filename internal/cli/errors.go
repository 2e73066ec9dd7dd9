// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/threadline/internal/chat"
	"github.com/jeranaias/threadline/internal/cloud"
	"github.com/jeranaias/threadline/internal/config"
	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/offline"
	"github.com/jeranaias/threadline/internal/ollama"
	"github.com/jeranaias/threadline/internal/replication"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitAuthError indicates a rejected identity or API key
	ExitAuthError = 4
	// ExitNetworkError indicates network or connectivity error
	ExitNetworkError = 5
	// ExitOfflineError indicates an action blocked by offline mode
	ExitOfflineError = 6
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitTimeoutError indicates an operation timed out
	ExitTimeoutError = 8
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ExitError carries an explicit exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	Resource string // e.g. "conversation", "message"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// usageError wraps a bad argument.
func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitUsageError, Err: fmt.Errorf(format, args...)}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var notFound *NotFoundError
	var validation config.ValidateErrors
	var apiErr *replication.APIError

	switch {
	case errors.As(err, &notFound), errors.Is(err, crdt.ErrChatDeleted):
		return ExitNotFoundError
	case errors.As(err, &validation):
		return ExitConfigError
	case errors.Is(err, offline.ErrNonLocalhost),
		errors.Is(err, offline.ErrCloudBlocked),
		errors.Is(err, offline.ErrSyncBlocked):
		return ExitOfflineError
	case errors.Is(err, cloud.ErrAuthFailed), errors.Is(err, cloud.ErrNotConfigured):
		return ExitAuthError
	case errors.As(err, &apiErr) && (apiErr.Status == 401 || apiErr.Status == 403):
		return ExitAuthError
	case errors.Is(err, context.DeadlineExceeded), ollama.IsTimeout(err):
		return ExitTimeoutError
	case ollama.IsNotRunning(err), errors.Is(err, replication.ErrRateLimited),
		errors.Is(err, cloud.ErrRateLimited), errors.As(err, &apiErr):
		return ExitNetworkError
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrNotAssistant):
		return ExitUsageError
	}
	return ExitGeneralError
}

// Hint returns a suggestion for fixing err, or "".
func Hint(err error) string {
	switch {
	case err == nil:
		return ""
	case ollama.IsNotRunning(err):
		return "Start Ollama with 'ollama serve', or set ollama.url in the config."
	case ollama.IsModelNotFound(err):
		return "Pull the model with 'ollama pull <model>', or pick another with --model."
	case errors.Is(err, chat.ErrNoProvider):
		return "Set cloud.api_key (or OPENROUTER_API_KEY) to use cloud models."
	case errors.Is(err, cloud.ErrAuthFailed), errors.Is(err, cloud.ErrNotConfigured):
		return "Check cloud.api_key with 'threadline config get cloud.api_key'."
	case errors.Is(err, offline.ErrCloudBlocked), errors.Is(err, offline.ErrSyncBlocked),
		errors.Is(err, offline.ErrNonLocalhost):
		return "Drop --offline and unset THREADLINE_OFFLINE to reach remote services."
	case errors.Is(err, replication.ErrRateLimited):
		return "The sync server is rate limiting this identity; sync resumes on its own."
	case errors.Is(err, crdt.ErrChatDeleted):
		return "The conversation was deleted, possibly on another device."
	}
	var validation config.ValidateErrors
	if errors.As(err, &validation) {
		return "Fix the config with 'threadline config set <key> <value>'."
	}
	return ""
}
