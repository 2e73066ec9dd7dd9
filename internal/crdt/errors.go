// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crdt

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrChatDeleted is returned when a transaction writes to a deleted
	// conversation. Nothing from that transaction is applied.
	ErrChatDeleted = errors.New("conversation is deleted")

	// ErrMalformedUpdate is returned by ApplyUpdate and the decoders when
	// the bytes are not a valid update.
	ErrMalformedUpdate = errors.New("malformed update")
)

// ChatDeletedError reports which conversation a rejected write targeted.
type ChatDeletedError struct {
	ChatID string
}

func (e *ChatDeletedError) Error() string {
	return fmt.Sprintf("write to conversation %s: %v", e.ChatID, ErrChatDeleted)
}

// Is lets errors.Is match ErrChatDeleted.
func (e *ChatDeletedError) Is(target error) bool {
	return target == ErrChatDeleted
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedUpdate, fmt.Sprintf(format, args...))
}
