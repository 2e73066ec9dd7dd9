// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared across threadline.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file writes (temp file, fsync, rename)
//   - TruncateRunes: UTF-8 safe truncation with an ellipsis
//   - TruncateWidth, PadWidth, StringWidth: terminal column aware layout
//   - FirstLine: the first non-empty line of a text, for previews
//
// # Usage
//
//	err := util.AtomicWriteFile(path, data, 0o600)
//	cell := util.PadWidth(util.TruncateWidth(title, 40), 40)
package util
