// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plugins

import (
	"context"
	"strings"

	"github.com/jeranaias/threadline/internal/options"
)

// Signature finishes the reply text: trailing whitespace is removed and,
// when the "footer" option is set, the footer is appended once. Streaming
// chunks pass through untouched.
type Signature struct{}

func (Signature) Name() string { return "signature" }

func (Signature) Defaults() map[string]string {
	return map[string]string{"footer": ""}
}

func (Signature) Postprocess(_ context.Context, content string, done bool, opts options.Accessor) (string, error) {
	if !done {
		return content, nil
	}
	content = strings.TrimRight(content, " \t\r\n")

	footer := strings.TrimSpace(options.String(opts, "footer", ""))
	if footer == "" || strings.HasSuffix(content, footer) {
		return content, nil
	}
	if content == "" {
		return footer, nil
	}
	return content + "\n\n" + footer, nil
}
