// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
)

// markdown renders assistant replies for terminal display.
type markdown struct {
	once     sync.Once
	theme    string
	width    int
	renderer *glamour.TermRenderer
}

func newMarkdown(theme string, width int) *markdown {
	return &markdown{theme: strings.ToLower(theme), width: width}
}

func (m *markdown) init() {
	opt := glamour.WithAutoStyle()
	switch m.theme {
	case "dark":
		opt = glamour.WithStandardStyle("dark")
	case "light":
		opt = glamour.WithStandardStyle("light")
	case "none":
		opt = glamour.WithStandardStyle("notty")
	}
	r, err := glamour.NewTermRenderer(opt, glamour.WithWordWrap(m.width))
	if err != nil {
		// Plain text fallback.
		return
	}
	m.renderer = r
}

// Render returns content rendered as markdown, or content unchanged when
// rendering is unavailable.
func (m *markdown) Render(content string) string {
	if m == nil {
		return content
	}
	m.once.Do(m.init)
	if m.renderer == nil {
		return content
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(out, "\n")
}
