// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/reply"
)

// MaxEventSize caps a single SSE event.
const MaxEventSize = 1024 * 1024

// ErrEventTooLarge is returned when an SSE event exceeds MaxEventSize.
var ErrEventTooLarge = errors.New("stream event too large")

// ErrStreamTruncated is reported when the stream ends without [DONE] or a
// finish reason.
var ErrStreamTruncated = errors.New("stream ended before completion")

// =============================================================================
// STREAM TYPES
// =============================================================================

// streamEvent is one decoded SSE data payload.
type streamEvent struct {
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next SSE event from the stream and returns its type
// and data. Comment lines (OpenRouter sends ": OPENROUTER PROCESSING"
// keepalives) are skipped. Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var data [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && len(line) == 0 {
			if errors.Is(err, io.EOF) && len(data) > 0 {
				return eventType, bytes.Join(data, []byte("\n")), nil
			}
			return "", nil, err
		}
		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(data) > 0 {
				return eventType, bytes.Join(data, []byte("\n")), nil
			}
			continue
		}

		switch {
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			d := bytes.TrimPrefix(line[5:], []byte(" "))
			size += len(d)
			if size > MaxEventSize {
				return "", nil, ErrEventTooLarge
			}
			data = append(data, append([]byte(nil), d...))
		}
		// Ignore other fields (id:, retry:)
	}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamCompletion starts a streaming chat completion. Chunks carry the
// cumulative reply; the last one carries usage when the server reports it.
func (c *Client) StreamCompletion(ctx context.Context, msgs []model.ChatMessage, params model.Params) (reply.Stream, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(c.buildRequest(msgs, params))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.post(ctx, c.stream, "/chat/completions", body)
	if err != nil {
		cancel()
		return nil, err
	}

	ch := make(chan reply.Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		processStream(ctx, resp.Body, ch)
	}()
	return reply.NewChannelStream(ch, cancel), nil
}

func (c *Client) buildRequest(msgs []model.ChatMessage, params model.Params) ChatRequest {
	name := params.Model
	if name == "" {
		name = c.cfg.Model
	}
	out := make([]Message, 0, len(msgs)+1)
	if params.System != "" && (len(msgs) == 0 || msgs[0].Role != model.RoleSystem) {
		out = append(out, Message{Role: string(model.RoleSystem), Content: params.System})
	}
	for _, m := range msgs {
		out = append(out, Message{Role: string(m.Role), Content: m.Content})
	}
	return ChatRequest{
		Model:         name,
		Messages:      out,
		Stream:        true,
		Temperature:   params.Temperature,
		MaxTokens:     params.MaxTokens,
		StreamOptions: &StreamOptions{IncludeUsage: true},
	}
}

// processStream turns SSE events into cumulative chunks on out.
func processStream(ctx context.Context, body io.Reader, out chan<- reply.Chunk) {
	send := func(c reply.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := NewSSEReader(body)
	var content strings.Builder
	var usage *model.Usage
	finished := false

	for {
		_, data, err := reader.ReadEvent()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				if finished {
					send(reply.Chunk{Text: content.String(), Usage: usage})
					return
				}
				err = ErrStreamTruncated
			}
			send(reply.Chunk{Text: content.String(), Err: err})
			return
		}

		if string(bytes.TrimSpace(data)) == "[DONE]" {
			send(reply.Chunk{Text: content.String(), Usage: usage})
			return
		}

		var ev streamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Error != nil {
			send(reply.Chunk{Text: content.String(), Err: &APIError{Message: ev.Error.Message, Status: http.StatusOK}})
			return
		}
		if ev.Usage != nil {
			usage = &model.Usage{PromptTokens: ev.Usage.PromptTokens, CompletionTokens: ev.Usage.CompletionTokens}
		}

		delta := ""
		for _, choice := range ev.Choices {
			delta += choice.Delta.Content
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finished = true
			}
		}
		if delta != "" {
			content.WriteString(delta)
			if !send(reply.Chunk{Text: content.String()}) {
				return
			}
		}
	}
}

// =============================================================================
// RATE LIMIT HANDLING
// =============================================================================

// handleRateLimit parses Retry-After from a 429 response.
func handleRateLimit(resp *http.Response) error {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return ErrRateLimited
	}

	// Try to parse as seconds
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return &RateLimitError{RetryAfter: time.Duration(seconds) * time.Second}
	}

	// Try to parse as HTTP date
	if t, err := http.ParseTime(retryAfter); err == nil {
		return &RateLimitError{RetryAfter: time.Until(t)}
	}

	return ErrRateLimited
}

// RateLimitError represents a rate limit error with retry information.
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
