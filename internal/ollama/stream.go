// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/reply"
)

// =============================================================================
// STREAM READER
// =============================================================================

// ErrStreamTruncated is reported when the stream ends without a done line.
var ErrStreamTruncated = &ClientError{Type: ErrTypeInvalidResponse, Message: "stream ended before completion"}

// StreamReader handles line-by-line JSON parsing of streaming responses.
type StreamReader struct {
	reader *bufio.Reader
	// strings.Builder avoids quadratic allocations
	accumulator strings.Builder
	model       string
}

// NewStreamReader creates a new stream reader from an io.Reader.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{reader: bufio.NewReader(r)}
}

// Content returns everything accumulated so far.
func (s *StreamReader) Content() string {
	return s.accumulator.String()
}

// Model returns the model name reported by the server.
func (s *StreamReader) Model() string {
	return s.model
}

// Process reads the stream and sends cumulative chunks to out until the
// done line, an error, or ctx is cancelled. A cancelled ctx ends the stream
// without a final error chunk.
func (s *StreamReader) Process(ctx context.Context, out chan<- reply.Chunk) {
	send := func(c reply.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		resp, err := s.readLine()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = ErrStreamTruncated
			}
			send(reply.Chunk{Text: s.Content(), Err: err})
			return
		}
		if resp == nil {
			continue
		}
		if resp.Error != "" {
			send(reply.Chunk{Text: s.Content(), Err: &ClientError{Type: ErrTypeInvalidResponse, Message: resp.Error}})
			return
		}

		if resp.Message.Content != "" {
			s.accumulator.WriteString(resp.Message.Content)
		}
		if resp.Done {
			send(reply.Chunk{Text: s.Content(), Usage: &model.Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
			}})
			return
		}
		if resp.Message.Content != "" && !send(reply.Chunk{Text: s.Content()}) {
			return
		}
	}
}

// readLine reads and parses a single line. Blank and malformed lines yield
// a nil response.
func (s *StreamReader) readLine() (*ChatResponse, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	line = []byte(strings.TrimSpace(string(line)))
	if len(line) == 0 {
		return nil, nil
	}

	var resp ChatResponse
	if jerr := json.Unmarshal(line, &resp); jerr != nil {
		return nil, nil
	}
	if resp.Model != "" {
		s.model = resp.Model
	}
	return &resp, nil
}
