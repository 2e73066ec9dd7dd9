// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jeranaias/threadline/internal/chat"
	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/reply"
)

// followOptions controls how a streaming reply is shown.
type followOptions struct {
	// markdown, when set, buffers the reply and prints it rendered at the
	// end instead of streaming raw text.
	markdown *markdown

	// silent prints nothing; the caller reads the result from the store.
	silent bool
}

// followReply prints turn's reply as it streams into the store and returns
// its final state. An interrupt cancels the reply and keeps its text.
func (a *App) followReply(ctx context.Context, turn *chat.Turn, opts followOptions) (reply.State, error) {
	eng := turn.Reply
	if eng == nil {
		return reply.StateDone, nil
	}
	doc := a.Doc()
	replyID := eng.ReplyID()

	notify := make(chan struct{}, 1)
	unobserve := doc.Observe(func(ev crdt.Event) {
		if slices.Contains(ev.Chats, turn.ChatID) {
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	})
	defer unobserve()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	printed := ""
	stream := func() {
		if opts.silent || opts.markdown != nil {
			return
		}
		cur, _ := doc.Chat(turn.ChatID).Content().Get(replyID)
		if strings.HasPrefix(cur, printed) && len(cur) > len(printed) {
			fmt.Fprint(a.out, cur[len(printed):])
			printed = cur
		}
	}

	interrupted := false
	for done := false; !done; {
		select {
		case <-notify:
			stream()
		case <-eng.Done():
			done = true
		case <-sigCtx.Done():
			if !interrupted {
				interrupted = true
				_ = a.Service.Cancel(replyID)
			}
			sigCtx = context.Background()
		}
	}

	final, _ := doc.Chat(turn.ChatID).Content().Get(replyID)
	switch {
	case opts.silent:
	case opts.markdown != nil:
		fmt.Fprintln(a.out, opts.markdown.Render(final))
	case strings.HasPrefix(final, printed):
		fmt.Fprintln(a.out, final[len(printed):])
	default:
		// Postprocessing rewrote text that was already shown.
		fmt.Fprintf(a.out, "\n%s\n", final)
	}

	state := eng.State()
	if !opts.silent && a.Config.UI.ShowTokens {
		if u := eng.Usage(); u.Total() > 0 {
			fmt.Fprintln(a.errOut, DimStyle.Render(fmt.Sprintf("%s tokens (%s in, %s out)",
				humanize.Comma(int64(u.Total())),
				humanize.Comma(int64(u.PromptTokens)),
				humanize.Comma(int64(u.CompletionTokens)))))
		}
	}
	if state == reply.StateCancelled && !opts.silent {
		fmt.Fprintln(a.errOut, WarningStyle.Render("[cancelled]"))
	}
	return state, eng.Err()
}
