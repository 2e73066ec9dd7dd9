// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/threadline/internal/model"
)

// askResult is the --json output of ask.
type askResult struct {
	ChatID  string      `json:"chatId"`
	UserID  string      `json:"userId"`
	ReplyID string      `json:"replyId"`
	Model   string      `json:"model"`
	Content string      `json:"content"`
	State   string      `json:"state"`
	Usage   model.Usage `json:"usage"`
}

// NewAskCmd sends one message and prints the streamed reply.
func NewAskCmd() *cobra.Command {
	var (
		chatRef string
		title   string
	)
	cmd := &cobra.Command{
		Use:   "ask [question...]",
		Short: "Ask one question and print the reply",
		Long: `Send one message and stream the reply to stdout. The exchange is stored
like any other conversation. With no arguments, or "-", the question is
read from stdin.

  threadline ask "What is a vector clock?"
  git diff | threadline ask --chat last -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := questionText(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			app, err := openApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer app.Close()

			return outputJSON(app.out, app.Flags.jsonMode, "ask", func() (any, error) {
				svc := app.Service
				var chatID, parentID string
				if chatRef != "" {
					conv, err := resolveChat(svc, chatRef)
					if err != nil {
						return nil, err
					}
					chatID = conv.ID
					t, err := svc.Tree(chatID)
					if err != nil {
						return nil, err
					}
					if leaf := t.MostRecentLeaf(); leaf != nil {
						parentID = leaf.ID
					}
				} else {
					if chatID, err = svc.NewConversation(title); err != nil {
						return nil, err
					}
				}

				turn, err := svc.Submit(cmd.Context(), chatID, parentID, text)
				if err != nil {
					return nil, err
				}
				opts := followOptions{silent: app.Flags.jsonMode}
				if !app.Flags.jsonMode && app.Config.UI.Markdown && isTerminal(app.out) {
					opts.markdown = newMarkdown(app.Config.UI.Theme, GetTerminalWidth()-4)
				}
				state, replyErr := app.followReply(cmd.Context(), turn, opts)

				content, _ := app.Doc().Chat(chatID).Content().Get(turn.Reply.ReplyID())
				return askResult{
					ChatID:  chatID,
					UserID:  turn.UserID,
					ReplyID: turn.Reply.ReplyID(),
					Model:   svc.Params(chatID).Model,
					Content: content,
					State:   state.String(),
					Usage:   turn.Reply.Usage(),
				}, replyErr
			})
		},
	}
	cmd.Flags().StringVar(&chatRef, "chat", "", "continue this conversation (id prefix or last)")
	cmd.Flags().StringVar(&title, "title", "", "title for the new conversation")
	return cmd
}

// questionText joins args, or reads stdin when there are none or the only
// one is "-".
func questionText(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		if len(args) == 0 && stdin == nil {
			return "", usageError("no question given")
		}
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		args = []string{string(b)}
	}
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return "", usageError("no question given")
	}
	return text, nil
}
