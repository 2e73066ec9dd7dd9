// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jeranaias/threadline/internal/chat"
	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/options"
	"github.com/jeranaias/threadline/internal/tree"
	"github.com/jeranaias/threadline/internal/util"
)

// shortIDLen is how many characters of an id listings show.
const shortIDLen = 8

func shortID(id string) string {
	if len(id) <= shortIDLen {
		return id
	}
	return id[:shortIDLen]
}

// =============================================================================
// ID RESOLUTION
// =============================================================================

// errAmbiguous is returned when a prefix matches more than one id.
var errAmbiguous = errors.New("ambiguous id prefix")

// resolveChat finds the conversation named by ref: a full id, a unique id
// prefix, or "last" for the most recently updated one.
func resolveChat(svc *chat.Service, ref string) (model.Conversation, error) {
	convs, err := svc.List()
	if err != nil {
		return model.Conversation{}, err
	}
	if ref == "last" || ref == "" {
		if len(convs) == 0 {
			return model.Conversation{}, &NotFoundError{Resource: "conversation", ID: "last"}
		}
		return convs[0], nil
	}
	var match []model.Conversation
	for _, c := range convs {
		if c.ID == ref {
			return c, nil
		}
		if strings.HasPrefix(c.ID, ref) {
			match = append(match, c)
		}
	}
	switch len(match) {
	case 0:
		return model.Conversation{}, &NotFoundError{Resource: "conversation", ID: ref}
	case 1:
		return match[0], nil
	}
	return model.Conversation{}, fmt.Errorf("%w: %s matches %d conversations", errAmbiguous, ref, len(match))
}

// resolveMessage finds a message in t by full id or unique prefix.
func resolveMessage(t *tree.Tree, ref string) (*tree.Node, error) {
	if n := t.Node(ref); n != nil && !n.Stub {
		return n, nil
	}
	var match *tree.Node
	for _, n := range t.Nodes() {
		if n.Stub || !strings.HasPrefix(n.ID, ref) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%w: %s", errAmbiguous, ref)
		}
		match = n
	}
	if match == nil {
		return nil, &NotFoundError{Resource: "message", ID: ref}
	}
	return match, nil
}

// =============================================================================
// RENDERING
// =============================================================================

func conversationTitle(c model.Conversation) string {
	if c.Title != "" {
		return c.Title
	}
	return "(untitled)"
}

func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// printChain prints the messages of a branch as a transcript.
func printChain(w io.Writer, t *tree.Tree, chain []*tree.Node, md *markdown) {
	for i, n := range chain {
		if n.Stub {
			continue
		}
		if i > 0 {
			fmt.Fprintln(w)
		}
		role := n.Envelope.Role
		label := UserStyle.Render(role.DisplayName())
		if role == model.RoleAssistant {
			label = AssistantStyle.Render(role.DisplayName())
		}
		header := label + " " + DimStyle.Render(shortID(n.ID))
		if sibs := t.Siblings(n.ID); len(sibs) > 1 {
			for j, s := range sibs {
				if s.ID == n.ID {
					header += DimStyle.Render(fmt.Sprintf(" [%d/%d]", j+1, len(sibs)))
				}
			}
		}
		if !t.Done(n) {
			header += " " + WarningStyle.Render("(unfinished)")
		}
		fmt.Fprintln(w, header)

		content := t.Content(n)
		if role == model.RoleAssistant && md != nil {
			content = md.Render(content)
		}
		fmt.Fprintln(w, content)
	}
}

// messageJSON is the --json form of one message.
type messageJSON struct {
	model.Envelope
	Content string `json:"content"`
	Done    bool   `json:"done"`
	Depth   int    `json:"depth,omitempty"`
}

func nodeJSON(t *tree.Tree, n *tree.Node, depth int) messageJSON {
	return messageJSON{Envelope: n.Envelope, Content: t.Content(n), Done: t.Done(n), Depth: depth}
}

// =============================================================================
// LIST
// =============================================================================

// NewListCmd lists conversations.
func NewListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer app.Close()

			return outputJSON(app.out, app.Flags.jsonMode, "list", func() (any, error) {
				convs, err := app.Service.List()
				if err != nil {
					return nil, err
				}
				if limit > 0 && len(convs) > limit {
					convs = convs[:limit]
				}
				if !app.Flags.jsonMode {
					printConversations(app.out, convs)
				}
				return convs, nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most this many")
	return cmd
}

func printConversations(w io.Writer, convs []model.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No conversations yet. Start one with 'threadline chat'."))
		return
	}
	for _, c := range convs {
		title := util.PadWidth(util.TruncateWidth(conversationTitle(c), 48), 48)
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			DimStyle.Render(shortID(c.ID)),
			ValueStyle.Render(title),
			DimStyle.Render(util.PadWidth(fmt.Sprintf("%d msgs", c.MessageCount), 9)),
			DimStyle.Render(relativeTime(c.Updated)))
	}
}

// =============================================================================
// SHOW
// =============================================================================

// NewShowCmd prints one branch of a conversation.
func NewShowCmd() *cobra.Command {
	var leaf string
	cmd := &cobra.Command{
		Use:   "show [chat]",
		Short: "Print a conversation's current branch",
		Long: `Print the branch ending at the most recently updated message, or at
--leaf. The chat is an id, a unique id prefix, or "last".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer app.Close()

			return outputJSON(app.out, app.Flags.jsonMode, "show", func() (any, error) {
				conv, err := resolveChat(app.Service, firstArg(args))
				if err != nil {
					return nil, err
				}
				t, err := app.Service.Tree(conv.ID)
				if err != nil {
					return nil, err
				}
				var chain []*tree.Node
				if leaf != "" {
					n, err := resolveMessage(t, leaf)
					if err != nil {
						return nil, err
					}
					chain = t.ChainTo(n.ID)
				} else if n := t.MostRecentLeaf(); n != nil {
					chain = t.ChainTo(n.ID)
				}

				if !app.Flags.jsonMode {
					fmt.Fprintln(app.out, TitleStyle.Render(conversationTitle(conv)))
					fmt.Fprintln(app.out, RenderSeparator(0))
					var md *markdown
					if app.Config.UI.Markdown && isTerminal(app.out) {
						md = newMarkdown(app.Config.UI.Theme, GetTerminalWidth()-4)
					}
					printChain(app.out, t, chain, md)
				}
				msgs := make([]messageJSON, 0, len(chain))
				for _, n := range chain {
					if !n.Stub {
						msgs = append(msgs, nodeJSON(t, n, 0))
					}
				}
				return map[string]any{"conversation": conv, "messages": msgs}, nil
			})
		},
	}
	cmd.Flags().StringVar(&leaf, "leaf", "", "show the branch ending at this message")
	return cmd
}

// =============================================================================
// TREE
// =============================================================================

// NewTreeCmd prints every branch of a conversation.
func NewTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree [chat]",
		Short: "Print all branches of a conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer app.Close()

			return outputJSON(app.out, app.Flags.jsonMode, "tree", func() (any, error) {
				conv, err := resolveChat(app.Service, firstArg(args))
				if err != nil {
					return nil, err
				}
				t, err := app.Service.Tree(conv.ID)
				if err != nil {
					return nil, err
				}
				var current map[string]bool
				if leaf := t.MostRecentLeaf(); leaf != nil {
					current = make(map[string]bool)
					for _, n := range t.ChainTo(leaf.ID) {
						current[n.ID] = true
					}
				}

				var msgs []messageJSON
				if !app.Flags.jsonMode {
					fmt.Fprintln(app.out, TitleStyle.Render(conversationTitle(conv)))
				}
				t.Walk(func(n *tree.Node, depth int) {
					if n.Stub {
						if !app.Flags.jsonMode {
							fmt.Fprintf(app.out, "%s%s\n", strings.Repeat("  ", depth),
								DimStyle.Render(shortID(n.ID)+" (missing)"))
						}
						return
					}
					msgs = append(msgs, nodeJSON(t, n, depth))
					if app.Flags.jsonMode {
						return
					}
					marker := "  "
					if current[n.ID] {
						marker = SuccessStyle.Render("* ")
					}
					line := util.TruncateWidth(util.FirstLine(t.Content(n)), 60)
					fmt.Fprintf(app.out, "%s%s%s %s %s\n",
						strings.Repeat("  ", depth), marker,
						DimStyle.Render(shortID(n.ID)),
						LabelStyle.Width(10).Render(n.Envelope.Role.DisplayName()),
						line)
				})
				return map[string]any{"conversation": conv, "messages": msgs}, nil
			})
		},
	}
}

// =============================================================================
// DELETE / RENAME
// =============================================================================

// NewDeleteCmd deletes conversations.
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <chat>...",
		Aliases: []string{"rm"},
		Short:   "Delete conversations on every device",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer app.Close()

			return outputJSON(app.out, app.Flags.jsonMode, "delete", func() (any, error) {
				var deleted []string
				for _, ref := range args {
					conv, err := resolveChat(app.Service, ref)
					if err != nil {
						return deleted, err
					}
					if err := app.Service.Delete(conv.ID); err != nil {
						return deleted, err
					}
					deleted = append(deleted, conv.ID)
					if !app.Flags.jsonMode && !app.Flags.quiet {
						fmt.Fprintf(app.out, "%s deleted %s\n", SuccessStyle.Render("✓"), conversationTitle(conv))
					}
				}
				return map[string]any{"deleted": deleted}, nil
			})
		},
	}
}

// NewRenameCmd sets a conversation's title.
func NewRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <chat> <title>",
		Short: "Set a conversation's title",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer app.Close()

			return outputJSON(app.out, app.Flags.jsonMode, "rename", func() (any, error) {
				conv, err := resolveChat(app.Service, args[0])
				if err != nil {
					return nil, err
				}
				title := strings.Join(args[1:], " ")
				if err := app.Service.SetTitle(conv.ID, title); err != nil {
					return nil, err
				}
				if !app.Flags.jsonMode && !app.Flags.quiet {
					fmt.Fprintf(app.out, "%s renamed to %s\n", SuccessStyle.Render("✓"), title)
				}
				return map[string]string{"id": conv.ID, "title": title}, nil
			})
		},
	}
}

// =============================================================================
// OPTION
// =============================================================================

// NewOptionCmd reads and writes per-conversation options.
func NewOptionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "option <chat> <group.key> [value]",
		Short: "Get or set a per-conversation option",
		Long: `Per-conversation options override [options.<group>] in the config
file and plugin defaults. An empty value removes the override.

  threadline option last model.name mistral
  threadline option last contexttrim.max_messages 20
  threadline option last model.temperature ""`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, key, ok := strings.Cut(args[1], ".")
			if !ok || group == "" || key == "" {
				return usageError("option must be group.key, got %q", args[1])
			}
			app, err := openApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer app.Close()

			return outputJSON(app.out, app.Flags.jsonMode, "option", func() (any, error) {
				conv, err := resolveChat(app.Service, args[0])
				if err != nil {
					return nil, err
				}
				if len(args) == 3 {
					if err := app.Service.SetPluginOption(conv.ID, group, key, args[2]); err != nil {
						return nil, err
					}
				}
				value, found := app.Service.Resolver().GetOption(group, key, conv.ID)
				if !app.Flags.jsonMode {
					if found {
						fmt.Fprintln(app.out, value)
					} else {
						fmt.Fprintln(app.out, DimStyle.Render("(unset)"))
					}
				}
				return map[string]any{
					"id":    conv.ID,
					"key":   options.Key(group, key),
					"value": value,
					"set":   found,
				}, nil
			})
		},
	}
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
