// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/threadline/internal/chat"
	"github.com/jeranaias/threadline/internal/config"
	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/tree"
	"github.com/jeranaias/threadline/internal/util"
)

// =============================================================================
// INPUT
// =============================================================================

// lineReader reads one line of user input.
type lineReader interface {
	ReadInput(prompt string) (string, error)
	Close()
}

// linerInput provides history and line editing on a terminal.
type linerInput struct {
	line        *liner.State
	historyFile string
}

func newLinerInput() *linerInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	in := &linerInput{line: line, historyFile: filepath.Join(dir, "chat_history")}
	if f, err := os.Open(in.historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	return in
}

func (c *linerInput) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the
// terminal.
func (c *linerInput) Close() {
	if err := config.EnsureConfigDir(); err == nil {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			_, _ = c.line.WriteHistory(f)
			f.Close()
		}
	}
	c.line.Close()
}

// scannerInput reads piped input line by line.
type scannerInput struct {
	scanner *bufio.Scanner
}

func (s *scannerInput) ReadInput(string) (string, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.scanner.Text(), nil
}

func (s *scannerInput) Close() {}

// =============================================================================
// CHAT COMMAND
// =============================================================================

// NewChatCmd starts an interactive conversation.
func NewChatCmd() *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "chat [chat]",
		Short: "Chat interactively (the default command)",
		Long: `Open a conversation and chat with history, branching and streaming.
Without an argument the most recent conversation is continued; --new starts
a fresh one. Type /help for commands.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := firstArg(args)
			if fresh {
				ref = newChatRef
			}
			return runChat(cmd, ref)
		},
	}
	cmd.Flags().BoolVar(&fresh, "new", false, "start a new conversation")
	return cmd
}

// newChatRef asks runChat for a fresh conversation.
const newChatRef = "\x00new"

// chatSession is the REPL state: one open conversation and the tip of
// the branch new messages continue from.
type chatSession struct {
	app    *App
	in     lineReader
	md     *markdown
	chatID string
	leafID string
}

func runChat(cmd *cobra.Command, ref string) error {
	app, err := openApp(cmd, appOptions{store: true})
	if err != nil {
		return err
	}
	defer app.Close()

	s := &chatSession{app: app}
	if IsTTY() && cmd.InOrStdin() == os.Stdin {
		s.in = newLinerInput()
	} else {
		s.in = &scannerInput{scanner: bufio.NewScanner(cmd.InOrStdin())}
	}
	defer s.in.Close()
	if app.Config.UI.Markdown && isTerminal(app.out) {
		s.md = newMarkdown(app.Config.UI.Theme, GetTerminalWidth()-4)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	switch ref {
	case newChatRef:
	case "":
		if convs, err := app.Service.List(); err == nil && len(convs) > 0 {
			err = s.open(ctx, convs[0].ID)
			if err != nil {
				return err
			}
		}
	default:
		conv, err := resolveChat(app.Service, ref)
		if err != nil {
			return err
		}
		if err := s.open(ctx, conv.ID); err != nil {
			return err
		}
	}

	s.printWelcome()
	for {
		input, err := s.in.ReadInput(UserStyle.Render("> "))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(app.out)
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			more, err := s.slash(ctx, input)
			if err != nil {
				s.printError(err)
			}
			if !more {
				return nil
			}
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			return nil
		}
		if err := s.send(ctx, input); err != nil {
			s.printError(err)
		}
	}
}

func (s *chatSession) printWelcome() {
	app := s.app
	if app.Flags.quiet {
		return
	}
	fmt.Fprintln(app.out, TitleStyle.Render(AppName)+" "+DimStyle.Render(Version))
	status := "identity " + app.Identity()
	if app.Session != nil && app.Session.Engine != nil && app.Config.Sync.URL != "" && !app.Policy.Offline {
		status += ", syncing"
	}
	if badge := app.Policy.Badge(); badge != "" {
		status += " " + WarningStyle.Render(badge)
	}
	fmt.Fprintln(app.out, DimStyle.Render(status+". Type /help for commands."))
	if s.chatID != "" {
		if conv, err := app.Service.Get(s.chatID); err == nil {
			fmt.Fprintln(app.out, DimStyle.Render("Continuing: "+conversationTitle(conv)))
		}
	}
}

func (s *chatSession) printError(err error) {
	fmt.Fprintf(s.app.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
	if hint := Hint(err); hint != "" {
		fmt.Fprintln(s.app.errOut, DimStyle.Render(hint))
	}
}

// open switches to a conversation, continuing its most recent branch and
// resuming a reply left unfinished by an earlier run.
func (s *chatSession) open(ctx context.Context, chatID string) error {
	t, err := s.app.Service.Tree(chatID)
	if err != nil {
		return err
	}
	s.chatID = chatID
	s.leafID = ""
	leaf := t.MostRecentLeaf()
	if leaf == nil {
		return nil
	}
	s.leafID = leaf.ID
	if leaf.Envelope.Role == model.RoleAssistant && !t.Done(leaf) && !s.streaming(leaf.ID) {
		printChain(s.app.out, t, t.ChainTo(leaf.ID), s.md)
		fmt.Fprintln(s.app.out, DimStyle.Render("(resuming unfinished reply)"))
		turn, err := s.app.Service.Resume(ctx, chatID, leaf.ID)
		if err != nil {
			return err
		}
		return s.follow(ctx, turn)
	}
	return nil
}

func (s *chatSession) streaming(id string) bool {
	for _, a := range s.app.Service.Active() {
		if a == id {
			return true
		}
	}
	return false
}

// send submits a message under the current branch tip.
func (s *chatSession) send(ctx context.Context, text string) error {
	if s.chatID == "" {
		id, err := s.app.Service.NewConversation("")
		if err != nil {
			return err
		}
		s.chatID = id
	}
	turn, err := s.app.Service.Submit(ctx, s.chatID, s.leafID, text)
	if err != nil {
		return err
	}
	return s.follow(ctx, turn)
}

// follow streams a turn's reply and moves the branch tip to it.
func (s *chatSession) follow(ctx context.Context, turn *chat.Turn) error {
	if turn.Reply == nil {
		if turn.EditID != "" {
			s.leafID = turn.EditID
		}
		return nil
	}
	s.leafID = turn.Reply.ReplyID()
	fmt.Fprintln(s.app.out, AssistantStyle.Render(model.RoleAssistant.DisplayName()))
	_, err := s.app.followReply(ctx, turn, followOptions{markdown: s.md})
	return err
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// slash runs a slash command. It returns false to end the session.
func (s *chatSession) slash(ctx context.Context, input string) (bool, error) {
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)
	svc := s.app.Service

	switch strings.ToLower(name) {
	case "/help", "/h", "/?", "/":
		s.printHelp()

	case "/quit", "/q", "/exit":
		return false, nil

	case "/new", "/n":
		id, err := svc.NewConversation(rest)
		if err != nil {
			return true, err
		}
		s.chatID, s.leafID = id, ""
		fmt.Fprintln(s.app.out, DimStyle.Render("[new conversation]"))

	case "/list", "/ls":
		convs, err := svc.List()
		if err != nil {
			return true, err
		}
		printConversations(s.app.out, convs)

	case "/open", "/o":
		conv, err := resolveChat(svc, rest)
		if err != nil {
			return true, err
		}
		if err := s.open(ctx, conv.ID); err != nil {
			return true, err
		}
		return true, s.printBranch()

	case "/show":
		return true, s.printBranch()

	case "/tree":
		return true, s.printTree()

	case "/goto", "/g":
		t, err := s.tree()
		if err != nil {
			return true, err
		}
		n, err := resolveMessage(t, rest)
		if err != nil {
			return true, err
		}
		s.leafID = n.ID
		return true, s.printBranch()

	case "/regen", "/r":
		t, err := s.tree()
		if err != nil {
			return true, err
		}
		target := s.lastOfRole(t, model.RoleAssistant)
		if target == nil {
			return true, fmt.Errorf("no reply to regenerate")
		}
		turn, err := svc.Regenerate(ctx, s.chatID, target.ID)
		if err != nil {
			return true, err
		}
		return true, s.follow(ctx, turn)

	case "/edit", "/e":
		if rest == "" {
			return true, usageError("usage: /edit <new text>")
		}
		t, err := s.tree()
		if err != nil {
			return true, err
		}
		target := s.lastOfRole(t, model.RoleUser)
		if target == nil {
			return true, fmt.Errorf("no message to edit")
		}
		turn, err := svc.Edit(ctx, s.chatID, target.ID, rest)
		if err != nil {
			return true, err
		}
		return true, s.follow(ctx, turn)

	case "/title":
		if s.chatID == "" || rest == "" {
			return true, usageError("usage: /title <text> (in an open conversation)")
		}
		return true, svc.SetTitle(s.chatID, rest)

	case "/set":
		return true, s.setOption(rest)

	case "/model", "/m":
		if rest == "" {
			name := svc.Params(s.chatID).Model
			fmt.Fprintf(s.app.out, "%s %s\n", RenderLabel("Model:"), ValueStyle.Render(name))
			return true, nil
		}
		return true, s.setOption(chat.ModelGroup + "." + chat.ModelName + "=" + rest)

	case "/sync":
		s.printSync()

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", name)
	}
	return true, nil
}

func (s *chatSession) tree() (*tree.Tree, error) {
	if s.chatID == "" {
		return nil, errors.New("no conversation open")
	}
	return s.app.Service.Tree(s.chatID)
}

// lastOfRole returns the nearest message with role on the current branch.
func (s *chatSession) lastOfRole(t *tree.Tree, role model.Role) *tree.Node {
	chain := t.ChainTo(s.leafID)
	for i := len(chain) - 1; i >= 0; i-- {
		if !chain[i].Stub && chain[i].Envelope.Role == role {
			return chain[i]
		}
	}
	return nil
}

func (s *chatSession) setOption(arg string) error {
	if s.chatID == "" {
		return errors.New("no conversation open")
	}
	k, v, ok := strings.Cut(arg, "=")
	group, key, ok2 := strings.Cut(strings.TrimSpace(k), ".")
	if !ok || !ok2 {
		return usageError("usage: /set group.key=value")
	}
	if err := s.app.Service.SetPluginOption(s.chatID, group, key, strings.TrimSpace(v)); err != nil {
		return err
	}
	fmt.Fprintln(s.app.out, DimStyle.Render(fmt.Sprintf("[%s.%s set]", group, key)))
	return nil
}

func (s *chatSession) printBranch() error {
	t, err := s.tree()
	if err != nil {
		return err
	}
	printChain(s.app.out, t, t.ChainTo(s.leafID), s.md)
	return nil
}

func (s *chatSession) printTree() error {
	t, err := s.tree()
	if err != nil {
		return err
	}
	onBranch := make(map[string]bool)
	for _, n := range t.ChainTo(s.leafID) {
		onBranch[n.ID] = true
	}
	t.Walk(func(n *tree.Node, depth int) {
		marker := "  "
		if onBranch[n.ID] {
			marker = SuccessStyle.Render("* ")
		}
		line := "(missing)"
		if !n.Stub {
			line = n.Envelope.Role.DisplayName() + ": " + t.Content(n)
		}
		fmt.Fprintf(s.app.out, "%s%s%s %s\n", strings.Repeat("  ", depth), marker,
			DimStyle.Render(shortID(n.ID)), util.TruncateWidth(util.FirstLine(line), 60))
	})
	return nil
}

func (s *chatSession) printSync() {
	app := s.app
	if app.Session == nil {
		return
	}
	sess, err := app.Manager.Current()
	if err != nil {
		s.printError(err)
		return
	}
	sess.Engine.Trigger()
	printSyncStatus(app.out, sess.Identity, sess.Engine.Status())
}

func (s *chatSession) printHelp() {
	cmds := []struct{ name, desc string }{
		{"/new [title]", "Start a new conversation"},
		{"/list", "List conversations"},
		{"/open <chat>", "Open a conversation (id prefix or last)"},
		{"/show", "Print the current branch"},
		{"/tree", "Print every branch"},
		{"/goto <msg>", "Continue from another message"},
		{"/regen", "Regenerate the last reply as a new branch"},
		{"/edit <text>", "Edit your last message as a new branch"},
		{"/title <text>", "Rename the conversation"},
		{"/model [name]", "Show or set this conversation's model"},
		{"/set group.key=value", "Set a conversation option"},
		{"/sync", "Sync now and show status"},
		{"/quit", "Exit"},
	}
	for _, c := range cmds {
		fmt.Fprintf(s.app.out, "  %s %s\n", LabelStyle.Width(24).Render(c.name), c.desc)
	}
}
