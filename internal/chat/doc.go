// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat is the conversation service used by the CLI.
//
// A Service turns user actions (send, regenerate, edit, cancel) into store
// writes and reply engines. It keeps at most one engine per reply message:
// starting a reply for a message that is still streaming retires the old
// engine first.
//
// # Key Types
//
//   - Service: conversation operations over the attached store
//   - Turn: the messages created by one action plus the running reply
//   - Router: picks the local or cloud provider from the model name
//
// # Usage
//
//	svc := chat.NewService(chat.Options{
//	    Docs:     chat.SessionDocs(manager),
//	    Provider: chat.Router{Local: ollamaClient, Cloud: cloudClient},
//	})
//	defer svc.Close()
//
//	id, _ := svc.NewConversation("")
//	turn, _ := svc.Submit(ctx, id, "", "Hello")
//	turn.Reply.Wait(ctx)
package chat
