// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline decides which network endpoints threadline may reach.
//
// In offline mode the sync server and cloud providers are disabled and only
// loopback model servers are allowed. Conversations keep working against
// the local store and are pushed on the next online run.
//
// # Key Types
//
//   - Policy: the decision for one process
//
// # Usage
//
//	p := offline.Policy{Offline: cfg.Sync.URL == ""}
//	if err := p.CheckModelURL(cfg.Ollama.URL); err != nil {
//		return err
//	}
package offline
