// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for threadline.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// .env files, environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - StorageConfig: Persistence driver and directories
//   - SyncConfig: Sync server, identity and timing
//   - ReplyConfig: Default model parameters and watchdog
//   - ValidationError: A single invalid field
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (THREADLINE_*)
//   - .env in the working directory, then in ~/.threadline
//   - ~/.threadline/config.toml
//   - ~/.threadline/config.json
//   - Built-in defaults
//
// THREADLINE_HOME relocates ~/.threadline.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	interval := cfg.Sync.Interval()
//
// User-scope plugin options live under [options.<group>] and are read with
// dot notation:
//
//	v, _ := cfg.Get("options.systemprompt.prompt")
package config
