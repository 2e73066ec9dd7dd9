// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides Prometheus metrics and local token usage
// accounting for threadline.
//
// # Key Types
//
//   - Metrics: Prometheus collectors for the store, sync, replies and server
//   - UsageTracker: per-session token counts by tier and model
//   - UsageStorage: one JSON file per finished session
//
// # Usage
//
// Record a finished reply:
//
//	tracker, _ := telemetry.NewUsageTracker(dir)
//	tracker.RecordReply(telemetry.ReplyUsage{
//	    Model:        "llama3.2",
//	    Tier:         telemetry.TierLocal,
//	    InputTokens:  120,
//	    OutputTokens: 300,
//	})
//
// Usage tracking is local-only. Message text is never stored.
package telemetry
