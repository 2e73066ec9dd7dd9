// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Tiers a reply can be served from.
const (
	TierLocal = "local"
	TierCloud = "cloud"
)

// maxTopReplies bounds the per-session list of largest replies.
const maxTopReplies = 10

// =============================================================================
// USAGE TRACKER
// =============================================================================

// sessionIDCounter ensures unique session IDs even when created rapidly
var sessionIDCounter uint64

// UsageTracker accumulates token usage for the running process.
type UsageTracker struct {
	mu      sync.RWMutex
	current *SessionUsage
	storage *UsageStorage
}

// SessionUsage is the usage of one process run.
type SessionUsage struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`

	Local   TokenCount            `json:"local"`
	Cloud   TokenCount            `json:"cloud"`
	ByModel map[string]TokenCount `json:"by_model"`

	Replies  int            `json:"replies"`
	Outcomes map[string]int `json:"outcomes"`

	// TopReplies holds the largest replies by total tokens.
	TopReplies []ReplyUsage `json:"top_replies"`
}

// TokenCount tracks input/output tokens.
type TokenCount struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Total returns input plus output.
func (t TokenCount) Total() int { return t.Input + t.Output }

func (t TokenCount) add(in, out int) TokenCount {
	return TokenCount{Input: t.Input + in, Output: t.Output + out}
}

// ReplyUsage is the accounting record for one reply.
type ReplyUsage struct {
	Timestamp    time.Time     `json:"timestamp"`
	ChatID       string        `json:"chat_id"`
	Model        string        `json:"model"`
	Tier         string        `json:"tier"`
	Outcome      string        `json:"outcome"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
}

// UsageTrends aggregates stored sessions over a number of days.
type UsageTrends struct {
	Days    int                   `json:"days"`
	Total   TokenCount            `json:"total"`
	Replies int                   `json:"replies"`
	Daily   []DailyUsage          `json:"daily"`
	ByTier  map[string]TokenCount `json:"by_tier"`
}

// DailyUsage is the usage of one calendar day.
type DailyUsage struct {
	Date    time.Time  `json:"date"`
	Tokens  TokenCount `json:"tokens"`
	Replies int        `json:"replies"`
}

// =============================================================================
// CONSTRUCTOR
// =============================================================================

// NewUsageTracker creates a tracker that saves sessions under dir. An empty
// dir uses ~/.threadline/usage.
func NewUsageTracker(dir string) (*UsageTracker, error) {
	storage, err := NewUsageStorage(dir)
	if err != nil {
		return nil, err
	}
	return &UsageTracker{current: newSession(), storage: storage}, nil
}

func newSession() *SessionUsage {
	return &SessionUsage{
		ID:         generateSessionID(),
		StartTime:  time.Now(),
		ByModel:    make(map[string]TokenCount),
		Outcomes:   make(map[string]int),
		TopReplies: make([]ReplyUsage, 0),
	}
}

// =============================================================================
// RECORDING
// =============================================================================

// RecordReply adds one reply to the current session. A nil tracker records
// nothing.
func (ut *UsageTracker) RecordReply(r ReplyUsage) {
	if ut == nil {
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	ut.mu.Lock()
	defer ut.mu.Unlock()

	s := ut.current
	if r.Tier == TierCloud {
		s.Cloud = s.Cloud.add(r.InputTokens, r.OutputTokens)
	} else {
		s.Local = s.Local.add(r.InputTokens, r.OutputTokens)
	}
	if r.Model != "" {
		s.ByModel[r.Model] = s.ByModel[r.Model].add(r.InputTokens, r.OutputTokens)
	}
	s.Replies++
	if r.Outcome != "" {
		s.Outcomes[r.Outcome]++
	}

	s.TopReplies = append(s.TopReplies, r)
	sort.SliceStable(s.TopReplies, func(i, j int) bool {
		a, b := s.TopReplies[i], s.TopReplies[j]
		return a.InputTokens+a.OutputTokens > b.InputTokens+b.OutputTokens
	})
	if len(s.TopReplies) > maxTopReplies {
		s.TopReplies = s.TopReplies[:maxTopReplies]
	}
}

// Current returns a copy of the running session.
func (ut *UsageTracker) Current() *SessionUsage {
	ut.mu.RLock()
	defer ut.mu.RUnlock()
	return copySession(ut.current)
}

// =============================================================================
// HISTORY
// =============================================================================

// History returns stored sessions that started within [from, to].
func (ut *UsageTracker) History(from, to time.Time) []*SessionUsage {
	ids, err := ut.storage.List(from, to)
	if err != nil {
		return nil
	}
	sessions := make([]*SessionUsage, 0, len(ids))
	for _, id := range ids {
		s, err := ut.storage.Load(id)
		if err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions
}

// Trends aggregates the stored sessions of the last days days.
func (ut *UsageTracker) Trends(days int) *UsageTrends {
	to := time.Now()
	from := to.AddDate(0, 0, -days)

	trends := &UsageTrends{
		Days:   days,
		Daily:  make([]DailyUsage, 0),
		ByTier: map[string]TokenCount{TierLocal: {}, TierCloud: {}},
	}

	daily := make(map[string]*DailyUsage)
	for _, s := range ut.History(from, to) {
		key := s.StartTime.Format("2006-01-02")
		d, ok := daily[key]
		if !ok {
			y, m, dd := s.StartTime.Date()
			d = &DailyUsage{Date: time.Date(y, m, dd, 0, 0, 0, 0, s.StartTime.Location())}
			daily[key] = d
		}
		d.Tokens = d.Tokens.add(s.Local.Input+s.Cloud.Input, s.Local.Output+s.Cloud.Output)
		d.Replies += s.Replies

		trends.Total = trends.Total.add(s.Local.Input+s.Cloud.Input, s.Local.Output+s.Cloud.Output)
		trends.Replies += s.Replies
		trends.ByTier[TierLocal] = trends.ByTier[TierLocal].add(s.Local.Input, s.Local.Output)
		trends.ByTier[TierCloud] = trends.ByTier[TierCloud].add(s.Cloud.Input, s.Cloud.Output)
	}

	for _, d := range daily {
		trends.Daily = append(trends.Daily, *d)
	}
	sort.Slice(trends.Daily, func(i, j int) bool {
		return trends.Daily[i].Date.Before(trends.Daily[j].Date)
	})
	return trends
}

// =============================================================================
// SESSION MANAGEMENT
// =============================================================================

// Save writes the running session to storage. Sessions without replies are
// not written.
func (ut *UsageTracker) Save() error {
	if ut == nil {
		return nil
	}
	s := ut.Current()
	if s.Replies == 0 {
		return nil
	}
	return ut.storage.Save(s)
}

// EndSession stamps and saves the running session, then starts a new one.
func (ut *UsageTracker) EndSession() error {
	ut.mu.Lock()
	ut.current.EndTime = time.Now()
	s := copySession(ut.current)
	ut.current = newSession()
	ut.mu.Unlock()

	if s.Replies == 0 {
		return nil
	}
	return ut.storage.Save(s)
}

// Storage returns the backing storage.
func (ut *UsageTracker) Storage() *UsageStorage {
	return ut.storage
}

// =============================================================================
// HELPERS
// =============================================================================

// copySession creates a deep copy of a session.
func copySession(src *SessionUsage) *SessionUsage {
	dst := *src
	dst.ByModel = make(map[string]TokenCount, len(src.ByModel))
	for k, v := range src.ByModel {
		dst.ByModel[k] = v
	}
	dst.Outcomes = make(map[string]int, len(src.Outcomes))
	for k, v := range src.Outcomes {
		dst.Outcomes[k] = v
	}
	dst.TopReplies = append([]ReplyUsage(nil), src.TopReplies...)
	return &dst
}

// generateSessionID generates a unique session ID.
func generateSessionID() string {
	// Date format plus atomic counter for uniqueness
	counter := atomic.AddUint64(&sessionIDCounter, 1)
	return time.Now().Format("20060102-150405") + "-" + fmt.Sprintf("%d", counter)
}
