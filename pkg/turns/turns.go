// Package turns implements the structured memory tier: a SQLite-backed
// log of recent conversational turns with per-user retention, episodic
// rollup of aged turns into summaries, per-user profile counters, and a
// learned synonym table for command phrasing.
package turns

import (
	"errors"
	"time"
)

// Common errors returned by the turn store.
var (
	ErrNotFound    = errors.New("turn not found")
	ErrEmptyUserID = errors.New("user id is empty")
)

// Config holds turn store configuration.
type Config struct {
	// MaxRecentTurns caps the per-user turn log; older turns beyond the
	// cap are dropped on append. Default: 50.
	MaxRecentTurns int

	// RollupAge is the minimum age before turns are eligible for episode
	// rollup. Default: 24h.
	RollupAge time.Duration

	// RollupMinTurns is the minimum number of aged turns a user needs
	// before a rollup happens. Default: 5.
	RollupMinTurns int

	// RollupBatch is the maximum number of turns folded into one
	// episode. Default: 20.
	RollupBatch int

	// RollupInterval is the cadence of the background rollup worker.
	// Default: 1h.
	RollupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRecentTurns: 50,
		RollupAge:      24 * time.Hour,
		RollupMinTurns: 5,
		RollupBatch:    20,
		RollupInterval: time.Hour,
	}
}

// Episode is a compacted summary of a batch of rolled-up turns. Topics
// is the set of response types observed in the batch.
type Episode struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	Topics    []string `json:"topics"`
	TurnCount int      `json:"turn_count"`
	Outcome   string   `json:"outcome"` // successful | mixed | difficult
	StartTime float64  `json:"start_time"`
	EndTime   float64  `json:"end_time"`
}

// Profile is the per-user aggregate row.
type Profile struct {
	UserID          string  `json:"user_id"`
	TotalTurns      int     `json:"total_turns"`
	SuccessfulTurns int     `json:"successful_turns"`
	FirstSeen       float64 `json:"first_seen"`
	LastSeen        float64 `json:"last_seen"`
}
