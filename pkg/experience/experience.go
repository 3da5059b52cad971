// Package experience implements the enhanced memory tier: timestamped
// interaction experiences with optional embeddings, incremental
// centroid-similarity clustering with keyword-derived themes, per-user
// aggregate profiles, and importance-scored pruning. State is held in
// process and persisted through an append-only journal with periodic
// snapshot compaction.
package experience

import (
	"strings"
	"time"
)

// Experience is one stored interaction record.
//
// Embedding is set iff an embedding provider was available at store time,
// and ClusterID is set iff Embedding is set. An experience is mutated
// exactly once (cluster assignment) right after creation, then only ever
// deleted by pruning or an explicit forget.
type Experience struct {
	ID              string                 `json:"id"`
	UserID          string                 `json:"user_id"`
	InteractionType string                 `json:"interaction_type"`
	Content         string                 `json:"content"`
	Context         map[string]interface{} `json:"context,omitempty"`
	Timestamp       float64                `json:"timestamp"`
	Success         bool                   `json:"success"`
	ToolsUsed       []string               `json:"tools_used,omitempty"`
	ResponseQuality float64                `json:"response_quality"`
	Embedding       []float32              `json:"embedding,omitempty"`
	ClusterID       *int                   `json:"cluster_id,omitempty"`
}

// Cluster is a semantic grouping of experiences. The centroid is the
// founding experience's embedding and is never recomputed; the theme is
// fixed at creation from the founding experience's content.
type Cluster struct {
	ClusterID       int       `json:"cluster_id"`
	Centroid        []float32 `json:"centroid"`
	Experiences     []string  `json:"experiences"`
	Theme           string    `json:"theme"`
	ImportanceScore float64   `json:"importance_score"`
	LastAccessed    float64   `json:"last_accessed"`
}

// UserProfile is the aggregate per-user statistics record. It is created
// lazily on a user's first experience and never deleted.
type UserProfile struct {
	TotalInteractions      int            `json:"total_interactions"`
	SuccessfulInteractions int            `json:"successful_interactions"`
	PreferredTools         map[string]int `json:"preferred_tools"`
	InteractionTypes       map[string]int `json:"interaction_types"`
	Themes                 map[string]int `json:"themes"`
	FirstInteraction       float64        `json:"first_interaction"`
	LastInteraction        float64        `json:"last_interaction"`
}

// Config holds experience store configuration.
type Config struct {
	// Dir is the memory directory holding the journal and snapshots.
	Dir string

	// MaxExperiences caps the store; exceeding it triggers pruning.
	// Default: 1000.
	MaxExperiences int

	// SimilarityThreshold is the minimum centroid similarity for joining
	// an existing cluster. Default: 0.7.
	SimilarityThreshold float64

	// MinClusterSize is the minimum member count before a cluster is
	// surfaced in assembled context. Default: 2.
	MinClusterSize int

	// DecayFactor is the per-day age decay base used in prune scoring.
	// Default: 0.95.
	DecayFactor float64

	// OpTimeout bounds each embedding and index call. Default: 10s.
	OpTimeout time.Duration

	// CompactEvery is the journal entry count that triggers snapshot
	// compaction. Default: 512.
	CompactEvery int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxExperiences:      1000,
		SimilarityThreshold: 0.7,
		MinClusterSize:      2,
		DecayFactor:         0.95,
		OpTimeout:           10 * time.Second,
		CompactEvery:        512,
	}
}

// pruneKeepRatio is the fraction of MaxExperiences retained after a prune
// pass.
const pruneKeepRatio = 0.8

// themeEntry pairs a theme label with its trigger keywords. Table order
// matters: the first matching theme wins.
type themeEntry struct {
	theme    string
	keywords []string
}

var themeTable = []themeEntry{
	{"weather", []string{"weather", "temperature", "forecast", "rain", "sunny", "snow", "wind"}},
	{"programming", []string{"python", "code", "debug", "error", "function", "script", "compile"}},
	{"search", []string{"search", "find", "look up", "google", "wikipedia"}},
	{"files", []string{"file", "folder", "document", "save", "open", "read", "write"}},
	{"scheduling", []string{"remind", "reminder", "calendar", "schedule", "timer", "alarm", "meeting"}},
	{"smalltalk", []string{"hello", "thanks", "thank you", "joke", "how are you", "good morning"}},
}

// themeOf derives a coarse topic label from content by keyword match.
// Unmatched content falls back to "general".
func themeOf(content string) string {
	lower := strings.ToLower(content)
	for _, entry := range themeTable {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.theme
			}
		}
	}
	return "general"
}
