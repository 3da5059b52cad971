// Package types holds the wire shapes shared between memory backends and
// the service layer. Timestamps are float seconds since the Unix epoch,
// matching the persisted format.
package types

// Turn is a single completed conversational exchange.
type Turn struct {
	ID                string                 `json:"turn_id,omitempty"`
	Timestamp         float64                `json:"timestamp"`
	UserInput         string                 `json:"user_input"`
	AssistantResponse string                 `json:"assistant_response"`
	Plan              map[string]interface{} `json:"plan,omitempty"`
	Validation        map[string]interface{} `json:"validation,omitempty"`
	Execution         map[string]interface{} `json:"execution,omitempty"`
	Verification      map[string]interface{} `json:"verification,omitempty"`
	ResponseType      string                 `json:"response_type,omitempty"`
	Success           bool                   `json:"success"`
	ToolsUsed         []string               `json:"tools_used,omitempty"`
	ResponseQuality   float64                `json:"response_quality,omitempty"`
}

// MemoryItem is a single stored memory returned from search or recent
// lookups, regardless of which backend produced it.
type MemoryItem struct {
	ID         string   `json:"id"`
	UserInput  string   `json:"user_input,omitempty"`
	AIResponse string   `json:"ai_response,omitempty"`
	Content    string   `json:"content,omitempty"`
	Timestamp  float64  `json:"timestamp"`
	Success    bool     `json:"success"`
	ToolsUsed  []string `json:"tools_used,omitempty"`
	Similarity float64  `json:"similarity,omitempty"`
}

// ProfileView is the aggregate per-user statistics view.
type ProfileView struct {
	TotalInteractions      int            `json:"total_interactions"`
	SuccessfulInteractions int            `json:"successful_interactions"`
	PreferredTools         map[string]int `json:"preferred_tools,omitempty"`
	InteractionTypes       map[string]int `json:"interaction_types,omitempty"`
	Themes                 map[string]int `json:"themes,omitempty"`
	FirstInteraction       float64        `json:"first_interaction,omitempty"`
	LastInteraction        float64        `json:"last_interaction,omitempty"`
}

// ClusterSummary describes one experience cluster for context assembly.
type ClusterSummary struct {
	ClusterID       int     `json:"cluster_id"`
	Theme           string  `json:"theme"`
	Size            int     `json:"size"`
	ImportanceScore float64 `json:"importance_score"`
	LastAccessed    float64 `json:"last_accessed"`
}

// ContextBundle is the merged recent+semantic+profile+cluster view handed
// to the planner. Its field set is a stable contract.
type ContextBundle struct {
	RecentTurns      []MemoryItem     `json:"recent_turns"`
	RelevantMemories []MemoryItem     `json:"relevant_memories"`
	UserProfile      *ProfileView     `json:"user_profile,omitempty"`
	Clusters         []ClusterSummary `json:"clusters,omitempty"`
	MemoryStats      Stats            `json:"memory_stats"`
}

// Stats is a diagnostic mapping. Every backend includes "backend_type".
type Stats map[string]interface{}

// EmptyContext returns a well-typed bundle with no memories, used when the
// memory subsystem is unavailable or an operation was refused.
func EmptyContext() *ContextBundle {
	return &ContextBundle{
		RecentTurns:      []MemoryItem{},
		RelevantMemories: []MemoryItem{},
		MemoryStats:      Stats{"status": "unavailable"},
	}
}
