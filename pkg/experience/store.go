package experience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leonardo-assistant/leonardo/pkg/embedding"
	"github.com/leonardo-assistant/leonardo/pkg/metrics"
	"github.com/leonardo-assistant/leonardo/pkg/types"
	"github.com/leonardo-assistant/leonardo/pkg/vecmath"
	"github.com/leonardo-assistant/leonardo/pkg/vectorindex"
)

// Store owns the in-process experience, cluster, and profile maps for one
// memory directory. The embedder and index are optional; without them the
// store degrades to a chronological turn log with profiles.
//
// Store operations never propagate errors for per-interaction failures:
// faults are logged and converted to benign empty results so a memory
// problem cannot break the conversational turn that caused it.
type Store struct {
	cfg      Config
	logger   *slog.Logger
	embedder embedding.Provider
	index    vectorindex.Index

	mu            sync.Mutex
	experiences   map[string]*Experience
	clusters      map[int]*Cluster
	profiles      map[string]*UserProfile
	nextClusterID int
	journal       *journal
}

// Open loads or creates an experience store in cfg.Dir. embedder and
// index may be nil.
func Open(cfg Config, embedder embedding.Provider, index vectorindex.Index, logger *slog.Logger) (*Store, error) {
	def := DefaultConfig()
	if cfg.MaxExperiences <= 0 {
		cfg.MaxExperiences = def.MaxExperiences
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = def.MinClusterSize
	}
	if cfg.DecayFactor <= 0 {
		cfg.DecayFactor = def.DecayFactor
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.CompactEvery <= 0 {
		cfg.CompactEvery = def.CompactEvery
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	s := &Store{
		cfg:         cfg,
		logger:      logger.With("component", "experience"),
		embedder:    embedder,
		index:       index,
		experiences: make(map[string]*Experience),
		clusters:    make(map[int]*Cluster),
		profiles:    make(map[string]*UserProfile),
	}

	if err := readSnapshot(cfg.Dir, experiencesFile, &s.experiences); err != nil {
		return nil, err
	}
	if err := readSnapshot(cfg.Dir, clustersFile, &s.clusters); err != nil {
		return nil, err
	}
	if err := readSnapshot(cfg.Dir, profilesFile, &s.profiles); err != nil {
		return nil, err
	}

	replayed, err := replayJournal(cfg.Dir, s.applyEntry)
	if err != nil {
		return nil, err
	}
	if replayed > 0 {
		s.logger.Info("replayed journal", "entries", replayed)
	}

	for id := range s.clusters {
		if id >= s.nextClusterID {
			s.nextClusterID = id + 1
		}
	}

	j, err := openJournal(cfg.Dir)
	if err != nil {
		return nil, err
	}
	s.journal = j

	return s, nil
}

// applyEntry applies one journal entry during replay.
func (s *Store) applyEntry(e journalEntry) {
	switch e.Op {
	case "experience":
		if e.Experience != nil {
			s.experiences[e.Experience.ID] = e.Experience
		}
	case "cluster":
		if e.Cluster != nil {
			s.clusters[e.Cluster.ClusterID] = e.Cluster
		}
	case "profile":
		if e.Profile != nil && e.UserID != "" {
			s.profiles[e.UserID] = e.Profile
		}
	case "delete":
		for _, id := range e.IDs {
			delete(s.experiences, id)
		}
	}
}

// StoreExperience records one interaction. The payload is the raw
// interaction mapping; user and assistant text fields are synthesized into
// the experience content, embedded when a provider is configured, and the
// result is clustered and folded into the user's profile. Returns the new
// experience id, or "" on internal failure.
func (s *Store) StoreExperience(ctx context.Context, userID string, payload map[string]interface{}, success bool, quality float64) string {
	if userID == "" {
		s.logger.Warn("store experience without user id")
		return ""
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	content := synthesizeContent(payload)

	// Embed outside the lock; a hung or failing provider must not stall
	// other memory operations, and an embed failure just degrades this
	// experience to unembedded.
	var emb []float32
	if s.embedder != nil && content != "" {
		ectx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		v, err := s.embedder.Embed(ectx, content)
		cancel()
		if err != nil {
			s.logger.Warn("embed failed, storing without embedding", "error", err)
		} else {
			emb = v
		}
	}

	s.mu.Lock()
	exp := &Experience{
		ID:              s.newIDLocked(userID),
		UserID:          userID,
		InteractionType: interactionType(payload),
		Content:         content,
		Context:         payload,
		Timestamp:       nowUnix(),
		Success:         success,
		ToolsUsed:       toolsUsed(payload),
		ResponseQuality: quality,
		Embedding:       emb,
	}
	s.experiences[exp.ID] = exp

	var cluster *Cluster
	if len(emb) > 0 {
		cluster = s.assignClusterLocked(exp)
	}
	profile := s.updateProfileLocked(exp)

	s.journalAppendLocked(journalEntry{Op: "experience", Experience: exp})
	if cluster != nil {
		s.journalAppendLocked(journalEntry{Op: "cluster", Cluster: cluster})
	}
	s.journalAppendLocked(journalEntry{Op: "profile", UserID: userID, Profile: profile})

	overCap := len(s.experiences) > s.cfg.MaxExperiences
	needCompact := s.journal.entries >= s.cfg.CompactEvery
	metrics.Experiences.Set(float64(len(s.experiences)))
	s.mu.Unlock()

	if len(emb) > 0 && s.index != nil {
		ictx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		err := s.index.Upsert(ictx, vectorindex.Record{
			ID:     exp.ID,
			UserID: userID,
			Vector: emb,
			Metadata: map[string]interface{}{
				"interaction_type": exp.InteractionType,
				"timestamp":        exp.Timestamp,
				"success":          exp.Success,
				"tools_used":       strings.Join(exp.ToolsUsed, ","),
			},
		})
		cancel()
		if err != nil {
			s.logger.Warn("index upsert failed", "id", exp.ID, "error", err)
		}
	}

	if overCap {
		s.Prune(ctx)
	}
	if needCompact {
		if err := s.Compact(); err != nil {
			s.logger.Warn("compact failed", "error", err)
		}
	}

	return exp.ID
}

// newIDLocked derives a unique experience id from the user id and a
// high-resolution timestamp.
func (s *Store) newIDLocked(userID string) string {
	ns := time.Now().UnixNano()
	for {
		id := fmt.Sprintf("%s_%d", userID, ns)
		if _, exists := s.experiences[id]; !exists {
			return id
		}
		ns++
	}
}

// assignClusterLocked joins the new experience to the most similar cluster
// above the similarity threshold, or founds a new cluster around it. The
// new cluster's centroid is exactly the founding embedding; it is not
// recomputed as members join.
func (s *Store) assignClusterLocked(exp *Experience) *Cluster {
	best := -1
	bestSim := -1.0
	for id, c := range s.clusters {
		sim := vecmath.CosineSimilarity(exp.Embedding, c.Centroid)
		if sim > bestSim {
			bestSim = sim
			best = id
		}
	}

	if best >= 0 && bestSim > s.cfg.SimilarityThreshold {
		c := s.clusters[best]
		c.Experiences = append(c.Experiences, exp.ID)
		c.LastAccessed = exp.Timestamp
		cid := c.ClusterID
		exp.ClusterID = &cid
		return c
	}

	c := &Cluster{
		ClusterID:       s.nextClusterID,
		Centroid:        exp.Embedding,
		Experiences:     []string{exp.ID},
		Theme:           themeOf(exp.Content),
		ImportanceScore: 1.0,
		LastAccessed:    exp.Timestamp,
	}
	s.nextClusterID++
	s.clusters[c.ClusterID] = c
	cid := c.ClusterID
	exp.ClusterID = &cid
	return c
}

// updateProfileLocked folds one experience into the user's profile. The
// profile theme is recomputed from content per experience, so it can
// disagree with the owning cluster's theme, which is fixed at cluster
// creation.
func (s *Store) updateProfileLocked(exp *Experience) *UserProfile {
	p, ok := s.profiles[exp.UserID]
	if !ok {
		p = &UserProfile{
			PreferredTools:   make(map[string]int),
			InteractionTypes: make(map[string]int),
			Themes:           make(map[string]int),
			FirstInteraction: exp.Timestamp,
		}
		s.profiles[exp.UserID] = p
	}

	p.TotalInteractions++
	if exp.Success {
		p.SuccessfulInteractions++
	}
	for _, tool := range exp.ToolsUsed {
		p.PreferredTools[tool]++
	}
	p.InteractionTypes[exp.InteractionType]++
	p.Themes[themeOf(exp.Content)]++
	p.LastInteraction = exp.Timestamp
	return p
}

func (s *Store) journalAppendLocked(e journalEntry) {
	if err := s.journal.append(e); err != nil {
		s.logger.Warn("journal append failed", "op", e.Op, "error", err)
	}
}

// Prune evicts low-scoring experiences until the store holds
// floor(MaxExperiences * 0.8) entries. The score is a product of age
// decay, success, response quality, and owning-cluster importance; this
// is a greedy quality-weighted eviction, not exact LRU. Returns the
// number of evicted experiences.
func (s *Store) Prune(ctx context.Context) int {
	now := nowUnix()

	s.mu.Lock()
	if len(s.experiences) <= s.cfg.MaxExperiences {
		s.mu.Unlock()
		return 0
	}

	type scored struct {
		exp   *Experience
		score float64
	}
	all := make([]scored, 0, len(s.experiences))
	for _, exp := range s.experiences {
		ageDays := (now - exp.Timestamp) / 86400
		if ageDays < 0 {
			ageDays = 0
		}
		ageScore := math.Pow(s.cfg.DecayFactor, ageDays)
		successScore := 0.5
		if exp.Success {
			successScore = 1.0
		}
		clusterScore := 1.0
		if exp.ClusterID != nil {
			if c, ok := s.clusters[*exp.ClusterID]; ok {
				clusterScore = c.ImportanceScore
			}
		}
		all = append(all, scored{exp, ageScore * successScore * exp.ResponseQuality * clusterScore})
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].exp.ID < all[j].exp.ID
	})

	keep := int(float64(s.cfg.MaxExperiences) * pruneKeepRatio)
	if keep >= len(all) {
		s.mu.Unlock()
		return 0
	}

	evicted := all[keep:]
	ids := make([]string, 0, len(evicted))
	for _, sc := range evicted {
		delete(s.experiences, sc.exp.ID)
		ids = append(ids, sc.exp.ID)
	}
	s.journalAppendLocked(journalEntry{Op: "delete", IDs: ids})
	metrics.PrunedTotal.Add(float64(len(ids)))
	metrics.Experiences.Set(float64(len(s.experiences)))
	s.mu.Unlock()

	// Index entries may already be absent; deletion failures are
	// deliberately swallowed.
	if s.index != nil {
		for _, sc := range evicted {
			ictx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
			_ = s.index.Delete(ictx, sc.exp.UserID, sc.exp.ID)
			cancel()
		}
	}

	s.logger.Info("pruned experiences", "evicted", len(evicted), "kept", keep)
	return len(evicted)
}

// SemanticSearch returns up to limit experiences relevant to query, most
// similar first, all with similarity >= minSimilarity. Returns an empty
// list when no embedder or index is configured.
func (s *Store) SemanticSearch(ctx context.Context, userID, query string, limit int, minSimilarity float64) []types.MemoryItem {
	if s.embedder == nil || s.index == nil || query == "" || limit <= 0 {
		return nil
	}

	ectx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	emb, err := s.embedder.Embed(ectx, query)
	cancel()
	if err != nil {
		s.logger.Warn("embed query failed", "error", err)
		return nil
	}

	// Over-fetch to leave room for the similarity floor.
	qctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	matches, err := s.index.Query(qctx, userID, emb, 2*limit)
	cancel()
	if err != nil {
		s.logger.Warn("index query failed", "error", err)
		return nil
	}

	s.mu.Lock()
	items := make([]types.MemoryItem, 0, len(matches))
	for _, m := range matches {
		if m.Similarity < minSimilarity {
			continue
		}
		exp, ok := s.experiences[m.ID]
		if !ok {
			// Pruned from the map but still indexed; skip.
			continue
		}
		items = append(items, itemFromExperience(exp, m.Similarity))
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Similarity > items[j].Similarity })
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Recent returns up to limit experiences for the user, newest first.
func (s *Store) Recent(userID string, limit int) []types.MemoryItem {
	s.mu.Lock()
	exps := make([]*Experience, 0, 16)
	for _, exp := range s.experiences {
		if exp.UserID == userID {
			exps = append(exps, exp)
		}
	}
	s.mu.Unlock()

	sort.Slice(exps, func(i, j int) bool {
		if exps[i].Timestamp != exps[j].Timestamp {
			return exps[i].Timestamp > exps[j].Timestamp
		}
		return exps[i].ID > exps[j].ID
	})
	if limit > 0 && len(exps) > limit {
		exps = exps[:limit]
	}

	items := make([]types.MemoryItem, len(exps))
	for i, exp := range exps {
		items[i] = itemFromExperience(exp, 0)
	}
	return items
}

// GrowingContext merges recent turns, semantically relevant memories, the
// user profile, and cluster summaries into the bundle the planner
// consumes. Semantic results are included only for a non-empty query with
// maxSemantic > 0; clusters smaller than MinClusterSize are not surfaced.
func (s *Store) GrowingContext(ctx context.Context, userID, query string, maxRecent, maxSemantic int) *types.ContextBundle {
	bundle := &types.ContextBundle{
		RecentTurns:      s.Recent(userID, maxRecent),
		RelevantMemories: []types.MemoryItem{},
	}

	if query != "" && maxSemantic > 0 {
		if relevant := s.SemanticSearch(ctx, userID, query, maxSemantic, 0); relevant != nil {
			bundle.RelevantMemories = relevant
		}
	}

	s.mu.Lock()
	if p, ok := s.profiles[userID]; ok {
		bundle.UserProfile = profileView(p)
	}
	bundle.Clusters = s.userClustersLocked(userID)
	userCount := 0
	for _, exp := range s.experiences {
		if exp.UserID == userID {
			userCount++
		}
	}
	total := len(s.experiences)
	clusters := len(s.clusters)
	s.mu.Unlock()

	bundle.MemoryStats = types.Stats{
		"user_experiences":  userCount,
		"total_experiences": total,
		"total_clusters":    clusters,
	}
	return bundle
}

// userClustersLocked returns the user's viable clusters sorted by
// importance descending.
func (s *Store) userClustersLocked(userID string) []types.ClusterSummary {
	prefix := userID + "_"
	var out []types.ClusterSummary
	for _, c := range s.clusters {
		if len(c.Experiences) < s.cfg.MinClusterSize {
			continue
		}
		mine := false
		for _, id := range c.Experiences {
			if strings.HasPrefix(id, prefix) {
				mine = true
				break
			}
		}
		if !mine {
			continue
		}
		out = append(out, types.ClusterSummary{
			ClusterID:       c.ClusterID,
			Theme:           c.Theme,
			Size:            len(c.Experiences),
			ImportanceScore: c.ImportanceScore,
			LastAccessed:    c.LastAccessed,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ImportanceScore != out[j].ImportanceScore {
			return out[i].ImportanceScore > out[j].ImportanceScore
		}
		return out[i].ClusterID < out[j].ClusterID
	})
	return out
}

// Forget removes one experience owned by the user. Returns false for an
// unknown id or a different owner.
func (s *Store) Forget(ctx context.Context, userID, id string) bool {
	s.mu.Lock()
	exp, ok := s.experiences[id]
	if !ok || exp.UserID != userID {
		s.mu.Unlock()
		return false
	}
	delete(s.experiences, id)
	s.journalAppendLocked(journalEntry{Op: "delete", IDs: []string{id}})
	s.mu.Unlock()

	if s.index != nil {
		ictx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		_ = s.index.Delete(ictx, userID, id)
		cancel()
	}
	return true
}

// Stats returns a diagnostic mapping for the user.
func (s *Store) Stats(userID string) types.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	userCount := 0
	for _, exp := range s.experiences {
		if exp.UserID == userID {
			userCount++
		}
	}
	stats := types.Stats{
		"total_experiences": len(s.experiences),
		"user_experiences":  userCount,
		"total_clusters":    len(s.clusters),
		"total_users":       len(s.profiles),
		"max_experiences":   s.cfg.MaxExperiences,
		"embedding_enabled": s.embedder != nil && s.index != nil,
	}
	if p, ok := s.profiles[userID]; ok {
		stats["successful_interactions"] = p.SuccessfulInteractions
		stats["total_interactions"] = p.TotalInteractions
	}
	return stats
}

// Count returns the total number of stored experiences.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.experiences)
}

// Snapshot returns copies of all experiences, for bulk maintenance such
// as reindexing.
func (s *Store) Snapshot() []Experience {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Experience, 0, len(s.experiences))
	for _, exp := range s.experiences {
		out = append(out, *exp)
	}
	return out
}

// Compact writes whole-state snapshots and truncates the journal.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeSnapshot(s.cfg.Dir, experiencesFile, s.experiences); err != nil {
		return err
	}
	if err := writeSnapshot(s.cfg.Dir, clustersFile, s.clusters); err != nil {
		return err
	}
	if err := writeSnapshot(s.cfg.Dir, profilesFile, s.profiles); err != nil {
		return err
	}
	return s.journal.truncate()
}

// Close compacts state and releases the journal.
func (s *Store) Close() error {
	if err := s.Compact(); err != nil {
		s.logger.Warn("final compact failed", "error", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal.close()
}

// synthesizeContent concatenates the labeled user and assistant text from
// a raw interaction payload. Absent fields default to empty.
func synthesizeContent(payload map[string]interface{}) string {
	user := stringField(payload, "user_input")
	assistant := stringField(payload, "assistant_response")
	if assistant == "" {
		assistant = stringField(payload, "response")
	}

	var parts []string
	if user != "" {
		parts = append(parts, "User: "+user)
	}
	if assistant != "" {
		parts = append(parts, "Assistant: "+assistant)
	}
	return strings.Join(parts, "\n")
}

func interactionType(payload map[string]interface{}) string {
	if t := stringField(payload, "interaction_type"); t != "" {
		return t
	}
	if t := stringField(payload, "response_type"); t != "" {
		return t
	}
	return "general"
}

func toolsUsed(payload map[string]interface{}) []string {
	switch v := payload["tools_used"].(type) {
	case []string:
		return v
	case []interface{}:
		var out []string
		for _, t := range v {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringField(payload map[string]interface{}, key string) string {
	v, _ := payload[key].(string)
	return v
}

func itemFromExperience(exp *Experience, similarity float64) types.MemoryItem {
	return types.MemoryItem{
		ID:         exp.ID,
		UserInput:  stringField(exp.Context, "user_input"),
		AIResponse: stringField(exp.Context, "assistant_response"),
		Content:    exp.Content,
		Timestamp:  exp.Timestamp,
		Success:    exp.Success,
		ToolsUsed:  exp.ToolsUsed,
		Similarity: similarity,
	}
}

func profileView(p *UserProfile) *types.ProfileView {
	return &types.ProfileView{
		TotalInteractions:      p.TotalInteractions,
		SuccessfulInteractions: p.SuccessfulInteractions,
		PreferredTools:         p.PreferredTools,
		InteractionTypes:       p.InteractionTypes,
		Themes:                 p.Themes,
		FirstInteraction:       p.FirstInteraction,
		LastInteraction:        p.LastInteraction,
	}
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
