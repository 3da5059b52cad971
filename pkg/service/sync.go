package service

import (
	"context"

	"github.com/leonardo-assistant/leonardo/pkg/metrics"
	"github.com/leonardo-assistant/leonardo/pkg/types"
)

// Sync is a blocking facade over the service loop for callers that
// cannot await. Every call is bounded by SyncTimeout; when the loop is
// busy or stopped the call is refused and a benign empty result comes
// back instead of a hang. Voice pipelines call these between turns, so a
// stalled backend must cost at most one timeout, never a deadlock.
type Sync struct {
	svc *Service
}

// NewSync wraps a running service.
func NewSync(svc *Service) *Sync {
	return &Sync{svc: svc}
}

func (s *Sync) bounded() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.svc.cfg.SyncTimeout)
}

// GetContext returns the context bundle, or an empty bundle when the
// loop cannot answer in time.
func (s *Sync) GetContext(userID, query string, maxRecent, maxSemantic int) *types.ContextBundle {
	ctx, cancel := s.bounded()
	defer cancel()
	bundle, err := s.svc.GetContext(ctx, userID, query, maxRecent, maxSemantic)
	if err != nil {
		s.refused("get_context", err)
		return types.EmptyContext()
	}
	return bundle
}

// Update stores one interaction; "" means the call was refused or the
// store failed.
func (s *Sync) Update(userID string, payload map[string]interface{}, success bool, quality float64) string {
	ctx, cancel := s.bounded()
	defer cancel()
	id, err := s.svc.Update(ctx, userID, payload, success, quality)
	if err != nil {
		s.refused("update", err)
		return ""
	}
	return id
}

// Search returns relevant memories, empty when refused.
func (s *Sync) Search(userID, query string, limit int) []types.MemoryItem {
	ctx, cancel := s.bounded()
	defer cancel()
	items, err := s.svc.Search(ctx, userID, query, limit)
	if err != nil {
		s.refused("search", err)
		return []types.MemoryItem{}
	}
	if items == nil {
		items = []types.MemoryItem{}
	}
	return items
}

// GetRecent returns the newest memories, empty when refused.
func (s *Sync) GetRecent(userID string, limit int) []types.MemoryItem {
	ctx, cancel := s.bounded()
	defer cancel()
	items, err := s.svc.GetRecent(ctx, userID, limit)
	if err != nil {
		s.refused("get_recent", err)
		return []types.MemoryItem{}
	}
	if items == nil {
		items = []types.MemoryItem{}
	}
	return items
}

// Forget removes one memory; false when refused or not found.
func (s *Sync) Forget(userID, id string) bool {
	ctx, cancel := s.bounded()
	defer cancel()
	ok, err := s.svc.Forget(ctx, userID, id)
	if err != nil {
		s.refused("forget", err)
		return false
	}
	return ok
}

// Stats returns backend diagnostics, with a status marker when refused.
func (s *Sync) Stats(userID string) types.Stats {
	ctx, cancel := s.bounded()
	defer cancel()
	stats, err := s.svc.Stats(ctx, userID)
	if err != nil {
		s.refused("stats", err)
		return types.Stats{"status": "unavailable"}
	}
	return stats
}

func (s *Sync) refused(op string, err error) {
	metrics.SyncRefusals.Inc()
	s.svc.logger.Warn("sync memory call refused", "op", op, "error", err)
}
