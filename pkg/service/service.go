// Package service runs the memory subsystem as a single-owner loop: one
// goroutine owns the selected backend and executes requests one at a
// time, so backend implementations never see concurrent calls. Callers
// talk to the loop over a channel; the Sync facade adds a bounded
// handshake for blocking callers that must never hang on memory.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/leonardo-assistant/leonardo/pkg/backend"
	"github.com/leonardo-assistant/leonardo/pkg/metrics"
	"github.com/leonardo-assistant/leonardo/pkg/tracing"
	"github.com/leonardo-assistant/leonardo/pkg/types"
)

// ErrStopped is returned for requests after Stop.
var ErrStopped = errors.New("memory service stopped")

// Config holds service loop settings.
type Config struct {
	// OpTimeout bounds each backend operation run by the loop.
	// Default: 30s.
	OpTimeout time.Duration

	// SyncTimeout bounds the Sync facade's whole handshake.
	// Default: 5s.
	SyncTimeout time.Duration

	// QueueSize is the request channel depth. Default: 64.
	QueueSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OpTimeout:   30 * time.Second,
		SyncTimeout: 5 * time.Second,
		QueueSize:   64,
	}
}

type result struct {
	v   interface{}
	err error
}

type request struct {
	op       string
	fn       func(ctx context.Context) (interface{}, error)
	resultCh chan result
}

// Service is the async memory API. All methods are safe for concurrent
// use; they serialize through the owner loop.
type Service struct {
	backend backend.Backend
	cfg     Config
	logger  *slog.Logger

	reqCh  chan request
	stopCh chan struct{}
	doneCh chan struct{}
}

// New wraps a selected backend in a service loop. Call Start before use.
func New(b backend.Backend, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	metrics.BackendInfo.WithLabelValues(b.Type()).Set(1)
	return &Service{
		backend: b,
		cfg:     cfg,
		logger:  logger.With("component", "memory-service", "backend", b.Type()),
		reqCh:   make(chan request, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the owner loop.
func (s *Service) Start() {
	go s.run()
}

// Stop shuts the loop down and closes the backend. Requests in flight
// finish; requests after Stop fail with ErrStopped.
func (s *Service) Stop() error {
	close(s.stopCh)
	<-s.doneCh
	return s.backend.Close()
}

// Backend reports the active backend tier.
func (s *Service) Backend() string {
	return s.backend.Type()
}

func (s *Service) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case req := <-s.reqCh:
			req.resultCh <- s.execute(req)
		}
	}
}

func (s *Service) execute(req request) result {
	start := time.Now()
	opCtx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()

	spanCtx, span := tracing.Tracer().Start(opCtx, "memory."+req.op)
	v, err := req.fn(spanCtx)
	span.End()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Warn("memory operation failed", "op", req.op, "error", err)
	}
	metrics.OpsTotal.WithLabelValues(req.op, outcome).Inc()
	metrics.OpDuration.WithLabelValues(req.op).Observe(time.Since(start).Seconds())
	return result{v, err}
}

// do submits one operation to the loop and waits for its result, honoring
// the caller's context for both the enqueue and the wait.
func (s *Service) do(ctx context.Context, op string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	req := request{op: op, fn: fn, resultCh: make(chan result, 1)}
	select {
	case s.reqCh <- req:
	case <-s.stopCh:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.resultCh:
		return res.v, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.doneCh:
		// The loop exited; take a result delivered just before shutdown.
		select {
		case res := <-req.resultCh:
			return res.v, res.err
		default:
			return nil, ErrStopped
		}
	}
}

// GetContext assembles the context bundle for a turn. Backend failures
// degrade to an empty bundle rather than an error: context assembly must
// never break the turn that asked for it.
func (s *Service) GetContext(ctx context.Context, userID, query string, maxRecent, maxSemantic int) (*types.ContextBundle, error) {
	v, err := s.do(ctx, "get_context", func(opCtx context.Context) (interface{}, error) {
		bundle, err := backend.GetContext(opCtx, s.backend, userID, query, maxRecent, maxSemantic)
		if err != nil {
			s.logger.Warn("context assembly failed, serving empty context", "error", err)
			return types.EmptyContext(), nil
		}
		return bundle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.ContextBundle), nil
}

// Update stores one completed interaction and returns its memory id.
func (s *Service) Update(ctx context.Context, userID string, payload map[string]interface{}, success bool, quality float64) (string, error) {
	v, err := s.do(ctx, "update", func(opCtx context.Context) (interface{}, error) {
		return s.backend.Add(opCtx, userID, payload, success, quality)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Search returns memories relevant to query.
func (s *Service) Search(ctx context.Context, userID, query string, limit int) ([]types.MemoryItem, error) {
	v, err := s.do(ctx, "search", func(opCtx context.Context) (interface{}, error) {
		return s.backend.Search(opCtx, userID, query, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.MemoryItem), nil
}

// GetRecent returns the newest memories for the user.
func (s *Service) GetRecent(ctx context.Context, userID string, limit int) ([]types.MemoryItem, error) {
	v, err := s.do(ctx, "get_recent", func(opCtx context.Context) (interface{}, error) {
		return s.backend.GetRecent(opCtx, userID, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.MemoryItem), nil
}

// Forget removes one memory; false means unknown id or wrong owner.
func (s *Service) Forget(ctx context.Context, userID, id string) (bool, error) {
	v, err := s.do(ctx, "forget", func(opCtx context.Context) (interface{}, error) {
		return s.backend.Forget(opCtx, userID, id)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Stats returns backend diagnostics.
func (s *Service) Stats(ctx context.Context, userID string) (types.Stats, error) {
	v, err := s.do(ctx, "stats", func(opCtx context.Context) (interface{}, error) {
		return s.backend.Stats(opCtx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(types.Stats), nil
}
