package turns

import (
	"context"
	"log/slog"
	"time"
)

// RollupWorker periodically folds aged turns into episode summaries so the
// turn log stays small while long-term history survives as episodes.
type RollupWorker struct {
	store  *SQLiteStore
	logger *slog.Logger
	stopCh chan struct{}
}

// NewRollupWorker creates a rollup worker for the given store.
func NewRollupWorker(store *SQLiteStore, logger *slog.Logger) *RollupWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollupWorker{
		store:  store,
		logger: logger.With("component", "rollup"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic rollup loop. Call Stop() to terminate.
func (w *RollupWorker) Start() {
	go w.run()
}

// Stop terminates the rollup worker.
func (w *RollupWorker) Stop() {
	close(w.stopCh)
}

func (w *RollupWorker) run() {
	ticker := time.NewTicker(w.store.cfg.RollupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := w.store.RollupSummaries(ctx); err != nil {
				w.logger.Warn("rollup pass failed", "error", err)
			} else if n > 0 {
				w.logger.Info("rolled up episodes", "episodes", n)
			}
			cancel()
		}
	}
}
