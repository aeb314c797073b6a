package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/aggregate"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/config"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
)

// MatchStore is the persistence surface the worker needs
type MatchStore interface {
	MarkKickedOff(ctx context.Context, now time.Time) (int64, error)
	RecentMatchIDs(ctx context.Context, limit int) ([]string, error)
	RatingsByMatch(ctx context.Context, matchID string) ([]domain.Rating, error)
}

// SnapshotCache stores recomputed match snapshots
type SnapshotCache interface {
	SetSnapshot(ctx context.Context, snapshot domain.MatchSnapshot) error
}

// StatusWorker flips matches from upcoming to live once kickoff passes and
// warms the snapshot cache at startup so first readers skip the cold query.
type StatusWorker struct {
	store   MatchStore
	cache   SnapshotCache
	config  *config.WorkerConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewStatusWorker creates a new status worker. cache may be nil.
func NewStatusWorker(
	store MatchStore,
	cache SnapshotCache,
	cfg *config.WorkerConfig,
	logger *slog.Logger,
) *StatusWorker {
	return &StatusWorker{
		store:  store,
		cache:  cache,
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background status loop
func (w *StatusWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("status worker started", "interval", w.config.StatusInterval)

	w.warmSnapshots(ctx)
	go w.run(ctx)
	return nil
}

// Stop stops the background status loop
func (w *StatusWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("status worker stopped")
	return nil
}

// run is the main worker loop
func (w *StatusWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.markKickedOff(ctx)
		}
	}
}

// markKickedOff transitions upcoming matches whose kickoff has passed
func (w *StatusWorker) markKickedOff(ctx context.Context) {
	updated, err := w.store.MarkKickedOff(ctx, time.Now())
	if err != nil {
		w.logger.Error("failed to mark kicked-off matches", "error", err)
		return
	}
	if updated > 0 {
		w.logger.Info("matches went live", "count", updated)
	}
}

// warmSnapshots recomputes and caches the most recent matches
func (w *StatusWorker) warmSnapshots(ctx context.Context) {
	if w.cache == nil || w.config.WarmupMatches <= 0 {
		return
	}

	startTime := time.Now()
	matchIDs, err := w.store.RecentMatchIDs(ctx, w.config.WarmupMatches)
	if err != nil {
		w.logger.Error("failed to list matches for warmup", "error", err)
		return
	}

	warmed := 0
	for _, matchID := range matchIDs {
		ratings, err := w.store.RatingsByMatch(ctx, matchID)
		if err != nil {
			w.logger.Error("failed to load ratings for warmup", "match_id", matchID, "error", err)
			continue
		}

		view, comments := aggregate.Compute(ratings)
		snapshot := domain.MatchSnapshot{
			MatchID:   matchID,
			Ratings:   view,
			Comments:  comments,
			UpdatedAt: time.Now(),
		}
		if err := w.cache.SetSnapshot(ctx, snapshot); err != nil {
			w.logger.Error("failed to cache snapshot", "match_id", matchID, "error", err)
			continue
		}
		warmed++
	}

	w.logger.Info("snapshot warmup completed",
		"duration", time.Since(startTime),
		"warmed", warmed,
	)
}
