package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/aggregate"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/auth"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/live"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/redis"
)

// Store is the persistent side the service talks to
type Store interface {
	UpsertRating(ctx context.Context, sub domain.RatingSubmission) (*domain.Rating, error)
	EnsureProfile(ctx context.Context, userID, username string) error
	RatingsByMatch(ctx context.Context, matchID string) ([]domain.Rating, error)
	RatingsByUser(ctx context.Context, userID, matchID string) ([]domain.Rating, error)
	GetMatch(ctx context.Context, matchID string) (*domain.Match, error)
	ListMatches(ctx context.Context, seasonID string) ([]domain.Match, error)
	MatchLineup(ctx context.Context, matchID string) ([]domain.LineupEntry, error)
	ListPlayers(ctx context.Context) ([]domain.Player, error)
}

// Publisher emits change feed events after store writes commit
type Publisher interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
}

// SnapshotSource serves cached aggregate snapshots for matches nobody is
// currently watching live
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, matchID string) (*domain.MatchSnapshot, error)
}

// Sessions exposes the live views held open by connected viewers
type Sessions interface {
	View(matchID string) (*live.MatchView, bool)
}

// RatingService validates and upserts ratings and serves the aggregated
// read model. Writes flow store-first: the optimistic own-state update only
// happens once the store confirms, and the aggregate always waits for the
// change feed recompute.
type RatingService struct {
	store     Store
	publisher Publisher
	snapshots SnapshotSource
	sessions  Sessions
	logger    *slog.Logger
}

// NewRatingService creates the service. snapshots and sessions may be nil.
func NewRatingService(
	store Store,
	publisher Publisher,
	snapshots SnapshotSource,
	sessions Sessions,
	logger *slog.Logger,
) *RatingService {
	return &RatingService{
		store:     store,
		publisher: publisher,
		snapshots: snapshots,
		sessions:  sessions,
		logger:    logger,
	}
}

// SubmitRating validates and upserts the authenticated user's rating for a
// player in a match. Resubmission replaces the prior value; a failed call
// leaves every piece of state untouched.
func (s *RatingService) SubmitRating(ctx context.Context, matchID, playerID string, score float64, comment string) (*domain.Rating, error) {
	identity, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}

	sub := domain.RatingSubmission{
		UserID:   identity.UserID,
		MatchID:  matchID,
		PlayerID: playerID,
		Score:    score,
		Comment:  comment,
		UserName: identity.Username,
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.store.GetMatch(ctx, matchID); err != nil {
		return nil, err
	}

	rating, err := s.store.UpsertRating(ctx, sub)
	if err != nil {
		// The write path is never retried silently: whether it landed is
		// unknown, so the caller re-attempts explicitly.
		return nil, fmt.Errorf("submitting rating: %w", err)
	}

	s.publishChange(ctx, domain.ChangeEvent{
		Kind:      domain.ChangeUpdate,
		MatchID:   matchID,
		PlayerID:  playerID,
		UserID:    identity.UserID,
		Timestamp: time.Now(),
	})

	// Optimistic update of the user's own slice only; the aggregate waits
	// for the authoritative recompute.
	if s.sessions != nil {
		if view, ok := s.sessions.View(matchID); ok {
			view.ApplyOwn(identity.UserID, playerID, domain.OwnRating{Score: score, Comment: comment})
		}
	}

	return rating, nil
}

// SubmitImported ingests a rating from the trusted bulk pipeline. The
// submission carries its own user id; validation and the recompute path are
// the same as for interactive submissions.
func (s *RatingService) SubmitImported(ctx context.Context, sub domain.RatingSubmission) error {
	if sub.UserID == "" || sub.MatchID == "" || sub.PlayerID == "" {
		return domain.ErrInvalidRequest
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	// Imported user ids are minted outside this service, so the profile
	// the rating references may not exist yet.
	if err := s.store.EnsureProfile(ctx, sub.UserID, sub.UserName); err != nil {
		return fmt.Errorf("ingesting rating: %w", err)
	}
	if _, err := s.store.UpsertRating(ctx, sub); err != nil {
		return fmt.Errorf("ingesting rating: %w", err)
	}

	s.publishChange(ctx, domain.ChangeEvent{
		Kind:      domain.ChangeUpdate,
		MatchID:   sub.MatchID,
		PlayerID:  sub.PlayerID,
		UserID:    sub.UserID,
		Timestamp: time.Now(),
	})
	return nil
}

// SubmitImportedBatch ingests multiple ratings, continuing past individual
// failures the way the bulk pipeline expects.
func (s *RatingService) SubmitImportedBatch(ctx context.Context, subs []domain.RatingSubmission) error {
	for _, sub := range subs {
		if err := s.SubmitImported(ctx, sub); err != nil {
			s.logger.Error("failed to ingest rating",
				"user_id", sub.UserID,
				"match_id", sub.MatchID,
				"player_id", sub.PlayerID,
				"error", err,
			)
		}
	}
	return nil
}

func (s *RatingService) publishChange(ctx context.Context, event domain.ChangeEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		// The write landed; a lost notification only delays the next
		// recompute, so don't fail the request.
		s.logger.Warn("failed to publish change event",
			"match_id", event.MatchID,
			"error", err,
		)
	}
}

// MatchRatings returns the aggregated read model for a match. A live view
// wins; otherwise the cached snapshot; otherwise a direct query and
// recompute. Only a live view is reported as connected.
func (s *RatingService) MatchRatings(ctx context.Context, matchID string) (live.ReadModel, error) {
	if s.sessions != nil {
		if view, ok := s.sessions.View(matchID); ok {
			return live.Reconcile(view.Snapshot(), nil, view.Connected()), nil
		}
	}

	if s.snapshots != nil {
		snapshot, err := s.snapshots.GetSnapshot(ctx, matchID)
		if err == nil {
			return live.Reconcile(*snapshot, nil, false), nil
		}
		if !errors.Is(err, redis.ErrSnapshotMiss) {
			s.logger.Warn("snapshot cache read failed", "match_id", matchID, "error", err)
		}
	}

	if _, err := s.store.GetMatch(ctx, matchID); err != nil {
		return live.ReadModel{}, err
	}
	ratings, err := s.store.RatingsByMatch(ctx, matchID)
	if err != nil {
		return live.ReadModel{}, fmt.Errorf("querying match ratings: %w", err)
	}
	view, comments := aggregate.Compute(ratings)
	snapshot := domain.MatchSnapshot{
		MatchID:   matchID,
		Ratings:   view,
		Comments:  comments,
		UpdatedAt: time.Now(),
	}
	return live.Reconcile(snapshot, nil, false), nil
}

// OwnRatings returns the authenticated user's submitted values for a match,
// seeding the live view so later optimistic updates merge with them.
func (s *RatingService) OwnRatings(ctx context.Context, matchID string) (map[string]domain.OwnRating, error) {
	identity, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}

	ratings, err := s.store.RatingsByUser(ctx, identity.UserID, matchID)
	if err != nil {
		return nil, fmt.Errorf("querying own ratings: %w", err)
	}

	if s.sessions != nil {
		if view, ok := s.sessions.View(matchID); ok {
			view.SeedOwn(identity.UserID, ratings)
			return view.OwnRatings(identity.UserID), nil
		}
	}

	own := make(map[string]domain.OwnRating, len(ratings))
	for _, r := range ratings {
		own[r.PlayerID] = domain.OwnRating{Score: r.Score, Comment: r.Comment}
	}
	return own, nil
}

// Matches lists matches, newest first, optionally scoped to a season
func (s *RatingService) Matches(ctx context.Context, seasonID string) ([]domain.Match, error) {
	return s.store.ListMatches(ctx, seasonID)
}

// Match returns one match
func (s *RatingService) Match(ctx context.Context, matchID string) (*domain.Match, error) {
	return s.store.GetMatch(ctx, matchID)
}

// Lineup returns the players fielded in a match
func (s *RatingService) Lineup(ctx context.Context, matchID string) ([]domain.LineupEntry, error) {
	if _, err := s.store.GetMatch(ctx, matchID); err != nil {
		return nil, err
	}
	return s.store.MatchLineup(ctx, matchID)
}

// Players lists the active squad
func (s *RatingService) Players(ctx context.Context) ([]domain.Player, error) {
	return s.store.ListPlayers(ctx)
}
