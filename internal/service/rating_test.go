package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/auth"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/live"
)

// memStore is an in-memory Store with the same upsert semantics as the
// postgres repository: one live row per (user, match, player).
type memStore struct {
	mu       sync.Mutex
	ratings  map[string]domain.Rating
	matches  map[string]domain.Match
	profiles map[string]string
	nextID   int
	fail     error
}

func newMemStore() *memStore {
	return &memStore{
		ratings:  make(map[string]domain.Rating),
		profiles: make(map[string]string),
		matches: map[string]domain.Match{
			"m1": {ID: "m1", OpponentName: "Inter", Status: domain.MatchStatusLive},
		},
	}
}

func ratingKey(userID, matchID, playerID string) string {
	return userID + "|" + matchID + "|" + playerID
}

func (s *memStore) UpsertRating(ctx context.Context, sub domain.RatingSubmission) (*domain.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}

	key := ratingKey(sub.UserID, sub.MatchID, sub.PlayerID)
	now := time.Now()
	rating, ok := s.ratings[key]
	if !ok {
		s.nextID++
		rating = domain.Rating{
			ID:        strings.Repeat("0", s.nextID), // stable, unique
			UserID:    sub.UserID,
			MatchID:   sub.MatchID,
			PlayerID:  sub.PlayerID,
			CreatedAt: now,
		}
	}
	rating.Score = sub.Score
	rating.Comment = sub.Comment
	rating.UserName = sub.UserName
	rating.UpdatedAt = now
	s.ratings[key] = rating
	return &rating, nil
}

func (s *memStore) RatingsByMatch(ctx context.Context, matchID string) ([]domain.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Rating
	for _, r := range s.ratings {
		if r.MatchID == matchID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) RatingsByUser(ctx context.Context, userID, matchID string) ([]domain.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Rating
	for _, r := range s.ratings {
		if r.UserID == userID && r.MatchID == matchID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) GetMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.matches[matchID]; ok {
		return &m, nil
	}
	return nil, domain.ErrMatchNotFound
}

func (s *memStore) ListMatches(ctx context.Context, seasonID string) ([]domain.Match, error) {
	return nil, nil
}

func (s *memStore) MatchLineup(ctx context.Context, matchID string) ([]domain.LineupEntry, error) {
	return nil, nil
}

func (s *memStore) ListPlayers(ctx context.Context) ([]domain.Player, error) {
	return nil, nil
}

func (s *memStore) EnsureProfile(ctx context.Context, userID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if _, ok := s.profiles[userID]; !ok {
		s.profiles[userID] = username
	}
	return nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (p *memPublisher) Publish(ctx context.Context, event domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type memSessions struct {
	views map[string]*live.MatchView
}

func (s *memSessions) View(matchID string) (*live.MatchView, bool) {
	v, ok := s.views[matchID]
	return v, ok
}

func testService(store *memStore, pub *memPublisher, sessions Sessions) *RatingService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRatingService(store, pub, nil, sessions, logger)
}

func authed(userID, name string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{UserID: userID, Username: name})
}

func TestSubmitRequiresAuth(t *testing.T) {
	store := newMemStore()
	svc := testService(store, &memPublisher{}, nil)

	_, err := svc.SubmitRating(context.Background(), "m1", "p1", 7.0, "")
	if !errors.Is(err, domain.ErrAuthRequired) {
		t.Fatalf("got %v, want ErrAuthRequired", err)
	}
	if len(store.ratings) != 0 {
		t.Error("unauthenticated submit reached the store")
	}
}

func TestSubmitValidation(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	svc := testService(store, pub, nil)
	ctx := authed("u1", "milanista")

	if _, err := svc.SubmitRating(ctx, "m1", "p1", 10.5, ""); !errors.Is(err, domain.ErrInvalidScore) {
		t.Errorf("score 10.5: got %v, want ErrInvalidScore", err)
	}
	if _, err := svc.SubmitRating(ctx, "m1", "p1", 8.0, strings.Repeat("x", 101)); !errors.Is(err, domain.ErrCommentTooLong) {
		t.Errorf("long comment: got %v, want ErrCommentTooLong", err)
	}

	if len(store.ratings) != 0 || pub.count() != 0 {
		t.Error("rejected submission mutated state")
	}
}

func TestSubmitUnknownMatch(t *testing.T) {
	svc := testService(newMemStore(), &memPublisher{}, nil)
	_, err := svc.SubmitRating(authed("u1", ""), "m404", "p1", 7.0, "")
	if !errors.Is(err, domain.ErrMatchNotFound) {
		t.Fatalf("got %v, want ErrMatchNotFound", err)
	}
}

// Resubmitting the same (user, match, player) replaces the stored value:
// exactly one record, carrying the second score and comment.
func TestSubmitUpsertIdempotence(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	svc := testService(store, pub, nil)
	ctx := authed("u1", "milanista")

	if _, err := svc.SubmitRating(ctx, "m1", "p1", 8.0, "great"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := svc.SubmitRating(ctx, "m1", "p1", 9.0, "amazing"); err != nil {
		t.Fatalf("second submit: %v", err)
	}

	if len(store.ratings) != 1 {
		t.Fatalf("got %d records, want exactly one", len(store.ratings))
	}
	got := store.ratings[ratingKey("u1", "m1", "p1")]
	if got.Score != 9.0 || got.Comment != "amazing" {
		t.Errorf("stored = %+v, want second submission", got)
	}
	if pub.count() != 2 {
		t.Errorf("published %d events, want 2", pub.count())
	}
}

func TestSubmitFailedWriteNotRetried(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("connection reset")
	pub := &memPublisher{}
	sessions := &memSessions{views: map[string]*live.MatchView{"m1": live.NewMatchView("m1")}}
	svc := testService(store, pub, sessions)

	_, err := svc.SubmitRating(authed("u1", ""), "m1", "p1", 7.0, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if pub.count() != 0 {
		t.Error("failed write published a change event")
	}
	if own := sessions.views["m1"].OwnRatings("u1"); len(own) != 0 {
		t.Error("failed write left optimistic state behind")
	}
}

func TestSubmitAppliesOptimisticOwnState(t *testing.T) {
	store := newMemStore()
	view := live.NewMatchView("m1")
	sessions := &memSessions{views: map[string]*live.MatchView{"m1": view}}
	svc := testService(store, &memPublisher{}, sessions)

	if _, err := svc.SubmitRating(authed("u1", "milanista"), "m1", "p1", 8.5, "solid"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	own := view.OwnRatings("u1")
	if own["p1"].Score != 8.5 || own["p1"].Comment != "solid" {
		t.Errorf("own = %+v, want optimistic value", own["p1"])
	}
	// The aggregate stays untouched until the recompute arrives.
	if len(view.Snapshot().Ratings) != 0 {
		t.Error("submit faked the aggregate locally")
	}
}

func TestMatchRatingsFallsBackToDirectQuery(t *testing.T) {
	store := newMemStore()
	svc := testService(store, &memPublisher{}, nil)
	ctx := authed("u1", "a")

	if _, err := svc.SubmitRating(ctx, "m1", "p1", 8.0, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitRating(authed("u2", "b"), "m1", "p1", 6.0, ""); err != nil {
		t.Fatal(err)
	}

	model, err := svc.MatchRatings(context.Background(), "m1")
	if err != nil {
		t.Fatalf("MatchRatings: %v", err)
	}
	if agg := model.Ratings["p1"]; agg.Average != 7.0 || agg.Count != 2 {
		t.Errorf("p1 = %+v", agg)
	}
	if model.IsConnected {
		t.Error("direct query must not claim a live connection")
	}
}

func TestMatchRatingsPrefersLiveView(t *testing.T) {
	store := newMemStore()
	view := live.NewMatchView("m1")
	view.ApplyRecompute(1, domain.AggregateView{"p1": {Average: 7.5, Count: 2}}, nil)
	view.SetConnected(true)
	sessions := &memSessions{views: map[string]*live.MatchView{"m1": view}}
	svc := testService(store, &memPublisher{}, sessions)

	model, err := svc.MatchRatings(context.Background(), "m1")
	if err != nil {
		t.Fatalf("MatchRatings: %v", err)
	}
	if agg := model.Ratings["p1"]; agg.Average != 7.5 {
		t.Errorf("p1 = %+v, want live view", agg)
	}
	if !model.IsConnected {
		t.Error("live view should report connected")
	}
}

func TestOwnRatingsSeedsLiveView(t *testing.T) {
	store := newMemStore()
	view := live.NewMatchView("m1")
	sessions := &memSessions{views: map[string]*live.MatchView{"m1": view}}
	svc := testService(store, &memPublisher{}, sessions)
	ctx := authed("u1", "milanista")

	if _, err := svc.SubmitRating(ctx, "m1", "p2", 6.5, "tidy"); err != nil {
		t.Fatal(err)
	}

	own, err := svc.OwnRatings(ctx, "m1")
	if err != nil {
		t.Fatalf("OwnRatings: %v", err)
	}
	if own["p2"].Score != 6.5 {
		t.Errorf("own = %+v", own)
	}
	if seeded := view.OwnRatings("u1"); seeded["p2"].Score != 6.5 {
		t.Error("live view not seeded")
	}

	if _, err := svc.OwnRatings(context.Background(), "m1"); !errors.Is(err, domain.ErrAuthRequired) {
		t.Errorf("anonymous OwnRatings: got %v, want ErrAuthRequired", err)
	}
}

func TestSubmitImportedValidates(t *testing.T) {
	store := newMemStore()
	svc := testService(store, &memPublisher{}, nil)

	err := svc.SubmitImported(context.Background(), domain.RatingSubmission{
		UserID: "u1", MatchID: "m1", PlayerID: "p1", Score: 11,
	})
	if !errors.Is(err, domain.ErrInvalidScore) {
		t.Errorf("got %v, want ErrInvalidScore", err)
	}

	err = svc.SubmitImported(context.Background(), domain.RatingSubmission{
		MatchID: "m1", PlayerID: "p1", Score: 7,
	})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("missing user: got %v, want ErrInvalidRequest", err)
	}

	err = svc.SubmitImported(context.Background(), domain.RatingSubmission{
		UserID: "u1", MatchID: "m1", PlayerID: "p1", Score: 7.5, Comment: "import",
	})
	if err != nil {
		t.Errorf("valid import failed: %v", err)
	}
	if len(store.ratings) != 1 {
		t.Errorf("got %d records", len(store.ratings))
	}
}

// Imported user ids come from outside the service, so a first-seen user must
// get a profile before the rating lands. Rejected imports create nothing.
func TestSubmitImportedCreatesProfile(t *testing.T) {
	store := newMemStore()
	svc := testService(store, &memPublisher{}, nil)

	err := svc.SubmitImported(context.Background(), domain.RatingSubmission{
		UserID: "u9", MatchID: "m1", PlayerID: "p1", Score: 12,
	})
	if !errors.Is(err, domain.ErrInvalidScore) {
		t.Fatalf("got %v, want ErrInvalidScore", err)
	}
	if len(store.profiles) != 0 {
		t.Error("rejected import should not create a profile")
	}

	err = svc.SubmitImported(context.Background(), domain.RatingSubmission{
		UserID: "u9", MatchID: "m1", PlayerID: "p1", Score: 8.0, UserName: "curva-sud",
	})
	if err != nil {
		t.Fatalf("SubmitImported: %v", err)
	}
	if name, ok := store.profiles["u9"]; !ok || name != "curva-sud" {
		t.Errorf("profiles = %v, want u9 registered as curva-sud", store.profiles)
	}
	if len(store.ratings) != 1 {
		t.Errorf("got %d records", len(store.ratings))
	}
}
