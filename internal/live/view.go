package live

import (
	"sync"
	"time"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
)

// MatchView holds the synchronized state for one match: the last
// server-confirmed aggregate and comment projection, plus each user's own
// submissions applied optimistically. The two slices only meet in Reconcile,
// never by patching one with the other.
type MatchView struct {
	mu        sync.RWMutex
	matchID   string
	seq       uint64
	ratings   domain.AggregateView
	comments  domain.CommentProjection
	own       map[string]map[string]domain.OwnRating
	connected bool
	updatedAt time.Time
}

// NewMatchView creates an empty view for a match
func NewMatchView(matchID string) *MatchView {
	return &MatchView{
		matchID:  matchID,
		ratings:  make(domain.AggregateView),
		comments: domain.CommentProjection{},
		own:      make(map[string]map[string]domain.OwnRating),
	}
}

// MatchID returns the match this view tracks
func (v *MatchView) MatchID() string {
	return v.matchID
}

// ApplyRecompute installs a recomputed aggregate if it is at least as new as
// the one currently held. Stale recomputes are discarded whole, so the view
// never interleaves partial results; the latest recompute wins.
func (v *MatchView) ApplyRecompute(seq uint64, ratings domain.AggregateView, comments domain.CommentProjection) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if seq < v.seq {
		return false
	}
	v.seq = seq
	v.ratings = ratings
	v.comments = comments
	v.updatedAt = time.Now()
	return true
}

// SetConnected records the change feed connection status
func (v *MatchView) SetConnected(connected bool) {
	v.mu.Lock()
	v.connected = connected
	v.mu.Unlock()
}

// Connected reports whether the change feed subscription is live
func (v *MatchView) Connected() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.connected
}

// SeedOwn installs a user's previously stored ratings, fetched at page load.
// It does not overwrite values applied optimistically in the meantime.
func (v *MatchView) SeedOwn(userID string, ratings []domain.Rating) {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing := v.own[userID]
	seeded := make(map[string]domain.OwnRating, len(ratings)+len(existing))
	for _, r := range ratings {
		seeded[r.PlayerID] = domain.OwnRating{Score: r.Score, Comment: r.Comment}
	}
	for playerID, own := range existing {
		seeded[playerID] = own
	}
	v.own[userID] = seeded
}

// ApplyOwn records a user's just-confirmed submission immediately. Only the
// user's own slice changes; the displayed aggregate waits for the
// authoritative recompute so a diverging store value is never double-counted.
func (v *MatchView) ApplyOwn(userID, playerID string, own domain.OwnRating) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.own[userID] == nil {
		v.own[userID] = make(map[string]domain.OwnRating)
	}
	v.own[userID][playerID] = own
}

// OwnRatings returns a copy of one user's submitted values
func (v *MatchView) OwnRatings(userID string) map[string]domain.OwnRating {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[string]domain.OwnRating, len(v.own[userID]))
	for playerID, own := range v.own[userID] {
		out[playerID] = own
	}
	return out
}

// Snapshot returns the current server-confirmed state
func (v *MatchView) Snapshot() domain.MatchSnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ratings := make(domain.AggregateView, len(v.ratings))
	for playerID, agg := range v.ratings {
		ratings[playerID] = agg
	}
	comments := make(domain.CommentProjection, len(v.comments))
	copy(comments, v.comments)

	return domain.MatchSnapshot{
		MatchID:   v.matchID,
		Ratings:   ratings,
		Comments:  comments,
		UpdatedAt: v.updatedAt,
	}
}

// ReadModel is what the presentation layer consumes for one match and user.
type ReadModel struct {
	Ratings     domain.AggregateView        `json:"ratings"`
	Comments    domain.CommentProjection    `json:"comments"`
	Own         map[string]domain.OwnRating `json:"own,omitempty"`
	IsConnected bool                        `json:"is_connected"`
}

// Reconcile merges the server-confirmed snapshot with a user's optimistic
// submissions. The own slice never leaks into the aggregates: a just-submitted
// score shows up under Own at once but moves the average only after the
// authoritative recompute lands.
func Reconcile(server domain.MatchSnapshot, own map[string]domain.OwnRating, connected bool) ReadModel {
	ratings := make(domain.AggregateView, len(server.Ratings))
	for playerID, agg := range server.Ratings {
		ratings[playerID] = agg
	}
	comments := make(domain.CommentProjection, len(server.Comments))
	copy(comments, server.Comments)

	ownCopy := make(map[string]domain.OwnRating, len(own))
	for playerID, o := range own {
		ownCopy[playerID] = o
	}

	return ReadModel{
		Ratings:     ratings,
		Comments:    comments,
		Own:         ownCopy,
		IsConnected: connected,
	}
}

// ReadModel builds the merged view for one user
func (v *MatchView) ReadModel(userID string) ReadModel {
	return Reconcile(v.Snapshot(), v.OwnRatings(userID), v.Connected())
}
