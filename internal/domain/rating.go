package domain

import (
	"math"
	"time"
	"unicode/utf8"
)

// Score bounds for a single rating. Scores move in half-point steps.
const (
	MinScore  = 1.0
	MaxScore  = 10.0
	ScoreStep = 0.5

	// MaxCommentLength bounds the optional free-text comment, in characters.
	MaxCommentLength = 100
)

// Rating is one user's score (and optional comment) for one player in one
// match. At most one live row exists per (user, match, player); resubmitting
// replaces the prior value.
type Rating struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	MatchID   string    `json:"match_id"`
	PlayerID  string    `json:"player_id"`
	Score     float64   `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	UserName  string    `json:"user_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RatingSubmission is a request to upsert a rating.
type RatingSubmission struct {
	UserID   string  `json:"user_id"`
	MatchID  string  `json:"match_id"`
	PlayerID string  `json:"player_id"`
	Score    float64 `json:"score"`
	Comment  string  `json:"comment,omitempty"`
	UserName string  `json:"user_name,omitempty"`
}

// Validate checks the submission against the score and comment bounds.
func (s *RatingSubmission) Validate() error {
	if err := ValidateScore(s.Score); err != nil {
		return err
	}
	return ValidateComment(s.Comment)
}

// ValidateScore reports whether score lies in [MinScore, MaxScore] on a
// ScoreStep boundary.
func ValidateScore(score float64) error {
	// NaN compares false against everything, so the range check alone
	// would let it through.
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return ErrInvalidScore
	}
	if score < MinScore || score > MaxScore {
		return ErrInvalidScore
	}
	steps := score / ScoreStep
	if math.Abs(steps-math.Round(steps)) > 1e-9 {
		return ErrInvalidScore
	}
	return nil
}

// ValidateComment reports whether comment fits the length bound. Empty is fine.
func ValidateComment(comment string) error {
	if utf8.RuneCountInString(comment) > MaxCommentLength {
		return ErrCommentTooLong
	}
	return nil
}

// PlayerAggregate is the computed average and count for one player in one
// match. Average is never rounded here; display rounding is the UI's concern.
type PlayerAggregate struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// AggregateView maps player id to its aggregate. Players with no ratings have
// no entry: absence, not zero, signals "no ratings yet".
type AggregateView map[string]PlayerAggregate

// CommentEntry is one row of the ranked comment projection.
type CommentEntry struct {
	RatingID  string    `json:"rating_id"`
	PlayerID  string    `json:"player_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Score     float64   `json:"score"`
	Comment   string    `json:"comment"`
	Likes     int       `json:"likes"`
	CreatedAt time.Time `json:"created_at"`
}

// CommentProjection is the ordered comment list for a match: like-count
// descending, then created_at descending. Nothing writes likes yet, so the
// effective order is newest first.
type CommentProjection []CommentEntry

// OwnRating is the authenticated user's submitted value for one player,
// held client-side so the form reflects a submission without a round trip.
type OwnRating struct {
	Score   float64 `json:"score"`
	Comment string  `json:"comment,omitempty"`
}

// MatchSnapshot is the server-confirmed read model for one match: the
// aggregate view plus the ranked comments, stamped with recompute time.
type MatchSnapshot struct {
	MatchID   string            `json:"match_id"`
	Ratings   AggregateView     `json:"ratings"`
	Comments  CommentProjection `json:"comments"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ChangeKind tags a change feed notification.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// ChangeEvent is a change feed notification for the ratings table, scoped to
// a match. Listeners treat every kind the same way: re-query and recompute.
type ChangeEvent struct {
	Kind      ChangeKind `json:"kind"`
	MatchID   string     `json:"match_id"`
	PlayerID  string     `json:"player_id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
