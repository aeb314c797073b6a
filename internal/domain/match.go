package domain

import "time"

// MatchStatus represents the lifecycle state of a match
type MatchStatus string

const (
	MatchStatusUpcoming MatchStatus = "upcoming"
	MatchStatusLive     MatchStatus = "live"
	MatchStatusFinished MatchStatus = "finished"
)

// Match represents a fixture, populated by external import jobs.
type Match struct {
	ID           string      `json:"id"`
	OpponentName string      `json:"opponent_name"`
	MatchDate    time.Time   `json:"match_date"`
	HomeScore    *int        `json:"home_score,omitempty"`
	AwayScore    *int        `json:"away_score,omitempty"`
	Status       MatchStatus `json:"status"`
	Competition  string      `json:"competition,omitempty"`
	SeasonID     string      `json:"season_id,omitempty"`
	IsHome       bool        `json:"is_home"`
	Formation    string      `json:"formation,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Player represents a squad member.
type Player struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Number    int       `json:"number"`
	Position  string    `json:"position,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// LineupEntry is one player's appearance in a match.
type LineupEntry struct {
	Player
	IsStarter bool `json:"is_starter"`
}

// Profile is a community member, managed by the external auth platform.
type Profile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}
