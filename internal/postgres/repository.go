package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/config"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// NewWithPool wraps an existing pool, used by tests
func NewWithPool(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	return &Repository{pool: pool, logger: logger}
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			username VARCHAR(64) NOT NULL,
			api_token VARCHAR(128) UNIQUE,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS seasons (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name VARCHAR(32) NOT NULL,
			start_year INT NOT NULL,
			end_year INT NOT NULL,
			is_current BOOLEAN DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS matches (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			opponent_name VARCHAR(128) NOT NULL,
			match_date TIMESTAMPTZ NOT NULL,
			home_score INT,
			away_score INT,
			status VARCHAR(16) NOT NULL DEFAULT 'upcoming',
			competition VARCHAR(64),
			season_id UUID REFERENCES seasons(id) ON DELETE SET NULL,
			is_home BOOLEAN NOT NULL DEFAULT TRUE,
			formation VARCHAR(16),
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS players (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name VARCHAR(128) NOT NULL,
			number INT NOT NULL,
			position VARCHAR(8),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS match_players (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			match_id UUID NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
			player_id UUID NOT NULL REFERENCES players(id) ON DELETE CASCADE,
			is_starter BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE(match_id, player_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ratings (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
			match_id UUID NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
			player_id UUID NOT NULL REFERENCES players(id) ON DELETE CASCADE,
			score DOUBLE PRECISION NOT NULL CHECK (score >= 1.0 AND score <= 10.0 AND score * 2 = floor(score * 2)),
			comment VARCHAR(100),
			user_name VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, match_id, player_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ratings_match ON ratings(match_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ratings_user_match ON ratings(user_id, match_id)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_date ON matches(match_date DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_status ON matches(status, match_date)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// UpsertRating inserts or replaces a user's rating for a player in a match.
// Exactly one row exists afterward for the (user, match, player) triple; the
// original created_at survives an overwrite.
func (r *Repository) UpsertRating(ctx context.Context, sub domain.RatingSubmission) (*domain.Rating, error) {
	query := `
		INSERT INTO ratings (id, user_id, match_id, player_id, score, comment, user_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $8)
		ON CONFLICT (user_id, match_id, player_id)
		DO UPDATE SET score = $5, comment = NULLIF($6, ''), user_name = NULLIF($7, ''), updated_at = $8
		RETURNING id, user_id, match_id, player_id, score, COALESCE(comment, ''), COALESCE(user_name, ''), created_at, updated_at
	`
	now := time.Now()
	var rating domain.Rating
	err := r.pool.QueryRow(ctx, query,
		uuid.NewString(),
		sub.UserID,
		sub.MatchID,
		sub.PlayerID,
		sub.Score,
		sub.Comment,
		sub.UserName,
		now,
	).Scan(
		&rating.ID,
		&rating.UserID,
		&rating.MatchID,
		&rating.PlayerID,
		&rating.Score,
		&rating.Comment,
		&rating.UserName,
		&rating.CreatedAt,
		&rating.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting rating: %w", err)
	}
	return &rating, nil
}

// RatingsByMatch retrieves all live ratings for a match. No ordering is
// promised; the aggregator does its own.
func (r *Repository) RatingsByMatch(ctx context.Context, matchID string) ([]domain.Rating, error) {
	query := `
		SELECT id, user_id, match_id, player_id, score, COALESCE(comment, ''), COALESCE(user_name, ''), created_at, updated_at
		FROM ratings
		WHERE match_id = $1
	`
	rows, err := r.pool.Query(ctx, query, matchID)
	if err != nil {
		return nil, fmt.Errorf("querying ratings by match: %w", err)
	}
	defer rows.Close()

	return scanRatings(rows)
}

// RatingsByUser retrieves the ratings one user has submitted for a match,
// used to seed the user's prior inputs on page load.
func (r *Repository) RatingsByUser(ctx context.Context, userID, matchID string) ([]domain.Rating, error) {
	query := `
		SELECT id, user_id, match_id, player_id, score, COALESCE(comment, ''), COALESCE(user_name, ''), created_at, updated_at
		FROM ratings
		WHERE user_id = $1 AND match_id = $2
	`
	rows, err := r.pool.Query(ctx, query, userID, matchID)
	if err != nil {
		return nil, fmt.Errorf("querying ratings by user: %w", err)
	}
	defer rows.Close()

	return scanRatings(rows)
}

// DeleteRating removes a user's rating. Not exposed over HTTP; exists so
// external cascades and moderation tooling flow through the same recompute
// path as inserts and updates.
func (r *Repository) DeleteRating(ctx context.Context, userID, matchID, playerID string) error {
	query := `DELETE FROM ratings WHERE user_id = $1 AND match_id = $2 AND player_id = $3`
	result, err := r.pool.Exec(ctx, query, userID, matchID, playerID)
	if err != nil {
		return fmt.Errorf("deleting rating: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrRatingNotFound
	}
	return nil
}

func scanRatings(rows pgx.Rows) ([]domain.Rating, error) {
	var ratings []domain.Rating
	for rows.Next() {
		var rating domain.Rating
		err := rows.Scan(
			&rating.ID,
			&rating.UserID,
			&rating.MatchID,
			&rating.PlayerID,
			&rating.Score,
			&rating.Comment,
			&rating.UserName,
			&rating.CreatedAt,
			&rating.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning rating: %w", err)
		}
		ratings = append(ratings, rating)
	}
	return ratings, rows.Err()
}

// ListMatches retrieves matches newest first, optionally filtered by season
func (r *Repository) ListMatches(ctx context.Context, seasonID string) ([]domain.Match, error) {
	query := `
		SELECT id, opponent_name, match_date, home_score, away_score, status,
		       COALESCE(competition, ''), COALESCE(season_id::text, ''), is_home, COALESCE(formation, ''),
		       created_at, updated_at
		FROM matches
		WHERE $1 = '' OR season_id::text = $1
		ORDER BY match_date DESC
	`
	rows, err := r.pool.Query(ctx, query, seasonID)
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	defer rows.Close()

	var matches []domain.Match
	for rows.Next() {
		match, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, match)
	}
	return matches, rows.Err()
}

// GetMatch retrieves a match by ID
func (r *Repository) GetMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	query := `
		SELECT id, opponent_name, match_date, home_score, away_score, status,
		       COALESCE(competition, ''), COALESCE(season_id::text, ''), is_home, COALESCE(formation, ''),
		       created_at, updated_at
		FROM matches
		WHERE id = $1
	`
	rows, err := r.pool.Query(ctx, query, matchID)
	if err != nil {
		return nil, fmt.Errorf("getting match: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("getting match: %w", err)
		}
		return nil, domain.ErrMatchNotFound
	}
	match, err := scanMatch(rows)
	if err != nil {
		return nil, err
	}
	return &match, nil
}

func scanMatch(rows pgx.Rows) (domain.Match, error) {
	var match domain.Match
	var status string
	err := rows.Scan(
		&match.ID,
		&match.OpponentName,
		&match.MatchDate,
		&match.HomeScore,
		&match.AwayScore,
		&status,
		&match.Competition,
		&match.SeasonID,
		&match.IsHome,
		&match.Formation,
		&match.CreatedAt,
		&match.UpdatedAt,
	)
	if err != nil {
		return domain.Match{}, fmt.Errorf("scanning match: %w", err)
	}
	match.Status = domain.MatchStatus(status)
	return match, nil
}

// MatchLineup retrieves the players fielded in a match with their starter flag
func (r *Repository) MatchLineup(ctx context.Context, matchID string) ([]domain.LineupEntry, error) {
	query := `
		SELECT p.id, p.name, p.number, COALESCE(p.position, ''), p.is_active, p.created_at, mp.is_starter
		FROM match_players mp
		JOIN players p ON p.id = mp.player_id
		WHERE mp.match_id = $1
		ORDER BY mp.is_starter DESC, p.number ASC
	`
	rows, err := r.pool.Query(ctx, query, matchID)
	if err != nil {
		return nil, fmt.Errorf("getting match lineup: %w", err)
	}
	defer rows.Close()

	var lineup []domain.LineupEntry
	for rows.Next() {
		var entry domain.LineupEntry
		err := rows.Scan(
			&entry.ID,
			&entry.Name,
			&entry.Number,
			&entry.Position,
			&entry.IsActive,
			&entry.CreatedAt,
			&entry.IsStarter,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning lineup entry: %w", err)
		}
		lineup = append(lineup, entry)
	}
	return lineup, rows.Err()
}

// ListPlayers retrieves all active players ordered by position and number
func (r *Repository) ListPlayers(ctx context.Context) ([]domain.Player, error) {
	query := `
		SELECT id, name, number, COALESCE(position, ''), is_active, created_at
		FROM players
		WHERE is_active
		ORDER BY position ASC, number ASC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}
	defer rows.Close()

	var players []domain.Player
	for rows.Next() {
		var player domain.Player
		err := rows.Scan(
			&player.ID,
			&player.Name,
			&player.Number,
			&player.Position,
			&player.IsActive,
			&player.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning player: %w", err)
		}
		players = append(players, player)
	}
	return players, rows.Err()
}

// MarkKickedOff flips upcoming matches whose kickoff time has passed to live.
// Returns how many matches transitioned.
func (r *Repository) MarkKickedOff(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE matches
		SET status = 'live', updated_at = $1
		WHERE status = 'upcoming' AND match_date <= $1
	`
	result, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("marking kicked off matches: %w", err)
	}
	return result.RowsAffected(), nil
}

// RecentMatchIDs returns the most recent live or finished matches, used to
// warm the aggregate snapshot cache on startup.
func (r *Repository) RecentMatchIDs(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT id FROM matches
		WHERE status IN ('live', 'finished')
		ORDER BY match_date DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent matches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning match id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ProfileByToken resolves an API token to a profile. Unknown tokens map to
// ErrAuthRequired so callers can prompt sign-in.
func (r *Repository) ProfileByToken(ctx context.Context, token string) (*domain.Profile, error) {
	query := `SELECT id, username, created_at FROM profiles WHERE api_token = $1`
	var profile domain.Profile
	err := r.pool.QueryRow(ctx, query, token).Scan(
		&profile.ID,
		&profile.Username,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAuthRequired
		}
		return nil, fmt.Errorf("resolving token: %w", err)
	}
	return &profile, nil
}

// EnsureProfile creates a profile for an externally assigned user id if none
// exists yet. The bulk pipeline mints its own user ids, so a first-seen user
// needs a profile row before a rating can reference it. An existing profile
// is left untouched.
func (r *Repository) EnsureProfile(ctx context.Context, userID, username string) error {
	query := `
		INSERT INTO profiles (id, username)
		VALUES ($1, COALESCE(NULLIF($2, ''), 'supporter'))
		ON CONFLICT (id) DO NOTHING`
	if _, err := r.pool.Exec(ctx, query, userID, username); err != nil {
		return fmt.Errorf("ensuring profile: %w", err)
	}
	return nil
}
