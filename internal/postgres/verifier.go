package postgres

import (
	"context"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/auth"
)

// TokenVerifier resolves API tokens against the profiles table
type TokenVerifier struct {
	repo *Repository
}

// NewTokenVerifier creates a verifier backed by the repository
func NewTokenVerifier(repo *Repository) *TokenVerifier {
	return &TokenVerifier{repo: repo}
}

// Verify implements auth.Verifier
func (v *TokenVerifier) Verify(ctx context.Context, token string) (auth.Identity, error) {
	profile, err := v.repo.ProfileByToken(ctx, token)
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.Identity{UserID: profile.ID, Username: profile.Username}, nil
}
