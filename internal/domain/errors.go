package domain

import "errors"

// Domain errors
var (
	ErrInvalidScore   = errors.New("score must be between 1.0 and 10.0 in steps of 0.5")
	ErrCommentTooLong = errors.New("comment exceeds 100 characters")
	ErrAuthRequired   = errors.New("authentication required")
	ErrNotOwner       = errors.New("rating does not belong to the authenticated user")
	ErrMatchNotFound  = errors.New("match not found")
	ErrPlayerNotFound = errors.New("player not found")
	ErrRatingNotFound = errors.New("rating not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalError  = errors.New("internal server error")
)

// IsValidationError checks if an error is a client-input validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidScore) || errors.Is(err, ErrCommentTooLong) || errors.Is(err, ErrInvalidRequest)
}

// IsAuthError checks if an error is an authentication or ownership error
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthRequired) || errors.Is(err, ErrNotOwner)
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrMatchNotFound) || errors.Is(err, ErrPlayerNotFound) || errors.Is(err, ErrRatingNotFound)
}
