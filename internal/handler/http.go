package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/auth"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/live"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/websocket"
)

// RatingAPI is the service surface the HTTP layer needs
type RatingAPI interface {
	SubmitRating(ctx context.Context, matchID, playerID string, score float64, comment string) (*domain.Rating, error)
	MatchRatings(ctx context.Context, matchID string) (live.ReadModel, error)
	OwnRatings(ctx context.Context, matchID string) (map[string]domain.OwnRating, error)
	Matches(ctx context.Context, seasonID string) ([]domain.Match, error)
	Match(ctx context.Context, matchID string) (*domain.Match, error)
	Lineup(ctx context.Context, matchID string) ([]domain.LineupEntry, error)
	Players(ctx context.Context) ([]domain.Player, error)
}

// Handler provides HTTP handlers for the rating API
type Handler struct {
	service  RatingAPI
	verifier auth.Verifier
	hub      *websocket.Hub
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(service RatingAPI, verifier auth.Verifier, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		verifier: verifier,
		hub:      hub,
		logger:   logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SubmitRatingRequest is the body of a rating submission
type SubmitRatingRequest struct {
	Score   float64 `json:"score"`
	Comment string  `json:"comment,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)
	r.Use(h.identityMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/matches", func(r chi.Router) {
			r.Get("/", h.ListMatches)

			r.Route("/{matchID}", func(r chi.Router) {
				r.Get("/", h.GetMatch)
				r.Get("/lineup", h.GetLineup)
				r.Get("/ratings", h.GetMatchRatings)
				r.Get("/ratings/own", h.GetOwnRatings)
				r.Put("/ratings/{playerID}", h.SubmitRating)
			})
		})

		r.Get("/players", h.ListPlayers)

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// identityMiddleware resolves an optional bearer token to an identity.
// Requests without a token pass through anonymously; operations that need
// an identity fail later with ErrAuthRequired. A token that is present but
// unknown is rejected here.
func (h *Handler) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || h.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := h.verifier.Verify(r.Context(), token)
		if err != nil {
			if domain.IsAuthError(err) {
				h.writeError(w, http.StatusUnauthorized, domain.ErrAuthRequired)
				return
			}
			h.logger.Error("failed to verify token", "error", err)
			h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps domain errors to HTTP status codes
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrNotOwner):
		h.writeError(w, http.StatusForbidden, err)
	case domain.IsAuthError(err):
		h.writeError(w, http.StatusUnauthorized, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// ListMatches returns matches, optionally scoped to a season
func (h *Handler) ListMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := h.service.Matches(r.Context(), r.URL.Query().Get("season"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSuccess(w, matches)
}

// GetMatch returns a match by ID
func (h *Handler) GetMatch(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	if matchID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	match, err := h.service.Match(r.Context(), matchID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSuccess(w, match)
}

// GetLineup returns the players fielded in a match
func (h *Handler) GetLineup(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	if matchID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	lineup, err := h.service.Lineup(r.Context(), matchID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSuccess(w, lineup)
}

// GetMatchRatings returns the aggregated read model for a match
func (h *Handler) GetMatchRatings(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	if matchID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	model, err := h.service.MatchRatings(r.Context(), matchID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSuccess(w, model)
}

// GetOwnRatings returns the authenticated user's ratings for a match
func (h *Handler) GetOwnRatings(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	if matchID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	own, err := h.service.OwnRatings(r.Context(), matchID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSuccess(w, own)
}

// SubmitRating handles a rating submission for one player in one match.
// PUT because resubmission replaces the caller's previous value.
func (h *Handler) SubmitRating(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	playerID := chi.URLParam(r, "playerID")
	if matchID == "" || playerID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	var req SubmitRatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	rating, err := h.service.SubmitRating(r.Context(), matchID, playerID, req.Score, req.Comment)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSuccess(w, rating)
}

// ListPlayers returns the active squad
func (h *Handler) ListPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := h.service.Players(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSuccess(w, players)
}
