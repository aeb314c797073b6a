// Package aggregate turns raw rating rows into the per-match read model:
// average and count per player, plus the ranked comment projection. It is
// pure computation with no I/O; callers re-run it in full after every store
// change rather than patching incrementally, so the displayed state always
// converges to the store content regardless of notification order.
package aggregate

import (
	"sort"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
)

// Compute groups ratings by player and derives the aggregate view and the
// comment projection. An empty input yields an empty view and an empty
// projection, never zero-average entries.
func Compute(ratings []domain.Rating) (domain.AggregateView, domain.CommentProjection) {
	view := make(domain.AggregateView)
	if len(ratings) == 0 {
		return view, domain.CommentProjection{}
	}

	sums := make(map[string]float64, len(ratings))
	counts := make(map[string]int, len(ratings))
	comments := make(domain.CommentProjection, 0, len(ratings))

	for _, r := range ratings {
		sums[r.PlayerID] += r.Score
		counts[r.PlayerID]++

		if r.Comment != "" {
			comments = append(comments, domain.CommentEntry{
				RatingID:  r.ID,
				PlayerID:  r.PlayerID,
				UserID:    r.UserID,
				UserName:  r.UserName,
				Score:     r.Score,
				Comment:   r.Comment,
				CreatedAt: r.CreatedAt,
			})
		}
	}

	for playerID, sum := range sums {
		view[playerID] = domain.PlayerAggregate{
			Average: sum / float64(counts[playerID]),
			Count:   counts[playerID],
		}
	}

	SortComments(comments)
	return view, comments
}

// SortComments orders a projection by like-count descending, then created_at
// descending. Likes are a designed extension point that nothing persists yet,
// so in practice the newest comment ranks first.
func SortComments(comments domain.CommentProjection) {
	sort.SliceStable(comments, func(i, j int) bool {
		if comments[i].Likes != comments[j].Likes {
			return comments[i].Likes > comments[j].Likes
		}
		return comments[i].CreatedAt.After(comments[j].CreatedAt)
	})
}

// ForPlayer filters a projection down to a single player, preserving order.
func ForPlayer(comments domain.CommentProjection, playerID string) domain.CommentProjection {
	out := make(domain.CommentProjection, 0, len(comments))
	for _, c := range comments {
		if c.PlayerID == playerID {
			out = append(out, c)
		}
	}
	return out
}
