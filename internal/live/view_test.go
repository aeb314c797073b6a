package live

import (
	"testing"
	"time"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
)

func TestApplyRecomputeLastWriteWins(t *testing.T) {
	view := NewMatchView("m1")

	newer := domain.AggregateView{"p1": {Average: 8.0, Count: 4}}
	if !view.ApplyRecompute(2, newer, domain.CommentProjection{}) {
		t.Fatal("newer recompute rejected")
	}

	// A recompute that started earlier finishes late; it must not clobber.
	stale := domain.AggregateView{"p1": {Average: 5.0, Count: 1}}
	if view.ApplyRecompute(1, stale, domain.CommentProjection{}) {
		t.Fatal("stale recompute applied")
	}

	got := view.Snapshot()
	if agg := got.Ratings["p1"]; agg.Average != 8.0 || agg.Count != 4 {
		t.Errorf("ratings = %+v, want newer recompute", agg)
	}
}

func TestOptimisticOwnDoesNotTouchAggregate(t *testing.T) {
	view := NewMatchView("m1")
	view.ApplyRecompute(1, domain.AggregateView{"p1": {Average: 7.0, Count: 2}}, nil)

	view.ApplyOwn("u1", "p1", domain.OwnRating{Score: 10.0, Comment: "legend"})

	model := view.ReadModel("u1")
	if own := model.Own["p1"]; own.Score != 10.0 || own.Comment != "legend" {
		t.Errorf("own = %+v, want optimistic value", own)
	}
	// The aggregate waits for the authoritative recompute.
	if agg := model.Ratings["p1"]; agg.Average != 7.0 || agg.Count != 2 {
		t.Errorf("ratings = %+v, optimistic write leaked into aggregate", agg)
	}
}

func TestSeedOwnKeepsOptimisticValues(t *testing.T) {
	view := NewMatchView("m1")
	view.ApplyOwn("u1", "p1", domain.OwnRating{Score: 9.0})

	// Seed arrives after the user already resubmitted: the fresher
	// optimistic value survives.
	view.SeedOwn("u1", []domain.Rating{
		{PlayerID: "p1", Score: 6.0, Comment: "stale"},
		{PlayerID: "p2", Score: 7.5},
	})

	own := view.OwnRatings("u1")
	if own["p1"].Score != 9.0 {
		t.Errorf("p1 own = %+v, seed overwrote optimistic value", own["p1"])
	}
	if own["p2"].Score != 7.5 {
		t.Errorf("p2 own = %+v, seed missing", own["p2"])
	}
}

func TestOwnIsPerUser(t *testing.T) {
	view := NewMatchView("m1")
	view.ApplyOwn("u1", "p1", domain.OwnRating{Score: 8.0})
	view.ApplyOwn("u2", "p1", domain.OwnRating{Score: 4.5})

	if got := view.OwnRatings("u1")["p1"].Score; got != 8.0 {
		t.Errorf("u1 own = %v", got)
	}
	if got := view.OwnRatings("u2")["p1"].Score; got != 4.5 {
		t.Errorf("u2 own = %v", got)
	}
	if got := view.OwnRatings("u3"); len(got) != 0 {
		t.Errorf("u3 own = %v, want empty", got)
	}
}

func TestReconcileCopies(t *testing.T) {
	server := domain.MatchSnapshot{
		MatchID:  "m1",
		Ratings:  domain.AggregateView{"p1": {Average: 6.5, Count: 2}},
		Comments: domain.CommentProjection{{RatingID: "r1", Comment: "ok"}},
	}
	own := map[string]domain.OwnRating{"p1": {Score: 6.5}}

	model := Reconcile(server, own, true)
	if !model.IsConnected {
		t.Error("connected flag dropped")
	}

	// Mutating the model must not reach the inputs.
	model.Ratings["p2"] = domain.PlayerAggregate{Average: 1, Count: 1}
	model.Own["p9"] = domain.OwnRating{Score: 1}
	if _, ok := server.Ratings["p2"]; ok {
		t.Error("reconcile aliased the server aggregate")
	}
	if _, ok := own["p9"]; ok {
		t.Error("reconcile aliased the own map")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	view := NewMatchView("m1")
	view.ApplyRecompute(1, domain.AggregateView{"p1": {Average: 7.0, Count: 1}}, nil)

	snap := view.Snapshot()
	snap.Ratings["p1"] = domain.PlayerAggregate{Average: 0, Count: 0}

	if agg := view.Snapshot().Ratings["p1"]; agg.Average != 7.0 {
		t.Error("snapshot aliased the view's state")
	}
	if snap.UpdatedAt.After(time.Now()) {
		t.Error("snapshot timestamp in the future")
	}
}
