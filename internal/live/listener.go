// Package live keeps per-match rating views synchronized with the store.
// Every change notification triggers a full re-query and recompute rather
// than an incremental patch, so the view converges to the true store content
// no matter how notifications are ordered or coalesced.
package live

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/aggregate"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/config"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
)

// RatingSource is the read side of the rating store
type RatingSource interface {
	RatingsByMatch(ctx context.Context, matchID string) ([]domain.Rating, error)
}

// FeedSubscription is an open per-match change feed subscription. The events
// channel closes when the connection drops or the subscription is closed.
type FeedSubscription interface {
	Events() <-chan domain.ChangeEvent
	Close() error
}

// ChangeFeed opens per-match subscriptions
type ChangeFeed interface {
	Subscribe(ctx context.Context, matchID string) (FeedSubscription, error)
}

// ChangeFeedFunc adapts a function to the ChangeFeed interface
type ChangeFeedFunc func(ctx context.Context, matchID string) (FeedSubscription, error)

// Subscribe implements ChangeFeed
func (f ChangeFeedFunc) Subscribe(ctx context.Context, matchID string) (FeedSubscription, error) {
	return f(ctx, matchID)
}

// State is the listener's connection state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Listener maintains one match's change feed subscription. On every
// notification, and once immediately after subscribing, it re-queries the
// store and installs the recomputed aggregate into the view. Dropped
// subscriptions reconnect with backoff and recompute on recovery, so any
// inconsistency window is bounded by the outage itself.
type Listener struct {
	matchID string
	source  RatingSource
	feed    ChangeFeed
	view    *MatchView
	cfg     config.LiveConfig
	logger  *slog.Logger

	// notify is called after each state change or applied recompute
	notify func(snapshot domain.MatchSnapshot, connected bool)

	state  atomic.Int32
	seq    atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener creates a listener for one match. notify may be nil.
func NewListener(
	matchID string,
	source RatingSource,
	feed ChangeFeed,
	view *MatchView,
	cfg config.LiveConfig,
	logger *slog.Logger,
	notify func(snapshot domain.MatchSnapshot, connected bool),
) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		matchID: matchID,
		source:  source,
		feed:    feed,
		view:    view,
		cfg:     cfg,
		logger:  logger,
		notify:  notify,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the subscription loop
func (l *Listener) Start() {
	go l.run()
}

// Stop tears the subscription down and waits for the loop to exit. The
// underlying channel is released on every exit path.
func (l *Listener) Stop() {
	l.cancel()
	<-l.done
}

// State returns the current connection state
func (l *Listener) State() State {
	return State(l.state.Load())
}

// IsConnected reports whether the subscription is live
func (l *Listener) IsConnected() bool {
	return l.State() == StateSubscribed
}

// View returns the view this listener maintains
func (l *Listener) View() *MatchView {
	return l.view
}

func (l *Listener) run() {
	defer close(l.done)
	defer l.setState(StateDisconnected)

	delay := l.cfg.ReconnectMinDelay
	for {
		if l.ctx.Err() != nil {
			return
		}

		l.setState(StateConnecting)
		sub, err := l.feed.Subscribe(l.ctx, l.matchID)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.setState(StateDisconnected)
			l.logger.Warn("change feed subscribe failed",
				"match_id", l.matchID,
				"retry_in", delay,
				"error", err,
			)
			if !l.sleep(delay) {
				return
			}
			delay = backoff(delay, l.cfg.ReconnectMaxDelay)
			continue
		}
		delay = l.cfg.ReconnectMinDelay

		l.setState(StateSubscribed)
		// One pass right away so the view reflects current state even if no
		// change ever arrives.
		l.refresh()

		l.consume(sub)
		_ = sub.Close()

		if l.ctx.Err() != nil {
			return
		}
		l.setState(StateDisconnected)
		l.logger.Warn("change feed dropped, reconnecting", "match_id", l.matchID)
	}
}

// consume processes events until the subscription drops or the listener stops
func (l *Listener) consume(sub FeedSubscription) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
			l.refresh()
		}
	}
}

// refresh re-queries the match's ratings and installs the recomputed
// aggregate. Reads are idempotent, so transient failures retry silently with
// a short delay; after the attempts run out the pass is abandoned and the
// next notification (or reconnect) tries again.
func (l *Listener) refresh() {
	seq := l.seq.Add(1)

	var ratings []domain.Rating
	var err error
	for attempt := 0; attempt <= l.cfg.RefreshRetries; attempt++ {
		ratings, err = l.source.RatingsByMatch(l.ctx, l.matchID)
		if err == nil {
			break
		}
		if l.ctx.Err() != nil {
			return
		}
		if attempt < l.cfg.RefreshRetries && !l.sleep(l.cfg.RefreshRetryDelay) {
			return
		}
	}
	if err != nil {
		l.logger.Error("aggregation re-query failed",
			"match_id", l.matchID,
			"attempts", l.cfg.RefreshRetries+1,
			"error", err,
		)
		return
	}

	view, comments := aggregate.Compute(ratings)
	if l.view.ApplyRecompute(seq, view, comments) {
		l.publish()
	}
}

func (l *Listener) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev == s {
		return
	}
	l.view.SetConnected(s == StateSubscribed)
	l.logger.Debug("listener state changed",
		"match_id", l.matchID,
		"from", prev.String(),
		"to", s.String(),
	)
	l.publish()
}

func (l *Listener) publish() {
	if l.notify != nil {
		l.notify(l.view.Snapshot(), l.IsConnected())
	}
}

// sleep waits d or until the listener stops; returns false when stopping
func (l *Listener) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func backoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
