package live

import (
	"context"
	"log/slog"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/config"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
)

// Broadcaster pushes recomputed read models to connected viewers
type Broadcaster interface {
	BroadcastRatingUpdate(matchID string, snapshot domain.MatchSnapshot, connected bool)
}

// SnapshotCache persists the latest snapshot so cold reads and restarts
// start from recent state instead of an empty view
type SnapshotCache interface {
	SetSnapshot(ctx context.Context, snapshot domain.MatchSnapshot) error
}

// Manager owns one listener per match with viewers, reference-counted by the
// websocket hub: the first subscriber starts the listener, the last one
// stops it, so no subscription outlives the views that need it.
type Manager struct {
	source      RatingSource
	feed        ChangeFeed
	broadcaster Broadcaster
	cache       SnapshotCache
	cfg         config.LiveConfig
	logger      *slog.Logger

	ops  chan func()
	stop chan struct{}
	done chan struct{}

	sessions map[string]*session
}

type session struct {
	refs     int
	listener *Listener
	view     *MatchView
}

// NewManager creates a session manager. broadcaster and cache may be nil.
func NewManager(
	source RatingSource,
	feed ChangeFeed,
	broadcaster Broadcaster,
	cache SnapshotCache,
	cfg config.LiveConfig,
	logger *slog.Logger,
) *Manager {
	m := &Manager{
		source:      source,
		feed:        feed,
		broadcaster: broadcaster,
		cache:       cache,
		cfg:         cfg,
		logger:      logger,
		ops:         make(chan func()),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		sessions:    make(map[string]*session),
	}
	go m.loop()
	return m
}

// SetBroadcaster wires the hub in after construction. The hub needs the
// manager to retain sessions and the manager needs the hub to push updates,
// so one side attaches late. Call before the first Retain.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.do(func() { m.broadcaster = b })
}

// loop serializes session bookkeeping so listener start/stop never races
func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.stop:
			for matchID, s := range m.sessions {
				s.listener.Stop()
				delete(m.sessions, matchID)
			}
			return
		}
	}
}

func (m *Manager) do(op func()) {
	doneOp := make(chan struct{})
	select {
	case m.ops <- func() { op(); close(doneOp) }:
		<-doneOp
	case <-m.stop:
	}
}

// Retain adds a reference to a match session, starting its listener on the
// first reference.
func (m *Manager) Retain(matchID string) {
	m.do(func() {
		s, ok := m.sessions[matchID]
		if !ok {
			view := NewMatchView(matchID)
			listener := NewListener(matchID, m.source, m.feed, view, m.cfg, m.logger, m.onUpdate(matchID))
			s = &session{listener: listener, view: view}
			m.sessions[matchID] = s
			listener.Start()
			m.logger.Info("match session opened", "match_id", matchID)
		}
		s.refs++
	})
}

// Release drops a reference, stopping the listener once nothing watches the
// match anymore. The subscription is released on every exit path.
func (m *Manager) Release(matchID string) {
	var victim *Listener
	m.do(func() {
		s, ok := m.sessions[matchID]
		if !ok {
			return
		}
		s.refs--
		if s.refs > 0 {
			return
		}
		delete(m.sessions, matchID)
		victim = s.listener
	})
	if victim != nil {
		victim.Stop()
		m.logger.Info("match session closed", "match_id", matchID)
	}
}

// View returns the live view for a match, if a session is open
func (m *Manager) View(matchID string) (*MatchView, bool) {
	var view *MatchView
	m.do(func() {
		if s, ok := m.sessions[matchID]; ok {
			view = s.view
		}
	})
	return view, view != nil
}

// Snapshot returns the current snapshot and connection status for a match,
// if a session is open
func (m *Manager) Snapshot(matchID string) (domain.MatchSnapshot, bool, bool) {
	view, ok := m.View(matchID)
	if !ok {
		return domain.MatchSnapshot{}, false, false
	}
	return view.Snapshot(), view.Connected(), true
}

// Stop tears down every session
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// onUpdate fans a listener's recompute out to viewers and the snapshot cache
func (m *Manager) onUpdate(matchID string) func(domain.MatchSnapshot, bool) {
	return func(snapshot domain.MatchSnapshot, connected bool) {
		if m.broadcaster != nil {
			m.broadcaster.BroadcastRatingUpdate(matchID, snapshot, connected)
		}
		if m.cache != nil && connected {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshRetryDelay*4)
			defer cancel()
			if err := m.cache.SetSnapshot(ctx, snapshot); err != nil {
				m.logger.Warn("failed to cache snapshot", "match_id", matchID, "error", err)
			}
		}
	}
}
