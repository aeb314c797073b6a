// Package redis backs the change feed boundary: a publish/subscribe channel
// per match carrying rating mutations, plus a short-lived cache of the last
// computed aggregate snapshot per match.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/config"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
)

// ErrSnapshotMiss indicates no cached snapshot exists for a match
var ErrSnapshotMiss = errors.New("no snapshot cached")

// Feed provides the rating change feed and the snapshot cache
type Feed struct {
	client      *redis.Client
	logger      *slog.Logger
	snapshotTTL time.Duration
}

// NewFeed creates a new change feed backed by Redis
func NewFeed(cfg *config.RedisConfig, logger *slog.Logger) (*Feed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Feed{
		client:      client,
		logger:      logger,
		snapshotTTL: cfg.SnapshotTTL,
	}, nil
}

// Close closes the Redis connection
func (f *Feed) Close() error {
	return f.client.Close()
}

// Client returns the underlying Redis client
func (f *Feed) Client() *redis.Client {
	return f.client
}

// channelKey returns the pub/sub channel for a match's rating changes
func (f *Feed) channelKey(matchID string) string {
	return fmt.Sprintf("ratings:%s:changes", matchID)
}

// snapshotKey returns the cache key for a match's aggregate snapshot
func (f *Feed) snapshotKey(matchID string) string {
	return fmt.Sprintf("ratings:%s:snapshot", matchID)
}

// Publish emits a change event on the match's channel. Publishing happens
// after the store write commits, so a lost notification only delays, never
// corrupts, the next recompute.
func (f *Feed) Publish(ctx context.Context, event domain.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling change event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channelKey(event.MatchID), payload).Err(); err != nil {
		return fmt.Errorf("publishing change event: %w", err)
	}
	return nil
}

// Subscription is an open change feed subscription for one match. Close
// releases the underlying channel; the events channel closes afterwards.
type Subscription struct {
	pubsub *redis.PubSub
	events chan domain.ChangeEvent
	logger *slog.Logger
}

// Subscribe opens a subscription scoped to one match. It blocks until the
// server confirms the subscription, so a nil error means events can flow.
func (f *Feed) Subscribe(ctx context.Context, matchID string) (*Subscription, error) {
	pubsub := f.client.Subscribe(ctx, f.channelKey(matchID))

	// Wait for the subscription confirmation before reporting success.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to change feed: %w", err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan domain.ChangeEvent, 16),
		logger: f.logger,
	}
	go sub.pump(pubsub.ChannelWithSubscriptions())
	return sub, nil
}

// pump converts raw pub/sub messages into change events. It exits, closing
// the events channel, once the pubsub channel is closed or the connection
// drops. The client reconnects and resubscribes on its own after a dropped
// connection, but any notification published in between is gone for good,
// so the resubscribe confirmation must not be treated as business as usual.
// The initial confirmation is consumed before the pump starts; seeing one
// here means the connection was lost, and the pump ends the stream so the
// consumer opens a fresh subscription and recomputes from the store.
func (s *Subscription) pump(msgs <-chan interface{}) {
	defer close(s.events)
	for raw := range msgs {
		switch msg := raw.(type) {
		case *redis.Message:
			var event domain.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Warn("discarding malformed change event", "error", err)
				continue
			}
			select {
			case s.events <- event:
			default:
				// The consumer re-queries the full state per event, so a
				// dropped notification is covered by the one already queued.
				s.logger.Warn("change event buffer full, dropping", "match_id", event.MatchID)
			}
		case *redis.Subscription:
			if msg.Kind != "subscribe" {
				continue
			}
			s.logger.Warn("change feed resubscribed after connection loss", "channel", msg.Channel)
			return
		}
	}
}

// Events returns the stream of change events. The channel closes when the
// subscription is closed or the connection drops.
func (s *Subscription) Events() <-chan domain.ChangeEvent {
	return s.events
}

// Close releases the subscription's channel
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// SetSnapshot caches the latest aggregate snapshot for a match
func (f *Feed) SetSnapshot(ctx context.Context, snapshot domain.MatchSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := f.client.Set(ctx, f.snapshotKey(snapshot.MatchID), payload, f.snapshotTTL).Err(); err != nil {
		return fmt.Errorf("caching snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the cached aggregate snapshot for a match, or
// ErrSnapshotMiss when none is cached.
func (f *Feed) GetSnapshot(ctx context.Context, matchID string) (*domain.MatchSnapshot, error) {
	payload, err := f.client.Get(ctx, f.snapshotKey(matchID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSnapshotMiss
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var snapshot domain.MatchSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &snapshot, nil
}

// DropSnapshot evicts a match's cached snapshot
func (f *Feed) DropSnapshot(ctx context.Context, matchID string) error {
	if err := f.client.Del(ctx, f.snapshotKey(matchID)).Err(); err != nil {
		return fmt.Errorf("dropping snapshot: %w", err)
	}
	return nil
}
