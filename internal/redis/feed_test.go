package redis

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
)

func startPump(t *testing.T) (*Subscription, chan interface{}) {
	t.Helper()
	sub := &Subscription{
		events: make(chan domain.ChangeEvent, 16),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	msgs := make(chan interface{})
	go sub.pump(msgs)
	return sub, msgs
}

func mustEvent(t *testing.T, sub *Subscription) domain.ChangeEvent {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return domain.ChangeEvent{}
}

func mustClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected events channel to close, got an event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close")
	}
}

func TestPumpDeliversChangeEvents(t *testing.T) {
	sub, msgs := startPump(t)

	payload, err := json.Marshal(domain.ChangeEvent{
		Kind:     domain.ChangeInsert,
		MatchID:  "m1",
		PlayerID: "p1",
		UserID:   "u1",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msgs <- &redis.Message{Channel: "ratings:m1:changes", Payload: string(payload)}

	event := mustEvent(t, sub)
	if event.MatchID != "m1" || event.PlayerID != "p1" {
		t.Errorf("event = %+v", event)
	}

	close(msgs)
	mustClosed(t, sub)
}

func TestPumpSkipsMalformedPayload(t *testing.T) {
	sub, msgs := startPump(t)

	msgs <- &redis.Message{Channel: "ratings:m1:changes", Payload: "{not json"}
	payload, _ := json.Marshal(domain.ChangeEvent{Kind: domain.ChangeUpdate, MatchID: "m1"})
	msgs <- &redis.Message{Channel: "ratings:m1:changes", Payload: string(payload)}

	if event := mustEvent(t, sub); event.Kind != domain.ChangeUpdate {
		t.Errorf("event = %+v, want the well-formed one", event)
	}

	close(msgs)
	mustClosed(t, sub)
}

// A subscribe confirmation after the pump is running means the client lost
// the connection and silently resubscribed. The stream must end so the
// consumer's reconnect path runs a full recompute; notifications published
// during the outage are unrecoverable.
func TestPumpEndsStreamOnResubscribe(t *testing.T) {
	sub, msgs := startPump(t)

	msgs <- &redis.Subscription{Kind: "subscribe", Channel: "ratings:m1:changes", Count: 1}

	mustClosed(t, sub)
}

func TestPumpIgnoresUnsubscribeNotices(t *testing.T) {
	sub, msgs := startPump(t)

	msgs <- &redis.Subscription{Kind: "unsubscribe", Channel: "ratings:m1:changes", Count: 0}
	payload, _ := json.Marshal(domain.ChangeEvent{Kind: domain.ChangeDelete, MatchID: "m1"})
	msgs <- &redis.Message{Channel: "ratings:m1:changes", Payload: string(payload)}

	if event := mustEvent(t, sub); event.Kind != domain.ChangeDelete {
		t.Errorf("event = %+v", event)
	}

	close(msgs)
	mustClosed(t, sub)
}
