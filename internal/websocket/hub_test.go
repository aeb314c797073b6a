package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
)

type fakeSessions struct {
	mu       sync.Mutex
	retained map[string]int
	snapshot domain.MatchSnapshot
	haveSnap bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{retained: make(map[string]int)}
}

func (f *fakeSessions) Retain(matchID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retained[matchID]++
}

func (f *fakeSessions) Release(matchID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retained[matchID]--
}

func (f *fakeSessions) Snapshot(matchID string) (domain.MatchSnapshot, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.haveSnap {
		return domain.MatchSnapshot{}, false, false
	}
	return f.snapshot, true, true
}

func (f *fakeSessions) refs(matchID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retained[matchID]
}

func testHub(t *testing.T, sessions MatchSessions) *Hub {
	t.Helper()
	hub := NewHub(sessions, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func testClient(id string) *Client {
	return &Client{
		id:     id,
		send:   make(chan []byte, 16),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func waitRefs(t *testing.T, sessions *fakeSessions, matchID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sessions.refs(matchID) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("refs(%s) = %d, want %d", matchID, sessions.refs(matchID), want)
}

func receiveMessage(t *testing.T, client *Client) Message {
	t.Helper()
	select {
	case data := <-client.send:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestSubscribeRetainsSession(t *testing.T) {
	sessions := newFakeSessions()
	hub := testHub(t, sessions)

	c1 := testClient("c1")
	c2 := testClient("c2")
	hub.Register(c1)
	hub.Register(c2)
	hub.Subscribe(c1, "m1")
	hub.Subscribe(c2, "m1")
	waitRefs(t, sessions, "m1", 2)

	hub.Unsubscribe(c1, "m1")
	waitRefs(t, sessions, "m1", 1)
	hub.Unsubscribe(c2, "m1")
	waitRefs(t, sessions, "m1", 0)
}

// A duplicate subscribe from the same client must not double-retain; the
// later unsubscribe would otherwise leave a dangling session.
func TestDuplicateSubscribeRetainsOnce(t *testing.T) {
	sessions := newFakeSessions()
	hub := testHub(t, sessions)

	c1 := testClient("c1")
	hub.Register(c1)
	hub.Subscribe(c1, "m1")
	hub.Subscribe(c1, "m1")
	waitRefs(t, sessions, "m1", 1)
}

func TestUnregisterReleasesSubscriptions(t *testing.T) {
	sessions := newFakeSessions()
	hub := testHub(t, sessions)

	c1 := testClient("c1")
	hub.Register(c1)
	hub.Subscribe(c1, "m1")
	hub.Subscribe(c1, "m2")
	waitRefs(t, sessions, "m1", 1)
	waitRefs(t, sessions, "m2", 1)

	hub.Unregister(c1)
	waitRefs(t, sessions, "m1", 0)
	waitRefs(t, sessions, "m2", 0)
}

func TestSubscribeSendsCurrentSnapshot(t *testing.T) {
	sessions := newFakeSessions()
	sessions.snapshot = domain.MatchSnapshot{
		MatchID: "m1",
		Ratings: domain.AggregateView{"p1": {Average: 7.5, Count: 2}},
	}
	sessions.haveSnap = true
	hub := testHub(t, sessions)

	c1 := testClient("c1")
	hub.Register(c1)
	hub.Subscribe(c1, "m1")

	msg := receiveMessage(t, c1)
	if msg.Type != MessageTypeRatingUpdate || msg.MatchID != "m1" {
		t.Fatalf("got %s for %s, want initial rating_update for m1", msg.Type, msg.MatchID)
	}
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	sessions := newFakeSessions()
	hub := testHub(t, sessions)

	subscriber := testClient("sub")
	bystander := testClient("other")
	hub.Register(subscriber)
	hub.Register(bystander)
	hub.Subscribe(subscriber, "m1")
	hub.Subscribe(bystander, "m2")
	waitRefs(t, sessions, "m1", 1)
	waitRefs(t, sessions, "m2", 1)

	hub.BroadcastRatingUpdate("m1", domain.MatchSnapshot{
		MatchID: "m1",
		Ratings: domain.AggregateView{"p1": {Average: 9.0, Count: 1}},
	}, true)

	msg := receiveMessage(t, subscriber)
	if msg.Type != MessageTypeRatingUpdate {
		t.Fatalf("type = %s", msg.Type)
	}
	payload, err := json.Marshal(msg.Data)
	if err != nil {
		t.Fatal(err)
	}
	var update RatingUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		t.Fatal(err)
	}
	if update.Ratings["p1"].Average != 9.0 || !update.IsConnected {
		t.Errorf("update = %+v", update)
	}

	select {
	case data := <-bystander.send:
		t.Fatalf("bystander received %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// A connection landing while the hub is shutting down must not hang on the
// hub's channels once the loop has exited.
func TestRegisterAfterStopReturns(t *testing.T) {
	hub := NewHub(newFakeSessions(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run()
	hub.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c := testClient("late")
		hub.Register(c)
		hub.Subscribe(c, "m1")
		hub.Unsubscribe(c, "m1")
		hub.Unregister(c)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub entry points blocked after stop")
	}
}
