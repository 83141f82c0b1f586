package roster

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"mychat/internal/bus"
	"mychat/internal/model"
	"mychat/internal/session"
)

const self int64 = 1

type fakeAPI struct {
	mu         sync.Mutex
	friends    []model.User
	friendsErr error
	histories  map[int64][]model.Message
	msgErr     map[int64]error

	friendCalls int
	msgCalls    int
}

func (f *fakeAPI) Friends(ctx context.Context, userID int64) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.friendCalls++
	if f.friendsErr != nil {
		return nil, f.friendsErr
	}
	out := make([]model.User, len(f.friends))
	copy(out, f.friends)
	return out, nil
}

func (f *fakeAPI) Messages(ctx context.Context, a, b int64) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgCalls++
	if err := f.msgErr[b]; err != nil {
		return nil, err
	}
	out := make([]model.Message, len(f.histories[b]))
	copy(out, f.histories[b])
	return out, nil
}

func (f *fakeAPI) friendCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.friendCalls
}

type fakeRequests struct {
	incoming []int64
}

func (f *fakeRequests) IncomingSenderIDs() []int64 { return f.incoming }

func newTestSync(t *testing.T, api *fakeAPI, reqs RequestState) (*Synchronizer, *bus.Bus, clockwork.FakeClock) {
	t.Helper()
	b := bus.New()
	sess := session.New(context.Background(), model.User{ID: self, Username: "alice"})
	t.Cleanup(sess.Close)
	fc := clockwork.NewFakeClock()
	s := New(api, reqs, b, sess, 2*time.Second, nil, WithClock(fc))
	t.Cleanup(s.Stop)
	return s, b, fc
}

// waitUntil polls cond for up to two seconds of real time.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRefreshBuildsSnapshot(t *testing.T) {
	api := &fakeAPI{
		friends: []model.User{{ID: 2, Username: "bob"}, {ID: 3, Username: "carol"}},
		histories: map[int64][]model.Message{
			2: {
				{ID: 1, SenderID: 2, ReceiverID: self, Content: "hi", Timestamp: 1000},
				{ID: 2, SenderID: self, ReceiverID: 2, Content: "hey", Timestamp: 2000, IsRead: true},
				{ID: 3, SenderID: 2, ReceiverID: self, Content: "latest", Timestamp: 3000},
			},
		},
	}
	s, _, _ := newTestSync(t, api, nil)

	s.Refresh(context.Background())

	snap := s.Snapshot()
	if len(snap.Friends) != 2 {
		t.Fatalf("friends = %d, want 2", len(snap.Friends))
	}
	if got := snap.LastMessage[2].Content; got != "latest" {
		t.Errorf("last message for 2 = %q, want 'latest'", got)
	}
	// Only unread messages FROM the friend count toward the badge.
	if got := s.UnreadCount(2); got != 2 {
		t.Errorf("unread for 2 = %d, want 2", got)
	}
	if got := s.UnreadCount(3); got != 0 {
		t.Errorf("unread for 3 = %d, want 0 (no history)", got)
	}
	if _, ok := snap.LastMessage[3]; ok {
		t.Error("friend 3 has a preview despite empty history")
	}
}

func TestPreviewText(t *testing.T) {
	long := strings.Repeat("x", 40)
	api := &fakeAPI{
		friends: []model.User{{ID: 2}, {ID: 3}, {ID: 4}},
		histories: map[int64][]model.Message{
			2: {{SenderID: self, ReceiverID: 2, Content: "on my way", Timestamp: 1000}},
			3: {{SenderID: 3, ReceiverID: self, Content: long, Timestamp: 1000}},
		},
	}
	s, _, _ := newTestSync(t, api, nil)
	s.Refresh(context.Background())

	if got := s.PreviewText(2); got != "You: on my way" {
		t.Errorf("self-sent preview = %q, want 'You: on my way'", got)
	}
	want := strings.Repeat("x", 30) + "..."
	if got := s.PreviewText(3); got != want {
		t.Errorf("long preview = %q, want %q", got, want)
	}
	if got := s.PreviewText(4); got != NoMessages {
		t.Errorf("empty preview = %q, want %q", got, NoMessages)
	}
}

func TestPreviewTruncatesByRunes(t *testing.T) {
	content := strings.Repeat("é", 31)
	api := &fakeAPI{
		friends: []model.User{{ID: 2}},
		histories: map[int64][]model.Message{
			2: {{SenderID: 2, ReceiverID: self, Content: content, Timestamp: 1000}},
		},
	}
	s, _, _ := newTestSync(t, api, nil)
	s.Refresh(context.Background())

	want := strings.Repeat("é", 30) + "..."
	if got := s.PreviewText(2); got != want {
		t.Errorf("preview = %q, want %q (rune boundary)", got, want)
	}
}

func TestRelativeTimeBuckets(t *testing.T) {
	now := time.Date(2026, 8, 29, 15, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		age  time.Duration
		want string
	}{
		{"under a minute", 30 * time.Second, "now"},
		{"minutes", 5 * time.Minute, "5m"},
		{"hours", 2 * time.Hour, "2h"},
		{"days", 3 * 24 * time.Hour, "3d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{
				friends: []model.User{{ID: 2}},
				histories: map[int64][]model.Message{
					2: {{SenderID: 2, ReceiverID: self, Content: "m", Timestamp: now.Add(-tc.age).UnixMilli()}},
				},
			}
			b := bus.New()
			sess := session.New(context.Background(), model.User{ID: self})
			defer sess.Close()
			s := New(api, nil, b, sess, 2*time.Second, nil, WithClock(clockwork.NewFakeClockAt(now)))
			s.Refresh(context.Background())

			if got := s.RelativeTime(2); got != tc.want {
				t.Errorf("RelativeTime(%v ago) = %q, want %q", tc.age, got, tc.want)
			}
		})
	}
}

func TestRelativeTimeOldAndMissing(t *testing.T) {
	now := time.Date(2026, 8, 29, 15, 0, 0, 0, time.UTC)
	oldTS := now.Add(-10 * 24 * time.Hour).UnixMilli()
	api := &fakeAPI{
		friends: []model.User{{ID: 2}, {ID: 3}, {ID: 4}},
		histories: map[int64][]model.Message{
			2: {{SenderID: 2, ReceiverID: self, Content: "old", Timestamp: oldTS}},
			// Unparseable wire timestamp lands as zero.
			3: {{SenderID: 3, ReceiverID: self, Content: "broken", Timestamp: 0}},
		},
	}
	b := bus.New()
	sess := session.New(context.Background(), model.User{ID: self})
	defer sess.Close()
	s := New(api, nil, b, sess, 2*time.Second, nil, WithClock(clockwork.NewFakeClockAt(now)))
	s.Refresh(context.Background())

	want := time.UnixMilli(oldTS).Format("3:04 PM")
	if got := s.RelativeTime(2); got != want {
		t.Errorf("week-old message = %q, want absolute time %q", got, want)
	}
	if got := s.RelativeTime(3); got != "" {
		t.Errorf("zero timestamp = %q, want empty", got)
	}
	if got := s.RelativeTime(4); got != "" {
		t.Errorf("no history = %q, want empty", got)
	}
}

func TestAvailableToRequest(t *testing.T) {
	api := &fakeAPI{friends: []model.User{{ID: 2, Username: "bob"}}}
	reqs := &fakeRequests{incoming: []int64{3}}
	s, _, _ := newTestSync(t, api, reqs)
	s.Refresh(context.Background())

	all := []model.User{{ID: 2}, {ID: 3}, {ID: 4}}
	available := s.AvailableToRequest(all)
	if len(available) != 1 || available[0].ID != 4 {
		t.Errorf("available = %+v, want only user 4", available)
	}
}

func TestAvailableToRequestRosterWins(t *testing.T) {
	// User 2 is already a friend but still shows up in the incoming set,
	// as happens briefly after an accept. Membership wins.
	api := &fakeAPI{friends: []model.User{{ID: 2}}}
	reqs := &fakeRequests{incoming: []int64{2}}
	s, _, _ := newTestSync(t, api, reqs)
	s.Refresh(context.Background())

	available := s.AvailableToRequest([]model.User{{ID: 2}, {ID: 5}})
	if len(available) != 1 || available[0].ID != 5 {
		t.Errorf("available = %+v, want only user 5", available)
	}
}

func TestRosterChangedTriggersImmediateRefresh(t *testing.T) {
	api := &fakeAPI{friends: []model.User{{ID: 2}}}
	s, b, _ := newTestSync(t, api, nil)

	s.Start()
	waitUntil(t, func() bool { return api.friendCallCount() >= 1 }, "initial refresh missing")
	before := api.friendCallCount()

	b.Publish(bus.Event{Kind: "roster.changed", Timestamp: time.Now()})
	waitUntil(t, func() bool { return api.friendCallCount() > before }, "roster.changed did not trigger a refresh")
}

func TestRefreshFailureRetainsSnapshot(t *testing.T) {
	api := &fakeAPI{
		friends: []model.User{{ID: 2, Username: "bob"}},
		histories: map[int64][]model.Message{
			2: {{ID: 1, SenderID: 2, ReceiverID: self, Content: "keep", Timestamp: 1000}},
		},
	}
	s, _, _ := newTestSync(t, api, nil)
	s.Refresh(context.Background())

	api.mu.Lock()
	api.friendsErr = errors.New("network down")
	api.mu.Unlock()
	s.Refresh(context.Background())

	snap := s.Snapshot()
	if len(snap.Friends) != 1 {
		t.Errorf("friends = %d after failed refresh, want 1 (stale-but-consistent)", len(snap.Friends))
	}
	if got := s.PreviewText(2); got != "keep" {
		t.Errorf("preview = %q after failed refresh, want 'keep'", got)
	}
}

func TestPerFriendFetchFailureSkipsPreview(t *testing.T) {
	api := &fakeAPI{
		friends: []model.User{{ID: 2}, {ID: 3}},
		histories: map[int64][]model.Message{
			2: {{ID: 1, SenderID: 2, ReceiverID: self, Content: "fine", Timestamp: 1000}},
		},
		msgErr: map[int64]error{3: errors.New("timeout")},
	}
	s, _, _ := newTestSync(t, api, nil)
	s.Refresh(context.Background())

	snap := s.Snapshot()
	if len(snap.Friends) != 2 {
		t.Fatalf("friends = %d, want 2 (one failed fetch must not drop the friend)", len(snap.Friends))
	}
	if got := s.PreviewText(2); got != "fine" {
		t.Errorf("healthy friend preview = %q, want 'fine'", got)
	}
	if got := s.PreviewText(3); got != NoMessages {
		t.Errorf("failed friend preview = %q, want %q", got, NoMessages)
	}
}

func TestPublishesRosterUpdated(t *testing.T) {
	api := &fakeAPI{friends: []model.User{{ID: 2}}}
	s, b, _ := newTestSync(t, api, nil)
	ch, unsub := b.Subscribe("roster.updated", 4)
	defer unsub()

	s.Refresh(context.Background())

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no roster.updated event after refresh")
	}
}

func TestStopHaltsLoop(t *testing.T) {
	api := &fakeAPI{}
	s, _, fc := newTestSync(t, api, nil)

	s.Start()
	waitUntil(t, func() bool { return api.friendCallCount() >= 1 }, "initial refresh missing")
	fc.BlockUntil(1)

	s.Stop()
	before := api.friendCallCount()
	fc.Advance(10 * time.Second)
	time.Sleep(50 * time.Millisecond)

	if got := api.friendCallCount(); got != before {
		t.Errorf("refreshes after Stop: %d -> %d, want unchanged", before, got)
	}
}
