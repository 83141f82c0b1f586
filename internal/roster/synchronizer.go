package roster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"mychat/internal/bus"
	"mychat/internal/model"
	"mychat/internal/session"
)

// NoMessages is the preview sentinel for a friend without history.
const NoMessages = "No messages yet"

const previewLimit = 30

// API is the request surface the synchronizer needs.
type API interface {
	Friends(ctx context.Context, userID int64) ([]model.User, error)
	Messages(ctx context.Context, userA, userB int64) ([]model.Message, error)
}

// RequestState exposes the incoming friend-request senders, provided by
// the friend-request synchronizer.
type RequestState interface {
	IncomingSenderIDs() []int64
}

// Opt configures a Synchronizer.
type Opt func(*Synchronizer)

// WithClock overrides the clock, for tests.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Synchronizer) {
		s.clock = clock
	}
}

// Synchronizer owns the derived contact view: the friend roster plus a
// last-message preview and unread count per friend. Every cycle rebuilds
// the snapshot from scratch and swaps it wholesale; a partial merge
// could keep a removed friend's unread badge alive, a full replace
// cannot.
type Synchronizer struct {
	api      API
	requests RequestState
	bus      *bus.Bus
	sess     *session.Session
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	snap    model.RosterSnapshot
	cancel  context.CancelFunc
	unsub   func()
	running bool
}

// New creates a contact synchronizer for the session.
func New(api API, requests RequestState, b *bus.Bus, sess *session.Session, interval time.Duration, logger *zap.Logger, opts ...Opt) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synchronizer{
		api:      api,
		requests: requests,
		bus:      b,
		sess:     sess,
		interval: interval,
		clock:    clockwork.NewRealClock(),
		logger:   logger,
		snap: model.RosterSnapshot{
			LastMessage: make(map[int64]model.Message),
			UnreadCount: make(map[int64]int),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the refresh loop. The loop runs independently of which
// conversation is open, and also refreshes immediately when an accepted
// friend request signals roster.changed. No-op if already running.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(s.sess.Context())
	s.cancel = cancel
	ch, unsub := s.bus.Subscribe("roster.changed", 8)
	s.unsub = unsub
	s.mu.Unlock()

	go s.loop(ctx, ch)
}

// Stop cancels the refresh loop. Idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancel, unsub := s.cancel, s.unsub
	s.cancel, s.unsub = nil, nil
	s.running = false
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
}

func (s *Synchronizer) loop(ctx context.Context, rosterChanged <-chan bus.Event) {
	s.Refresh(ctx)
	for {
		select {
		case <-s.clock.After(s.interval):
			s.Refresh(ctx)
		case <-rosterChanged:
			s.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Refresh rebuilds the snapshot: one roster fetch, then one message
// fetch per friend. The N+1 fan-out is a known scaling limit, fine at
// small roster sizes. A failed roster fetch retains the previous
// snapshot; a failed per-friend fetch leaves that friend without a
// preview for this cycle.
func (s *Synchronizer) Refresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	self := s.sess.SelfID()
	friends, err := s.api.Friends(ctx, self)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("roster fetch failed", zap.Error(err))
		}
		return
	}

	next := model.RosterSnapshot{
		Friends:     friends,
		LastMessage: make(map[int64]model.Message, len(friends)),
		UnreadCount: make(map[int64]int, len(friends)),
	}
	for _, friend := range friends {
		msgs, err := s.api.Messages(ctx, self, friend.ID)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("message fetch failed for friend",
					zap.Int64("friend_id", friend.ID), zap.Error(err))
			}
			continue
		}
		unread := 0
		var last model.Message
		var hasLast bool
		for _, m := range msgs {
			if !hasLast || m.Timestamp >= last.Timestamp {
				last = m
				hasLast = true
			}
			if m.SenderID == friend.ID && !m.IsRead {
				unread++
			}
		}
		if hasLast {
			next.LastMessage[friend.ID] = last
		}
		next.UnreadCount[friend.ID] = unread
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.snap = next
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: "roster.updated", Timestamp: time.Now()})
}

// Snapshot returns a copy of the current derived view.
func (s *Synchronizer) Snapshot() model.RosterSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := model.RosterSnapshot{
		Friends:     make([]model.User, len(s.snap.Friends)),
		LastMessage: make(map[int64]model.Message, len(s.snap.LastMessage)),
		UnreadCount: make(map[int64]int, len(s.snap.UnreadCount)),
	}
	copy(out.Friends, s.snap.Friends)
	for k, v := range s.snap.LastMessage {
		out.LastMessage[k] = v
	}
	for k, v := range s.snap.UnreadCount {
		out.UnreadCount[k] = v
	}
	return out
}

// UnreadCount returns the unread badge for a friend.
func (s *Synchronizer) UnreadCount(friendID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.UnreadCount[friendID]
}

// PreviewText returns the sidebar preview for a friend's conversation:
// the last message truncated, prefixed with "You: " when self sent it.
func (s *Synchronizer) PreviewText(friendID int64) string {
	s.mu.Lock()
	msg, ok := s.snap.LastMessage[friendID]
	s.mu.Unlock()
	if !ok {
		return NoMessages
	}
	prefix := ""
	if msg.SenderID == s.sess.SelfID() {
		prefix = "You: "
	}
	return prefix + truncate(msg.Content, previewLimit)
}

// RelativeTime returns the age bucket of a friend's last message:
// "now" under a minute, then "{n}m", "{n}h", "{n}d", and an absolute
// local time past a week. Missing or unparseable timestamps render as
// an empty string rather than failing the view.
func (s *Synchronizer) RelativeTime(friendID int64) string {
	s.mu.Lock()
	msg, ok := s.snap.LastMessage[friendID]
	s.mu.Unlock()
	if !ok || msg.Timestamp == 0 {
		return ""
	}

	at := time.UnixMilli(msg.Timestamp)
	diff := s.clock.Now().Sub(at)
	switch {
	case diff < time.Minute:
		return "now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd", int(diff.Hours()/24))
	default:
		return at.Format("3:04 PM")
	}
}

// AvailableToRequest returns the users a request can still be sent to:
// allUsers minus current friends minus users with an incoming pending
// request to self (act on their request instead). Roster membership is
// authoritative over a residual pending entry, so an already-friended
// user is excluded no matter what the request sets contain.
func (s *Synchronizer) AvailableToRequest(allUsers []model.User) []model.User {
	s.mu.Lock()
	friendIDs := make(map[int64]struct{}, len(s.snap.Friends))
	for _, f := range s.snap.Friends {
		friendIDs[f.ID] = struct{}{}
	}
	s.mu.Unlock()

	incoming := make(map[int64]struct{})
	if s.requests != nil {
		for _, id := range s.requests.IncomingSenderIDs() {
			incoming[id] = struct{}{}
		}
	}

	available := make([]model.User, 0, len(allUsers))
	for _, u := range allUsers {
		if _, isFriend := friendIDs[u.ID]; isFriend {
			continue
		}
		if _, requested := incoming[u.ID]; requested {
			continue
		}
		available = append(available, u)
	}
	return available
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
