package reqsync

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"mychat/internal/bus"
	"mychat/internal/model"
	"mychat/internal/session"
)

// API is the request surface the synchronizer needs.
type API interface {
	PendingRequests(ctx context.Context, userID int64) ([]model.FriendRequest, error)
	SendRequest(ctx context.Context, targetID, senderID int64) error
	AcceptRequest(ctx context.Context, requestID int64) error
	RejectRequest(ctx context.Context, requestID int64) error
}

// Opt configures a Synchronizer.
type Opt func(*Synchronizer)

// WithClock overrides the clock, for tests.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Synchronizer) {
		s.clock = clock
	}
}

// Synchronizer owns the pending friend-request sets. The polled
// partition is the authoritative base; local mutations (a sent request,
// an accepted or rejected incoming one) live in an overlay that only
// bridges the window until the next poll, which replaces the base and
// clears the overlay. Optimism never survives longer than one poll
// interval.
type Synchronizer struct {
	api      API
	bus      *bus.Bus
	sess     *session.Session
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	mu          sync.Mutex
	sentTargets map[int64]struct{}        // base: receiver ids of own pending requests
	incoming    []model.FriendRequest     // base: pending requests addressed to self
	overlaySent map[int64]struct{}        // optimistic: targets requested since last poll
	overlayDone map[int64]struct{}        // optimistic: incoming ids resolved since last poll
	cancel      context.CancelFunc
	running     bool
}

// New creates a friend-request synchronizer for the session.
func New(api API, b *bus.Bus, sess *session.Session, interval time.Duration, logger *zap.Logger, opts ...Opt) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synchronizer{
		api:         api,
		bus:         b,
		sess:        sess,
		interval:    interval,
		clock:       clockwork.NewRealClock(),
		logger:      logger,
		sentTargets: make(map[int64]struct{}),
		overlaySent: make(map[int64]struct{}),
		overlayDone: make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the polling loop. No-op if already running.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(s.sess.Context())
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop cancels the polling loop. Idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Incoming returns pending requests addressed to self, minus those
// optimistically resolved since the last poll.
func (s *Synchronizer) Incoming() []model.FriendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FriendRequest, 0, len(s.incoming))
	for _, r := range s.incoming {
		if _, done := s.overlayDone[r.ID]; done {
			continue
		}
		out = append(out, r)
	}
	return out
}

// IncomingSenderIDs returns the sender ids of visible incoming requests.
func (s *Synchronizer) IncomingSenderIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.incoming))
	for _, r := range s.incoming {
		if _, done := s.overlayDone[r.ID]; done {
			continue
		}
		ids = append(ids, r.SenderID)
	}
	return ids
}

// SentTo reports whether a pending request from self to target exists,
// either in the authoritative base or in the optimistic overlay.
func (s *Synchronizer) SentTo(targetID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sentTargets[targetID]; ok {
		return true
	}
	_, ok := s.overlaySent[targetID]
	return ok
}

// SendRequest creates a pending request from self to target. The target
// joins the sent set immediately so a repeated call before the next
// poll is inert; a transport failure is logged, not rolled back, and
// the next poll restores the truth.
func (s *Synchronizer) SendRequest(ctx context.Context, targetID int64) error {
	s.mu.Lock()
	if _, ok := s.sentTargets[targetID]; ok {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.overlaySent[targetID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.overlaySent[targetID] = struct{}{}
	s.mu.Unlock()
	s.publish("requests.updated")

	if err := s.api.SendRequest(ctx, targetID, s.sess.SelfID()); err != nil {
		s.logger.Error("send friend request failed", zap.Int64("target", targetID), zap.Error(err))
	}
	return nil
}

// Accept accepts an incoming request. On success the request is hidden
// locally and a roster.changed signal tells the contact synchronizer to
// refetch; on failure the request stays visible and the next poll
// settles it.
func (s *Synchronizer) Accept(ctx context.Context, requestID int64) error {
	if err := s.api.AcceptRequest(ctx, requestID); err != nil {
		s.logger.Error("accept friend request failed", zap.Int64("request_id", requestID), zap.Error(err))
		return err
	}
	s.mu.Lock()
	s.overlayDone[requestID] = struct{}{}
	s.mu.Unlock()
	s.publish("requests.updated")
	s.publish("roster.changed")
	return nil
}

// Reject rejects an incoming request. No roster signal: rejection does
// not alter the friend roster.
func (s *Synchronizer) Reject(ctx context.Context, requestID int64) error {
	if err := s.api.RejectRequest(ctx, requestID); err != nil {
		s.logger.Error("reject friend request failed", zap.Int64("request_id", requestID), zap.Error(err))
		return err
	}
	s.mu.Lock()
	s.overlayDone[requestID] = struct{}{}
	s.mu.Unlock()
	s.publish("requests.updated")
	return nil
}

func (s *Synchronizer) loop(ctx context.Context) {
	s.pollOnce(ctx)
	for {
		select {
		case <-s.clock.After(s.interval):
			s.pollOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce fetches all pending requests touching self and partitions
// them in a single pass. The result replaces the base wholesale and
// clears the optimistic overlay.
func (s *Synchronizer) pollOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	reqs, err := s.api.PendingRequests(ctx, s.sess.SelfID())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("pending request poll failed", zap.Error(err))
		}
		return // retain previous sets
	}

	self := s.sess.SelfID()
	sent := make(map[int64]struct{})
	var incoming []model.FriendRequest
	for _, r := range reqs {
		switch {
		case r.SenderID == self:
			sent[r.ReceiverID] = struct{}{}
		case r.ReceiverID == self:
			incoming = append(incoming, r)
		}
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.sentTargets = sent
	s.incoming = incoming
	s.overlaySent = make(map[int64]struct{})
	s.overlayDone = make(map[int64]struct{})
	s.mu.Unlock()

	s.publish("requests.updated")
}

func (s *Synchronizer) publish(kind string) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}
