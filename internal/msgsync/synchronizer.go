package msgsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"mychat/internal/bus"
	"mychat/internal/model"
	"mychat/internal/session"
	"mychat/internal/transport"
)

// API is the request-channel surface the synchronizer needs.
type API interface {
	Messages(ctx context.Context, userA, userB int64) ([]model.Message, error)
	SendMessage(ctx context.Context, m model.Message) error
	MarkRead(ctx context.Context, messageID int64) error
}

// PushSender submits outbound frames on the push channel.
type PushSender interface {
	Send(frame transport.OutboundFrame) error
}

// Opt configures a Synchronizer.
type Opt func(*Synchronizer)

// WithClock overrides the clock, for tests.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Synchronizer) {
		s.clock = clock
	}
}

// Synchronizer owns the message list for the currently open
// conversation. It merges two sources into one view: the periodic poll
// (authoritative: canonical ids, is_read state, ordering) and the push
// channel (low-latency preview, no server ids). At most one
// conversation is open at a time; Open tears down the previous one
// before starting, and Close is always safe to call.
type Synchronizer struct {
	api      API
	push     PushSender
	bus      *bus.Bus
	sess     *session.Session
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	mu           sync.Mutex
	open         bool
	peerID       int64
	msgs         []model.Message
	keys         map[string]struct{}
	readMarked   map[int64]struct{}
	lastPolledAt time.Time
	cancel       context.CancelFunc
	unsub        func()
}

// New creates a message synchronizer for the session. push may be nil;
// sends then go straight to the request channel.
func New(api API, push PushSender, b *bus.Bus, sess *session.Session, interval time.Duration, logger *zap.Logger, opts ...Opt) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synchronizer{
		api:      api,
		push:     push,
		bus:      b,
		sess:     sess,
		interval: interval,
		clock:    clockwork.NewRealClock(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open starts synchronizing the conversation with peerID: an immediate
// history fetch, a polling loop, and a push subscription filtered to
// the peer. Any previously open conversation is closed first so timers
// and subscriptions never leak across conversations.
func (s *Synchronizer) Open(peerID int64) {
	s.Close()

	ctx, cancel := context.WithCancel(s.sess.Context())
	ch, unsub := s.bus.Subscribe("push.message", 64)

	s.mu.Lock()
	s.open = true
	s.peerID = peerID
	s.msgs = nil
	s.keys = make(map[string]struct{})
	s.readMarked = make(map[int64]struct{})
	s.cancel = cancel
	s.unsub = unsub
	s.mu.Unlock()

	go s.pushLoop(ctx, ch)
	go s.pollLoop(ctx)
}

// Close stops the polling loop and the push subscription for the open
// conversation. Idempotent. After Close returns no further read-state
// mutations are applied for the conversation, even if late responses
// arrive.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	cancel, unsub := s.cancel, s.unsub
	s.cancel, s.unsub = nil, nil
	s.open = false
	s.peerID = 0
	s.msgs = nil
	s.keys = nil
	s.readMarked = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
}

// Peer returns the open peer id, or 0 if no conversation is open.
func (s *Synchronizer) Peer() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Messages returns a copy of the conversation list, ordered
// non-decreasing by timestamp.
func (s *Synchronizer) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// LastPolledAt returns the time of the last successful poll.
func (s *Synchronizer) LastPolledAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPolledAt
}

// Send constructs a message to the open peer and submits it, push
// channel first with request-channel fallback. The message is appended
// optimistically regardless of transport outcome; a failed write is
// logged and corrected by the next poll, never rolled back.
func (s *Synchronizer) Send(ctx context.Context, content string) error {
	if content == "" {
		return fmt.Errorf("send: empty content: %w", transport.ErrValidation)
	}
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return fmt.Errorf("send: no open conversation: %w", transport.ErrValidation)
	}
	peer := s.peerID
	s.mu.Unlock()

	msg := model.Message{
		ClientID:   uuid.NewString(),
		SenderID:   s.sess.SelfID(),
		ReceiverID: peer,
		Content:    content,
		Timestamp:  s.clock.Now().UnixMilli(),
	}

	delivered := false
	if s.push != nil {
		if err := s.push.Send(transport.OutboundFrame{
			SenderID:   msg.SenderID,
			ReceiverID: msg.ReceiverID,
			Content:    msg.Content,
		}); err != nil {
			s.logger.Warn("push send failed, falling back to request channel", zap.Error(err))
		} else {
			delivered = true
		}
	}
	if !delivered {
		if err := s.api.SendMessage(ctx, msg); err != nil {
			s.logger.Error("send failed", zap.Int64("peer", peer), zap.Error(err))
		}
	}

	s.mu.Lock()
	changed := s.open && s.peerID == peer && s.appendLocked(msg)
	s.mu.Unlock()
	if changed {
		s.publishUpdated(peer)
	}
	return nil
}

func (s *Synchronizer) pollLoop(ctx context.Context) {
	// First fetch immediately so an opened conversation fills without
	// waiting a full interval.
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

// pollOnce fetches the authoritative history and replaces the local
// list wholesale. Optimistic or pushed entries not yet reflected
// server-side disappear until a later poll returns them; the server
// owns ids, ordering and is_read.
func (s *Synchronizer) pollOnce(ctx context.Context) {
	s.mu.Lock()
	open, peer := s.open, s.peerID
	s.mu.Unlock()
	if !open {
		return
	}

	list, err := s.api.Messages(ctx, s.sess.SelfID(), peer)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("message poll failed", zap.Int64("peer", peer), zap.Error(err))
		}
		return // retain previous list
	}

	s.mu.Lock()
	if ctx.Err() != nil || !s.open || s.peerID != peer {
		// Late response for a closed or replaced conversation.
		s.mu.Unlock()
		return
	}
	sortByTimestamp(list)
	s.msgs = list
	s.keys = make(map[string]struct{}, len(list))
	for _, m := range list {
		s.keys[m.Key()] = struct{}{}
	}
	s.lastPolledAt = s.clock.Now()
	toMark := s.collectUnreadLocked()
	s.mu.Unlock()

	s.publishUpdated(peer)
	s.markRead(ctx, toMark)
}

func (s *Synchronizer) pushLoop(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case evt := <-ch:
			frame, ok := evt.Payload.(transport.InboundFrame)
			if !ok {
				continue
			}
			s.handleFrame(frame)
		case <-ctx.Done():
			return
		}
	}
}

// handleFrame appends a push-delivered message immediately so the view
// reflects sub-second delivery; the frame carries no server id, so the
// next poll supplies the canonical record and the dedup key keeps the
// two from coexisting.
func (s *Synchronizer) handleFrame(frame transport.InboundFrame) {
	s.mu.Lock()
	if !s.open || frame.SenderID != s.peerID {
		s.mu.Unlock()
		return
	}
	peer := s.peerID
	msg := model.Message{
		SenderID:   frame.SenderID,
		ReceiverID: s.sess.SelfID(),
		Content:    frame.Content,
		Timestamp:  transport.ParseTimestamp(frame.Timestamp),
	}
	changed := s.appendLocked(msg)
	s.mu.Unlock()

	if changed {
		s.publishUpdated(peer)
	}
}

// appendLocked adds a message unless its canonical key is already
// present, keeping the list sorted. Caller holds s.mu.
func (s *Synchronizer) appendLocked(m model.Message) bool {
	key := m.Key()
	if _, dup := s.keys[key]; dup {
		return false
	}
	s.keys[key] = struct{}{}
	s.msgs = append(s.msgs, m)
	sortByTimestamp(s.msgs)
	return true
}

// collectUnreadLocked returns the server ids of messages addressed to
// self that still need a read mark, recording them so each message is
// marked exactly once per conversation. Caller holds s.mu.
func (s *Synchronizer) collectUnreadLocked() []int64 {
	var ids []int64
	for _, m := range s.msgs {
		if m.ID == 0 || m.ReceiverID != s.sess.SelfID() || m.IsRead {
			continue
		}
		if _, done := s.readMarked[m.ID]; done {
			continue
		}
		s.readMarked[m.ID] = struct{}{}
		ids = append(ids, m.ID)
	}
	return ids
}

// markRead issues fire-and-forget read marks. Failures are logged, not
// retried; the server's is_read state on a later poll is the only
// recovery path.
func (s *Synchronizer) markRead(ctx context.Context, ids []int64) {
	for _, id := range ids {
		if err := s.api.MarkRead(ctx, id); err != nil {
			if ctx.Err() == nil {
				s.logger.Error("mark read failed", zap.Int64("message_id", id), zap.Error(err))
			}
		}
	}
}

func (s *Synchronizer) publishUpdated(peer int64) {
	s.bus.Publish(bus.Event{
		Kind:      "messages.updated",
		Timestamp: time.Now(),
		Payload:   peer,
	})
}

func sortByTimestamp(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}
