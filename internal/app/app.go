package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mychat/internal/bus"
	"mychat/internal/config"
	"mychat/internal/model"
	"mychat/internal/msgsync"
	"mychat/internal/reqsync"
	"mychat/internal/roster"
	"mychat/internal/session"
	"mychat/internal/status"
	"mychat/internal/transport"
)

const pushRedialDelay = 3 * time.Second

// App owns the logged-in session and the three synchronizers. It is the
// routing surface the frontend talks to: open or close a conversation,
// send, and read the derived views. It also holds the push channel and
// replaces it transparently on reconnect, which is why the message
// synchronizer sends through App rather than a *transport.Push.
type App struct {
	cfg     *config.Config
	client  *transport.Client
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu       sync.Mutex
	sess     *session.Session
	push     *transport.Push
	conv     *msgsync.Synchronizer
	requests *reqsync.Synchronizer
	contacts *roster.Synchronizer
}

// NewApp wires the application against an authenticated backend client.
func NewApp(cfg *config.Config, client *transport.Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *App {
	return &App{
		cfg:     cfg,
		client:  client,
		bus:     b,
		machine: machine,
		logger:  logger,
	}
}

// Start logs in with the configured credentials, connects the push
// channel and starts the roster and friend-request loops. A rejected
// login parks the machine in AuthRequired; a dead push channel is not
// fatal, the session comes up degraded on polling alone.
func (a *App) Start(ctx context.Context) error {
	_ = a.machine.Transition(status.Connecting)

	username := a.cfg.Auth.Username
	if username == "" {
		_ = a.machine.Transition(status.AuthRequired)
		return fmt.Errorf("no credentials configured, set [auth] username and password in %s: %w",
			session.ConfigPath(), transport.ErrValidation)
	}

	user, err := a.client.Login(ctx, username, a.cfg.Auth.Password)
	if err != nil {
		if isAuthFailure(err) {
			_ = a.machine.Transition(status.AuthRequired)
		} else {
			_ = a.machine.Transition(status.Error)
		}
		return fmt.Errorf("login %q: %w", username, err)
	}
	a.logger.Info("logged in", zap.Int64("user_id", user.ID), zap.String("username", user.Username))

	sess := session.New(context.Background(), user)

	push, err := transport.DialPush(ctx, a.cfg.API.WSURL, user.ID, a.bus, a.logger, a.onPushClosed)
	if err != nil {
		a.logger.Warn("push channel unavailable, continuing on polling", zap.Error(err))
	}

	a.mu.Lock()
	a.sess = sess
	a.push = push
	a.conv = msgsync.New(a.client, a, a.bus, sess, a.cfg.Poll.Messages.Duration, a.logger)
	a.requests = reqsync.New(a.client, a.bus, sess, a.cfg.Poll.Requests.Duration, a.logger)
	a.contacts = roster.New(a.client, a.requests, a.bus, sess, a.cfg.Poll.Roster.Duration, a.logger)
	a.mu.Unlock()

	a.requests.Start()
	a.contacts.Start()

	_ = a.machine.Transition(status.Online)
	if push == nil {
		_ = a.machine.Transition(status.Degraded)
		go a.redial(sess.Context(), user.ID)
	}
	return nil
}

// Stop shuts down the synchronizers, the push channel and the session.
func (a *App) Stop() {
	a.mu.Lock()
	sess, push := a.sess, a.push
	conv, requests, contacts := a.conv, a.requests, a.contacts
	a.sess, a.push = nil, nil
	a.mu.Unlock()

	if conv != nil {
		conv.Close()
	}
	if contacts != nil {
		contacts.Stop()
	}
	if requests != nil {
		requests.Stop()
	}
	if push != nil {
		push.Close()
	}
	if sess != nil {
		sess.Close()
		a.bus.Publish(bus.Event{Kind: "session.logged_out", Timestamp: time.Now()})
	}
}

// OpenConversation routes the message synchronizer to a peer. Opening
// replaces any previously open conversation.
func (a *App) OpenConversation(peerID int64) {
	a.mu.Lock()
	conv := a.conv
	a.mu.Unlock()
	if conv != nil {
		conv.Open(peerID)
	}
}

// CloseConversation stops the per-conversation sync loop.
func (a *App) CloseConversation() {
	a.mu.Lock()
	conv := a.conv
	a.mu.Unlock()
	if conv != nil {
		conv.Close()
	}
}

// Conversation returns the message synchronizer, nil before Start.
func (a *App) Conversation() *msgsync.Synchronizer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conv
}

// Requests returns the friend-request synchronizer, nil before Start.
func (a *App) Requests() *reqsync.Synchronizer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests
}

// Contacts returns the contact synchronizer, nil before Start.
func (a *App) Contacts() *roster.Synchronizer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contacts
}

// Session returns the logged-in session, nil before Start.
func (a *App) Session() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

// AvailableUsers returns everyone a friend request can still go to:
// all registered users minus self, current friends and users whose
// pending request is waiting on us.
func (a *App) AvailableUsers(ctx context.Context) ([]model.User, error) {
	a.mu.Lock()
	sess, contacts := a.sess, a.contacts
	a.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("not logged in")
	}
	users, err := a.client.Users(ctx)
	if err != nil {
		return nil, err
	}
	others := users[:0]
	for _, u := range users {
		if u.ID != sess.SelfID() {
			others = append(others, u)
		}
	}
	return contacts.AvailableToRequest(others), nil
}

// Send submits a frame on the current push connection. Implements the
// sender the message synchronizer falls back from, surviving channel
// replacement across reconnects.
func (a *App) Send(frame transport.OutboundFrame) error {
	a.mu.Lock()
	push := a.push
	a.mu.Unlock()
	if push == nil {
		return fmt.Errorf("push channel down")
	}
	return push.Send(frame)
}

func (a *App) onPushClosed(err error) {
	a.mu.Lock()
	sess := a.sess
	a.push = nil
	a.mu.Unlock()
	if sess == nil || sess.Closed() {
		return
	}
	a.logger.Warn("push channel lost, reconnecting", zap.Error(err))
	_ = a.machine.Transition(status.Reconnecting)
	go a.redial(sess.Context(), sess.SelfID())
}

// redial retries the push channel until it comes back or the session
// ends. Polling keeps running throughout, so the view stays live, just
// without sub-second delivery.
func (a *App) redial(ctx context.Context, userID int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pushRedialDelay):
		}
		push, err := transport.DialPush(ctx, a.cfg.API.WSURL, userID, a.bus, a.logger, a.onPushClosed)
		if err != nil {
			a.logger.Warn("push redial failed", zap.Error(err))
			continue
		}
		a.mu.Lock()
		a.push = push
		a.mu.Unlock()
		_ = a.machine.Transition(status.Online)
		a.logger.Info("push channel restored")
		return
	}
}

// isAuthFailure reports whether a login error means bad or missing
// credentials rather than a transport problem.
func isAuthFailure(err error) bool {
	if errors.Is(err, transport.ErrValidation) {
		return true
	}
	var reqErr *transport.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status == 400 || reqErr.Status == 401 || reqErr.Status == 403 || reqErr.Status == 422
	}
	return false
}
