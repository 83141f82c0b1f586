package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mychat/internal/bus"
)

// Push is the session's single long-lived push connection, addressed by
// user id. Inbound frames are published on the bus as push.message
// events; synchronizers filter by sender, so opening a conversation
// never reconnects the channel.
type Push struct {
	conn    *websocket.Conn
	bus     *bus.Bus
	logger  *zap.Logger
	onClose func(error)

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// DialPush connects the push channel for the given user. onClose is
// invoked once if the read loop exits for any reason other than an
// explicit Close; it may be nil.
func DialPush(ctx context.Context, wsURL string, userID int64, b *bus.Bus, logger *zap.Logger, onClose func(error)) (*Push, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	url := fmt.Sprintf("%s/ws/%d", strings.TrimRight(wsURL, "/"), userID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial push channel: %w", err)
	}

	p := &Push{
		conn:    conn,
		bus:     b,
		logger:  logger,
		onClose: onClose,
	}
	go p.readLoop()
	return p, nil
}

func (p *Push) readLoop() {
	defer func() { _ = p.conn.Close() }()
	p.conn.SetReadLimit(64 * 1024)
	for {
		var frame InboundFrame
		if err := p.conn.ReadJSON(&frame); err != nil {
			if !p.isClosed() {
				p.logger.Warn("push channel dropped", zap.Error(err))
				if p.onClose != nil {
					p.onClose(err)
				}
			}
			return
		}
		p.bus.Publish(bus.Event{
			Kind:      "push.message",
			Timestamp: time.Now(),
			Payload:   frame,
		})
	}
}

// Send submits an outbound frame. Delivery is best-effort: no ack, no
// sequence numbers.
func (p *Push) Send(frame OutboundFrame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.isClosed() {
		return fmt.Errorf("push channel closed")
	}
	if err := p.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send push frame: %w", err)
	}
	return nil
}

// Close tears down the connection. Idempotent; suppresses the onClose
// callback.
func (p *Push) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()
	_ = p.conn.Close()
}

func (p *Push) isClosed() bool {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	return p.closed
}
