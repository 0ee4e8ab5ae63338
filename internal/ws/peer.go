// Package ws wraps one accepted websocket connection: a buffered outbound
// channel drained by a write pump, ping keepalive, and single-shot close.
package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/cimsi/chess-arena/internal/obslog"
	"github.com/cimsi/chess-arena/pkg/protocol"
)

const (
	pingInterval = 30 * time.Second
	pingTimeout  = 3 * time.Second
	writeTimeout = 10 * time.Second
)

type Peer struct {
	conn *websocket.Conn
	out  chan protocol.Envelope

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPeer(conn *websocket.Conn, buffer int) *Peer {
	if buffer <= 0 {
		buffer = 32
	}
	return &Peer{
		conn:   conn,
		out:    make(chan protocol.Envelope, buffer),
		stopCh: make(chan struct{}),
	}
}

// Send queues a frame for delivery. Delivery is fire-and-forget: when the
// outbound buffer is full the frame is dropped so a slow client can never
// stall the coordinator.
func (p *Peer) Send(env protocol.Envelope) {
	select {
	case p.out <- env:
	case <-p.stopCh:
	default:
		obslog.L().Warn("ws_send_drop", zap.String("event", env.Event))
	}
}

// WritePump drains the outbound channel and keeps the connection alive
// with pings. It returns when the peer is closed, ctx is cancelled, or a
// write fails.
func (p *Peer) WritePump(ctx context.Context) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case env := <-p.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, p.conn, env)
			cancel()
			if err != nil {
				p.Close(websocket.StatusGoingAway, "write failure")
				return
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := p.conn.Ping(pctx)
			cancel()
			if err != nil {
				p.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

// WriteNow writes one frame synchronously, bypassing the pump. Only used
// before the pump starts (handshake replies).
func (p *Peer) WriteNow(ctx context.Context, env protocol.Envelope) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, p.conn, env)
}

// Read blocks for the next inbound frame.
func (p *Peer) Read(ctx context.Context, env *protocol.Envelope) error {
	return wsjson.Read(ctx, p.conn, env)
}

// Close shuts the connection down exactly once.
func (p *Peer) Close(code websocket.StatusCode, reason string) {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		_ = p.conn.Close(code, reason)
	})
}
