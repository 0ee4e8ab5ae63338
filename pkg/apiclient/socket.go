package apiclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/cimsi/chess-arena/pkg/protocol"
)

// ErrSocketDisconnected is returned by Emit while no connection is live.
var ErrSocketDisconnected = errors.New("socket is not connected")

// SocketState tracks the realtime connection lifecycle.
type SocketState string

const (
	SocketDisconnected SocketState = "disconnected"
	SocketConnecting   SocketState = "connecting"
	SocketConnected    SocketState = "connected"
	SocketReconnecting SocketState = "reconnecting"
	SocketFailed       SocketState = "failed"
)

// FrameCallback receives every inbound envelope.
type FrameCallback func(env *protocol.Envelope)

// StateCallback observes connection state transitions.
type StateCallback func(state SocketState)

type frameCbEntry struct {
	id int
	cb FrameCallback
}

type stateCbEntry struct {
	id int
	cb StateCallback
}

// Socket is the client side of the realtime channel. It dials the /ws
// endpoint, performs the token handshake, and reconnects with backoff when
// the link drops. The token is re-presented on every reconnect.
type Socket struct {
	wsURL string
	token string

	// conn is guarded by stateM; the listen and ping goroutines drop it
	// during reconnect while Emit may be reading it.
	conn   *websocket.Conn
	state  SocketState
	stateM sync.RWMutex

	frameCbs []frameCbEntry
	stateCbs []stateCbEntry
	cbM      sync.RWMutex

	maxReconnectAttempts int
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewSocket(wsURL, token string, maxReconnectAttempts int) *Socket {
	return &Socket{
		wsURL:                wsURL,
		token:                token,
		state:                SocketDisconnected,
		maxReconnectAttempts: maxReconnectAttempts,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
	}
}

// Connect dials the server and performs the auth handshake. Idempotent
// while a connection is live or being established.
func (s *Socket) Connect(ctx context.Context) error {
	s.stateM.Lock()
	if s.state == SocketConnected || s.state == SocketConnecting {
		s.stateM.Unlock()
		return nil
	}
	s.stateM.Unlock()

	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	s.setState(SocketConnecting)

	if err := s.dial(ctx); err != nil {
		s.setState(SocketFailed)
		s.scheduleReconnect()
		return err
	}
	return nil
}

func (s *Socket) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return err
	}

	// The server expects the token before anything else.
	hctx, hcancel := context.WithTimeout(ctx, 5*time.Second)
	err = wsjson.Write(hctx, conn, protocol.Encode(protocol.EventAuth, protocol.AuthPayload{Token: s.token}))
	hcancel()
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake write failed")
		return err
	}

	s.stateM.Lock()
	s.conn = conn
	s.stateM.Unlock()
	s.setState(SocketConnected)
	s.wg.Add(2)
	go s.listen()
	go s.pingLoop()
	return nil
}

// Emit sends one event frame to the server. ErrSocketDisconnected while
// the link is down or being re-established.
func (s *Socket) Emit(ctx context.Context, event string, payload any) error {
	conn := s.currentConn()
	if conn == nil {
		return ErrSocketDisconnected
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, protocol.Encode(event, payload))
}

func (s *Socket) currentConn() *websocket.Conn {
	s.stateM.RLock()
	defer s.stateM.RUnlock()
	return s.conn
}

func (s *Socket) listen() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		conn := s.currentConn()
		if conn == nil {
			return
		}
		var env protocol.Envelope
		if err := wsjson.Read(s.rootCtx, conn, &env); err != nil {
			if s.isStopping() {
				return
			}
			s.setState(SocketDisconnected)
			_ = s.closeConn(websocket.StatusGoingAway, "reconnect")
			s.scheduleReconnect()
			return
		}

		s.cbM.RLock()
		callbacks := make([]frameCbEntry, len(s.frameCbs))
		copy(callbacks, s.frameCbs)
		s.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.cb != nil {
				entry.cb(&env)
			}
		}
	}
}

func (s *Socket) pingLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			conn := s.currentConn()
			if conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(s.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				failures++
				if failures >= 2 {
					if s.isStopping() {
						return
					}
					s.setState(SocketDisconnected)
					_ = s.closeConn(websocket.StatusGoingAway, "ping failure")
					s.scheduleReconnect()
					failures = 0
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *Socket) scheduleReconnect() {
	if s.maxReconnectAttempts <= 0 {
		return
	}
	s.setState(SocketReconnecting)

	go func() {
		for attempt := 1; attempt <= s.maxReconnectAttempts; attempt++ {
			select {
			case <-s.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			if err := s.dial(s.rootCtx); err != nil {
				continue
			}
			return
		}
		s.setState(SocketFailed)
	}()
}

// OnFrame registers a callback for inbound frames; the returned id removes
// it again.
func (s *Socket) OnFrame(cb FrameCallback) int {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	id := len(s.frameCbs) + 1
	s.frameCbs = append(s.frameCbs, frameCbEntry{id: id, cb: cb})
	return id
}

func (s *Socket) RemoveFrameCallback(id int) {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	for i, entry := range s.frameCbs {
		if entry.id == id {
			s.frameCbs = append(s.frameCbs[:i], s.frameCbs[i+1:]...)
			break
		}
	}
}

func (s *Socket) OnStateChange(cb StateCallback) int {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	id := len(s.stateCbs) + 1
	s.stateCbs = append(s.stateCbs, stateCbEntry{id: id, cb: cb})
	return id
}

func (s *Socket) RemoveStateCallback(id int) {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	for i, entry := range s.stateCbs {
		if entry.id == id {
			s.stateCbs = append(s.stateCbs[:i], s.stateCbs[i+1:]...)
			break
		}
	}
}

func (s *Socket) setState(state SocketState) {
	s.stateM.Lock()
	s.state = state
	s.stateM.Unlock()

	s.cbM.RLock()
	callbacks := make([]stateCbEntry, len(s.stateCbs))
	copy(callbacks, s.stateCbs)
	s.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.cb != nil {
			entry.cb(state)
		}
	}
}

// State returns the current connection state.
func (s *Socket) State() SocketState {
	s.stateM.RLock()
	defer s.stateM.RUnlock()
	return s.state
}

// Close stops the socket and waits for its goroutines, bounded by ctx.
func (s *Socket) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	_ = s.closeConn(websocket.StatusNormalClosure, "close")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if s.rootCancel != nil {
			s.rootCancel()
		}
		return nil
	}
}

func (s *Socket) closeConn(code websocket.StatusCode, reason string) error {
	s.stateM.Lock()
	conn := s.conn
	s.conn = nil
	s.stateM.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(code, reason)
}

func (s *Socket) isStopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
