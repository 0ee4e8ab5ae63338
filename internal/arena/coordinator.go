// Package arena implements the matchmaking, room and game-session
// coordinator. All mutable state (waiting queue, room directory, session
// table, connection registry) is owned by a single dispatcher goroutine;
// handlers run one at a time, so the maps need no locking and
// "pop from queue + create session" is naturally atomic.
package arena

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cimsi/chess-arena/internal/msgcat"
	"github.com/cimsi/chess-arena/internal/obslog"
	"github.com/cimsi/chess-arena/internal/rules"
	"github.com/cimsi/chess-arena/pkg/protocol"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type eventKind int

const (
	evFrame eventKind = iota
	evAttach
	evDetach
)

type event struct {
	kind eventKind
	p    *Participant
	env  protocol.Envelope
}

// Options configure a Coordinator. Zero values get sensible defaults.
type Options struct {
	Clock      Clock
	Random     Random
	Oracle     RuleOracle // nil disables server-side move validation
	Catalog    *msgcat.Catalog
	InboxSize  int
	CodeLength int
}

// Coordinator owns all matchmaking state and processes inbound events
// sequentially. Construct once per process with New, then run Serve.
type Coordinator struct {
	inbox chan event

	clock   Clock
	rng     Random
	oracle  RuleOracle
	cat     *msgcat.Catalog
	codeLen int

	conns    map[string]*Participant
	queue    []*Participant
	rooms    map[string]*Room
	sessions map[string]*Session
}

func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Random == nil {
		opts.Random = cryptoRandom{}
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = 6
	}
	return &Coordinator{
		inbox:    make(chan event, opts.InboxSize),
		clock:    opts.Clock,
		rng:      opts.Random,
		oracle:   opts.Oracle,
		cat:      opts.Catalog,
		codeLen:  opts.CodeLength,
		conns:    make(map[string]*Participant),
		rooms:    make(map[string]*Room),
		sessions: make(map[string]*Session),
	}
}

// Attach registers a connection with the coordinator. Call once after the
// realtime handshake succeeds.
func (c *Coordinator) Attach(p *Participant) {
	c.inbox <- event{kind: evAttach, p: p}
}

// Detach tears down all state held for a connection: queue entry, rooms it
// created, and any session it is playing.
func (c *Coordinator) Detach(p *Participant) {
	c.inbox <- event{kind: evDetach, p: p}
}

// Dispatch hands one inbound frame to the coordinator.
func (c *Coordinator) Dispatch(p *Participant, env protocol.Envelope) {
	c.inbox <- event{kind: evFrame, p: p, env: env}
}

// Serve processes events until ctx is cancelled. It is the only goroutine
// that touches coordinator state.
func (c *Coordinator) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.inbox:
			c.process(ev)
		}
	}
}

// process runs one event. A handler panic is contained here: per the error
// policy no inbound event may terminate the process.
func (c *Coordinator) process(ev event) {
	defer func() {
		if r := recover(); r != nil {
			obslog.L().Error("arena_handler_panic", zap.Any("panic", r), zap.String("event", ev.env.Event))
		}
	}()

	switch ev.kind {
	case evAttach:
		c.conns[ev.p.ConnID] = ev.p
	case evDetach:
		c.handleDisconnect(ev.p)
	case evFrame:
		c.handleFrame(ev.p, ev.env)
	}
}

func (c *Coordinator) handleFrame(p *Participant, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventFindGame:
		c.handleFindGame(p)
	case protocol.EventCancelSearch:
		c.handleCancelSearch(p)
	case protocol.EventCreateRoom:
		var pl protocol.CreateRoomPayload
		if !decode(env, &pl) {
			return
		}
		c.handleCreateRoom(p, pl.Password)
	case protocol.EventGetPublicRooms:
		p.send(protocol.EventPublicRoomsList, c.publicRooms())
	case protocol.EventJoinRoom:
		var pl protocol.JoinRoomPayload
		if !decode(env, &pl) {
			return
		}
		c.handleJoinRoom(p, pl.RoomID, pl.Password)
	case protocol.EventCancelRoom:
		var pl protocol.CancelRoomPayload
		if !decode(env, &pl) {
			return
		}
		c.handleCancelRoom(pl.RoomID)
	case protocol.EventMakeMove:
		var pl protocol.MakeMovePayload
		if !decode(env, &pl) {
			return
		}
		c.handleMakeMove(p, pl)
	case protocol.EventOfferDraw:
		var pl protocol.GamePayload
		if !decode(env, &pl) {
			return
		}
		c.handleOfferDraw(p, pl.GameID)
	case protocol.EventAcceptDraw:
		var pl protocol.GamePayload
		if !decode(env, &pl) {
			return
		}
		c.handleAcceptDraw(pl.GameID)
	case protocol.EventResign:
		var pl protocol.GamePayload
		if !decode(env, &pl) {
			return
		}
		c.handleResign(p, pl.GameID)
	default:
		obslog.L().Warn("arena_unknown_event", zap.String("event", env.Event), zap.String("conn_id", p.ConnID))
	}
}

// --- random matchmaking ---

func (c *Coordinator) handleFindGame(p *Participant) {
	// A participant appears in the queue at most once; a repeated
	// find-game just restates the waiting state.
	for _, w := range c.queue {
		if w.ConnID == p.ConnID {
			p.send(protocol.EventWaitingOpponent, nil)
			return
		}
	}
	if len(c.queue) > 0 {
		opponent := c.queue[0]
		c.queue = c.queue[1:]
		c.createSession(opponent, p)
		return
	}
	c.queue = append(c.queue, p)
	p.send(protocol.EventWaitingOpponent, nil)
	obslog.L().Info("arena_waiting", zap.String("conn_id", p.ConnID), zap.String("username", p.User.Username))
}

func (c *Coordinator) handleCancelSearch(p *Participant) {
	c.dequeue(p.ConnID)
}

// dequeue removes a connection from the waiting queue; no-op when absent.
func (c *Coordinator) dequeue(connID string) {
	for i, w := range c.queue {
		if w.ConnID == connID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// createSession pairs two participants into a new game. Colors are
// assigned uniformly at random.
func (c *Coordinator) createSession(p1, p2 *Participant) {
	white, black := p1, p2
	if c.rng.Intn(2) == 0 {
		white, black = p2, p1
	}
	s := &Session{
		ID:    uuid.NewString(),
		White: white,
		Black: black,
		FEN:   rules.StartingFEN,
		Turn:  White,
	}
	c.sessions[s.ID] = s

	white.send(protocol.EventGameStart, protocol.GameStart{
		GameID: s.ID, Color: string(White), Opponent: black.User, FEN: s.FEN,
	})
	black.send(protocol.EventGameStart, protocol.GameStart{
		GameID: s.ID, Color: string(Black), Opponent: white.User, FEN: s.FEN,
	})
	obslog.L().Info("arena_game_start",
		zap.String("game_id", s.ID),
		zap.String("white", white.User.Username),
		zap.String("black", black.User.Username),
	)
}

// --- rooms ---

func (c *Coordinator) handleCreateRoom(p *Participant, password string) {
	code, ok := c.allocateCode()
	if !ok {
		p.send(protocol.EventRoomError, c.msg("room.code_exhausted"))
		return
	}
	c.rooms[code] = &Room{
		Code:      code,
		Creator:   p,
		Password:  password,
		CreatedAt: c.clock.Now(),
	}
	p.send(protocol.EventRoomCreated, protocol.RoomCreated{RoomID: code, Password: password})
	obslog.L().Info("arena_room_create",
		zap.String("room_id", code),
		zap.String("creator", p.User.Username),
		zap.Bool("private", password != ""),
	)
	c.broadcastPublicRooms()
}

// allocateCode generates a short room code, collision-checked against the
// directory.
func (c *Coordinator) allocateCode() (string, bool) {
	for i := 0; i < 5; i++ {
		code := c.rng.String(c.codeLen, codeAlphabet)
		if _, taken := c.rooms[code]; !taken && code != "" {
			return code, true
		}
	}
	return "", false
}

func (c *Coordinator) handleJoinRoom(p *Participant, code, password string) {
	room, ok := c.rooms[code]
	if !ok {
		p.send(protocol.EventRoomError, c.msg("room.not_found"))
		return
	}
	if room.Creator.ConnID == p.ConnID {
		p.send(protocol.EventRoomError, c.msg("room.self_join"))
		return
	}
	if room.Private() && room.Password != password {
		p.send(protocol.EventRoomError, c.msg("room.wrong_password"))
		return
	}
	delete(c.rooms, code)
	c.createSession(room.Creator, p)
	obslog.L().Info("arena_room_join", zap.String("room_id", code), zap.String("joiner", p.User.Username))
	c.broadcastPublicRooms()
}

// handleCancelRoom deletes a pending room; a no-op when the code is
// unknown. Ownership is not checked: a stray cancel only frees a slot
// nobody has joined yet.
func (c *Coordinator) handleCancelRoom(code string) {
	if _, ok := c.rooms[code]; !ok {
		return
	}
	delete(c.rooms, code)
	obslog.L().Info("arena_room_cancel", zap.String("room_id", code))
	c.broadcastPublicRooms()
}

// publicRooms lists pending rooms without a password, oldest first.
func (c *Coordinator) publicRooms() []protocol.RoomSummary {
	out := make([]protocol.RoomSummary, 0, len(c.rooms))
	pending := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		if !r.Private() {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].Code < pending[j].Code
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	for _, r := range pending {
		out = append(out, protocol.RoomSummary{ID: r.Code, Creator: r.Creator.User.Username, Players: 0})
	}
	return out
}

func (c *Coordinator) broadcastPublicRooms() {
	list := c.publicRooms()
	for _, p := range c.conns {
		p.send(protocol.EventPublicRoomsList, list)
	}
}

// --- move relay ---

func (c *Coordinator) handleMakeMove(p *Participant, pl protocol.MakeMovePayload) {
	s, ok := c.sessions[pl.GameID]
	if !ok || !s.member(p.ConnID) {
		// Stale or foreign event; drop silently.
		return
	}
	if s.colorOf(p.ConnID) != s.Turn {
		p.send(protocol.EventInvalidMove, protocol.InvalidMove{Message: c.msg("move.not_your_turn")})
		return
	}

	newFEN := pl.NewFEN
	outcome := ""
	if c.oracle != nil {
		fen, oc, err := c.oracle.Apply(s.FEN, pl.Move)
		if err != nil {
			p.send(protocol.EventInvalidMove, protocol.InvalidMove{Message: c.msg("move.illegal")})
			return
		}
		newFEN, outcome = fen, oc
	}

	s.History = append(s.History, pl.Move)
	s.FEN = newFEN
	s.Turn = s.Turn.Other()
	s.player(s.Turn).send(protocol.EventOpponentMove, protocol.OpponentMove{Move: pl.Move, NewFEN: newFEN})
	obslog.L().Debug("arena_move", zap.String("game_id", s.ID), zap.String("move", pl.Move))

	if outcome != "" {
		c.endByOutcome(s, outcome)
	}
}

// endByOutcome finishes a session the oracle declared over. Only reachable
// in strict-moves mode.
func (c *Coordinator) endByOutcome(s *Session, outcome string) {
	ended := protocol.GameEnded{Result: ResultDraw}
	if outcome == rules.OutcomeWhite || outcome == rules.OutcomeBlack {
		ended = protocol.GameEnded{Result: ResultCheckmate, Winner: outcome}
	}
	c.endSession(s, ended)
}

// --- lifecycle ---

func (c *Coordinator) handleOfferDraw(p *Participant, gameID string) {
	s, ok := c.sessions[gameID]
	if !ok || !s.member(p.ConnID) {
		return
	}
	s.player(s.colorOf(p.ConnID).Other()).send(protocol.EventDrawOffered, nil)
}

func (c *Coordinator) handleAcceptDraw(gameID string) {
	s, ok := c.sessions[gameID]
	if !ok {
		return
	}
	c.endSession(s, protocol.GameEnded{Result: ResultDraw})
}

func (c *Coordinator) handleResign(p *Participant, gameID string) {
	s, ok := c.sessions[gameID]
	if !ok {
		return
	}
	color := s.colorOf(p.ConnID)
	if color == "" {
		return
	}
	c.endSession(s, protocol.GameEnded{Result: ResultResignation, Winner: string(color.Other())})
}

// endSession notifies both players and removes the session.
func (c *Coordinator) endSession(s *Session, ended protocol.GameEnded) {
	s.White.send(protocol.EventGameEnded, ended)
	s.Black.send(protocol.EventGameEnded, ended)
	delete(c.sessions, s.ID)
	obslog.L().Info("arena_game_end",
		zap.String("game_id", s.ID),
		zap.String("result", ended.Result),
		zap.String("winner", ended.Winner),
	)
}

// handleDisconnect clears every structure the connection might appear in.
// The three scans are independent; none assumes the others found nothing.
func (c *Coordinator) handleDisconnect(p *Participant) {
	delete(c.conns, p.ConnID)
	c.dequeue(p.ConnID)

	roomsChanged := false
	for code, room := range c.rooms {
		if room.Creator.ConnID == p.ConnID {
			delete(c.rooms, code)
			roomsChanged = true
			obslog.L().Info("arena_room_drop", zap.String("room_id", code))
		}
	}
	if roomsChanged {
		c.broadcastPublicRooms()
	}

	for id, s := range c.sessions {
		color := s.colorOf(p.ConnID)
		if color == "" {
			continue
		}
		s.player(color.Other()).send(protocol.EventOpponentDisconnected, nil)
		delete(c.sessions, id)
		obslog.L().Info("arena_game_abandon", zap.String("game_id", id), zap.String("left", p.User.Username))
	}
}

// msg resolves a user-facing string from the catalog, falling back to
// built-in English text.
func (c *Coordinator) msg(key string) string {
	if c.cat != nil {
		if s, err := c.cat.Render(key, nil); err == nil {
			return s
		}
	}
	if s, ok := fallbackMessages[key]; ok {
		return s
	}
	return key
}

var fallbackMessages = map[string]string{
	"room.not_found":      "Room not found",
	"room.self_join":      "You cannot join your own room",
	"room.wrong_password": "Incorrect password",
	"room.code_exhausted": "Could not allocate a room code, try again",
	"move.not_your_turn":  "It is not your turn",
	"move.illegal":        "Illegal move",
}

func decode(env protocol.Envelope, out any) bool {
	if err := jsonUnmarshal(env.Payload, out); err != nil {
		obslog.L().Warn("arena_bad_payload", zap.String("event", env.Event), zap.Error(err))
		return false
	}
	return true
}
