package arena

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/cimsi/chess-arena/internal/rules"
	"github.com/cimsi/chess-arena/pkg/protocol"
)

// fakeSender records every frame delivered to one participant.
type fakeSender struct {
	frames []protocol.Envelope
}

func (f *fakeSender) Send(env protocol.Envelope) { f.frames = append(f.frames, env) }

func (f *fakeSender) byEvent(event string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, e := range f.frames {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSender) lastOf(t *testing.T, event string, out any) {
	t.Helper()
	frames := f.byEvent(event)
	if len(frames) == 0 {
		t.Fatalf("no %s frame delivered", event)
	}
	raw := frames[len(frames)-1].Payload
	if out == nil {
		return
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode %s payload: %v", event, err)
	}
}

// fixedRandom makes color assignment and room codes deterministic.
type fixedRandom struct {
	intn  int
	codes []string
}

func (r *fixedRandom) Intn(int) int { return r.intn }

func (r *fixedRandom) String(length int, alphabet string) string {
	if len(r.codes) == 0 {
		return "ZZZZZZ"
	}
	c := r.codes[0]
	r.codes = r.codes[1:]
	return c
}

func newTestCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	if opts.Random == nil {
		opts.Random = &fixedRandom{intn: 1, codes: []string{"AAAAAA", "BBBBBB", "CCCCCC"}}
	}
	return New(opts)
}

func newPlayer(id int64, name string) (*Participant, *fakeSender) {
	out := &fakeSender{}
	return &Participant{
		ConnID: fmt.Sprintf("conn-%d", id),
		User:   protocol.UserData{ID: id, Username: name},
		Out:    out,
	}, out
}

func attach(c *Coordinator, p *Participant) { c.process(event{kind: evAttach, p: p}) }

func detach(c *Coordinator, p *Participant) { c.process(event{kind: evDetach, p: p}) }

func dispatch(c *Coordinator, p *Participant, eventName string, payload any) {
	c.process(event{kind: evFrame, p: p, env: protocol.Encode(eventName, payload)})
}

func startGame(t *testing.T, c *Coordinator) (white, black *Participant, wOut, bOut *fakeSender, gameID string) {
	t.Helper()
	a, aOut := newPlayer(1, "ana")
	b, bOut := newPlayer(2, "bruno")
	attach(c, a)
	attach(c, b)
	dispatch(c, a, protocol.EventFindGame, nil)
	dispatch(c, b, protocol.EventFindGame, nil)

	var started protocol.GameStart
	aOut.lastOf(t, protocol.EventGameStart, &started)
	if started.Color == string(White) {
		return a, b, aOut, bOut, started.GameID
	}
	return b, a, bOut, aOut, started.GameID
}

func TestFindGameQueuesThenMatchesFIFO(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	a, aOut := newPlayer(1, "ana")
	b, bOut := newPlayer(2, "bruno")
	d, dOut := newPlayer(3, "carla")
	e, eOut := newPlayer(4, "diego")
	for _, p := range []*Participant{a, b, d, e} {
		attach(c, p)
	}

	dispatch(c, a, protocol.EventFindGame, nil)
	if len(aOut.byEvent(protocol.EventWaitingOpponent)) != 1 {
		t.Fatalf("first seeker should be told to wait")
	}
	dispatch(c, d, protocol.EventFindGame, nil)
	if len(dOut.byEvent(protocol.EventWaitingOpponent)) != 0 {
		t.Fatalf("second seeker should be matched, not queued")
	}

	// A arrived first, so D must be paired with A.
	var aStart, dStart protocol.GameStart
	aOut.lastOf(t, protocol.EventGameStart, &aStart)
	dOut.lastOf(t, protocol.EventGameStart, &dStart)
	if aStart.GameID != dStart.GameID {
		t.Fatalf("A and D should share a game: %s vs %s", aStart.GameID, dStart.GameID)
	}
	if aStart.Opponent.Username != "carla" || dStart.Opponent.Username != "ana" {
		t.Fatalf("unexpected pairing: %q / %q", aStart.Opponent.Username, dStart.Opponent.Username)
	}
	if aStart.Color == dStart.Color {
		t.Fatalf("colors must be complementary, both got %s", aStart.Color)
	}
	if aStart.FEN != rules.StartingFEN || dStart.FEN != aStart.FEN {
		t.Fatalf("both players must see the starting position")
	}
	if len(c.sessions) != 1 {
		t.Fatalf("expected exactly one session, have %d", len(c.sessions))
	}

	// Next pair: B then E.
	dispatch(c, b, protocol.EventFindGame, nil)
	dispatch(c, e, protocol.EventFindGame, nil)
	var bStart protocol.GameStart
	bOut.lastOf(t, protocol.EventGameStart, &bStart)
	eOut.lastOf(t, protocol.EventGameStart, &bStart)
	if bStart.Opponent.Username != "bruno" {
		t.Fatalf("E should be paired with B, got opponent %q", bStart.Opponent.Username)
	}
	if len(c.queue) != 0 {
		t.Fatalf("queue should be drained, have %d", len(c.queue))
	}
}

func TestFindGameRepeatWhileQueued(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	a, aOut := newPlayer(1, "ana")
	attach(c, a)
	dispatch(c, a, protocol.EventFindGame, nil)
	dispatch(c, a, protocol.EventFindGame, nil)
	if len(c.queue) != 1 {
		t.Fatalf("participant must appear in the queue at most once, have %d entries", len(c.queue))
	}
	if got := len(aOut.byEvent(protocol.EventWaitingOpponent)); got != 2 {
		t.Fatalf("expected waiting notice restated, got %d", got)
	}
	if len(c.sessions) != 0 {
		t.Fatalf("repeat find-game must never self-match")
	}
}

func TestCancelSearchIdempotent(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	a, _ := newPlayer(1, "ana")
	attach(c, a)
	dispatch(c, a, protocol.EventCancelSearch, nil) // not queued: no-op
	dispatch(c, a, protocol.EventFindGame, nil)
	dispatch(c, a, protocol.EventCancelSearch, nil)
	dispatch(c, a, protocol.EventCancelSearch, nil)
	if len(c.queue) != 0 {
		t.Fatalf("cancel-search should empty the queue")
	}
}

func TestColorAssignmentRoughlyUniform(t *testing.T) {
	c := New(Options{}) // real crypto randomness
	whites := 0
	const trials = 200
	for i := 0; i < trials; i++ {
		a, aOut := newPlayer(int64(2*i+1), "first")
		b, _ := newPlayer(int64(2*i+2), "second")
		attach(c, a)
		attach(c, b)
		c.createSession(a, b)
		var started protocol.GameStart
		aOut.lastOf(t, protocol.EventGameStart, &started)
		if started.Color == string(White) {
			whites++
		}
		detach(c, a)
		detach(c, b)
	}
	if whites < 60 || whites > 140 {
		t.Fatalf("color assignment looks biased: %d/%d white for first player", whites, trials)
	}
}

func TestCreateRoomAndPublicListing(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	a, aOut := newPlayer(1, "ana")
	b, bOut := newPlayer(2, "bruno")
	attach(c, a)
	attach(c, b)

	dispatch(c, a, protocol.EventCreateRoom, protocol.CreateRoomPayload{UserData: a.User})
	var created protocol.RoomCreated
	aOut.lastOf(t, protocol.EventRoomCreated, &created)
	if created.RoomID != "AAAAAA" || created.Password != "" {
		t.Fatalf("unexpected room-created payload: %+v", created)
	}

	dispatch(c, b, protocol.EventCreateRoom, protocol.CreateRoomPayload{UserData: b.User, Password: "secret"})
	var private protocol.RoomCreated
	bOut.lastOf(t, protocol.EventRoomCreated, &private)
	if private.Password != "secret" {
		t.Fatalf("room-created must echo the password back to the creator")
	}

	dispatch(c, b, protocol.EventGetPublicRooms, nil)
	var list []protocol.RoomSummary
	bOut.lastOf(t, protocol.EventPublicRoomsList, &list)
	if len(list) != 1 || list[0].ID != "AAAAAA" || list[0].Creator != "ana" {
		t.Fatalf("public listing must contain only the passwordless room: %+v", list)
	}

	// Room changes are also pushed to every connection.
	if len(aOut.byEvent(protocol.EventPublicRoomsList)) == 0 {
		t.Fatalf("create-room should broadcast the public listing")
	}
}

func TestJoinRoomFailuresMutateNothing(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	a, _ := newPlayer(1, "ana")
	b, bOut := newPlayer(2, "bruno")
	attach(c, a)
	attach(c, b)
	dispatch(c, a, protocol.EventCreateRoom, protocol.CreateRoomPayload{UserData: a.User, Password: "pw"})

	cases := []struct {
		name string
		p    *Participant
		out  *fakeSender
		pl   protocol.JoinRoomPayload
		msg  string
	}{
		{"unknown code", b, bOut, protocol.JoinRoomPayload{RoomID: "NOPE", Password: "pw"}, "Room not found"},
		{"self join", a, nil, protocol.JoinRoomPayload{RoomID: "AAAAAA", Password: "pw"}, "You cannot join your own room"},
		{"wrong password", b, bOut, protocol.JoinRoomPayload{RoomID: "AAAAAA", Password: "bad"}, "Incorrect password"},
	}
	for _, tc := range cases {
		dispatch(c, tc.p, protocol.EventJoinRoom, tc.pl)
		if len(c.rooms) != 1 || len(c.sessions) != 0 {
			t.Fatalf("%s: failed join must not mutate directory or sessions", tc.name)
		}
	}

	var msg string
	bOut.lastOf(t, protocol.EventRoomError, &msg)
	if msg != "Incorrect password" {
		t.Fatalf("expected wrong-password error, got %q", msg)
	}
}

func TestJoinRoomCreatesSessionOnce(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	a, _ := newPlayer(1, "ana")
	b, bOut := newPlayer(2, "bruno")
	d, dOut := newPlayer(3, "carla")
	attach(c, a)
	attach(c, b)
	attach(c, d)
	dispatch(c, a, protocol.EventCreateRoom, protocol.CreateRoomPayload{UserData: a.User})

	dispatch(c, b, protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomID: "AAAAAA", UserData: b.User})
	var started protocol.GameStart
	bOut.lastOf(t, protocol.EventGameStart, &started)
	if started.Opponent.Username != "ana" {
		t.Fatalf("joiner should face the creator, got %q", started.Opponent.Username)
	}
	if len(c.rooms) != 0 || len(c.sessions) != 1 {
		t.Fatalf("join must convert the room into a session")
	}

	// The slot is gone: a second join attempt hits RoomNotFound.
	dispatch(c, d, protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomID: "AAAAAA", UserData: d.User})
	var msg string
	dOut.lastOf(t, protocol.EventRoomError, &msg)
	if msg != "Room not found" {
		t.Fatalf("second join should fail with room not found, got %q", msg)
	}

	// Listing no longer shows the consumed room.
	dispatch(c, d, protocol.EventGetPublicRooms, nil)
	var list []protocol.RoomSummary
	dOut.lastOf(t, protocol.EventPublicRoomsList, &list)
	if len(list) != 0 {
		t.Fatalf("consumed room must disappear from listings: %+v", list)
	}
}

func TestCancelRoomIdempotent(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	a, _ := newPlayer(1, "ana")
	attach(c, a)
	dispatch(c, a, protocol.EventCreateRoom, protocol.CreateRoomPayload{UserData: a.User})
	dispatch(c, a, protocol.EventCancelRoom, protocol.CancelRoomPayload{RoomID: "AAAAAA"})
	if len(c.rooms) != 0 {
		t.Fatalf("cancel-room should delete the room")
	}
	dispatch(c, a, protocol.EventCancelRoom, protocol.CancelRoomPayload{RoomID: "AAAAAA"}) // no-op
}

func TestMakeMoveRelayAndTurnViolation(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	white, black, wOut, bOut, gameID := startGame(t, c)

	dispatch(c, white, protocol.EventMakeMove, protocol.MakeMovePayload{GameID: gameID, Move: "e4", NewFEN: "fen-after-e4"})
	var relayed protocol.OpponentMove
	bOut.lastOf(t, protocol.EventOpponentMove, &relayed)
	if relayed.Move != "e4" || relayed.NewFEN != "fen-after-e4" {
		t.Fatalf("unexpected relay: %+v", relayed)
	}
	if len(wOut.byEvent(protocol.EventOpponentMove)) != 0 {
		t.Fatalf("moves must not echo back to the submitter")
	}
	s := c.sessions[gameID]
	if s.Turn != Black || s.FEN != "fen-after-e4" || len(s.History) != 1 {
		t.Fatalf("session not updated: turn=%s fen=%s history=%d", s.Turn, s.FEN, len(s.History))
	}

	// White again, out of turn.
	dispatch(c, white, protocol.EventMakeMove, protocol.MakeMovePayload{GameID: gameID, Move: "d4", NewFEN: "fen-x"})
	var inv protocol.InvalidMove
	wOut.lastOf(t, protocol.EventInvalidMove, &inv)
	if inv.Message != "It is not your turn" {
		t.Fatalf("unexpected violation message: %q", inv.Message)
	}
	if len(s.History) != 1 || s.FEN != "fen-after-e4" {
		t.Fatalf("rejected move must not change session state")
	}
	if len(bOut.byEvent(protocol.EventOpponentMove)) != 1 {
		t.Fatalf("rejected move must not reach the opponent")
	}
	_ = black
}

func TestMakeMoveUnknownSessionIsNoop(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	a, aOut := newPlayer(1, "ana")
	attach(c, a)
	dispatch(c, a, protocol.EventMakeMove, protocol.MakeMovePayload{GameID: "missing", Move: "e4"})
	if len(aOut.frames) != 0 {
		t.Fatalf("stale move must be dropped silently, got %+v", aOut.frames)
	}
}

func TestDrawOfferAndAccept(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	white, black, wOut, bOut, gameID := startGame(t, c)

	dispatch(c, white, protocol.EventOfferDraw, protocol.GamePayload{GameID: gameID})
	if len(bOut.byEvent(protocol.EventDrawOffered)) != 1 {
		t.Fatalf("draw offer must be forwarded to the opponent")
	}
	if len(c.sessions) != 1 {
		t.Fatalf("a draw offer alone must not end the session")
	}

	dispatch(c, black, protocol.EventAcceptDraw, protocol.GamePayload{GameID: gameID})
	var wEnd, bEnd protocol.GameEnded
	wOut.lastOf(t, protocol.EventGameEnded, &wEnd)
	bOut.lastOf(t, protocol.EventGameEnded, &bEnd)
	if wEnd.Result != ResultDraw || bEnd.Result != ResultDraw {
		t.Fatalf("both players must see the draw: %+v %+v", wEnd, bEnd)
	}
	if len(c.sessions) != 0 {
		t.Fatalf("accepted draw must remove the session")
	}
}

func TestResignAwardsOpponent(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	white, _, wOut, bOut, gameID := startGame(t, c)

	dispatch(c, white, protocol.EventResign, protocol.GamePayload{GameID: gameID})
	var ended protocol.GameEnded
	wOut.lastOf(t, protocol.EventGameEnded, &ended)
	if ended.Result != ResultResignation || ended.Winner != string(Black) {
		t.Fatalf("white resigning must award black: %+v", ended)
	}
	bOut.lastOf(t, protocol.EventGameEnded, &ended)
	if ended.Winner != string(Black) {
		t.Fatalf("opponent must see the same result: %+v", ended)
	}
	if len(c.sessions) != 0 {
		t.Fatalf("resignation must remove the session")
	}

	// Late events against the dead session are no-ops.
	dispatch(c, white, protocol.EventResign, protocol.GamePayload{GameID: gameID})
}

func TestDisconnectClearsEverything(t *testing.T) {
	c := newTestCoordinator(t, Options{})

	// Queued participant.
	q, _ := newPlayer(10, "queued")
	attach(c, q)
	dispatch(c, q, protocol.EventFindGame, nil)
	detach(c, q)
	if len(c.queue) != 0 {
		t.Fatalf("disconnect must clear the queue entry")
	}

	// Room creator.
	r, _ := newPlayer(11, "creator")
	watcher, watcherOut := newPlayer(12, "watcher")
	attach(c, r)
	attach(c, watcher)
	dispatch(c, r, protocol.EventCreateRoom, protocol.CreateRoomPayload{UserData: r.User})
	detach(c, r)
	if len(c.rooms) != 0 {
		t.Fatalf("disconnect must delete the creator's room")
	}
	var list []protocol.RoomSummary
	watcherOut.lastOf(t, protocol.EventPublicRoomsList, &list)
	if len(list) != 0 {
		t.Fatalf("room removal must be broadcast, got %+v", list)
	}

	// Mid-session.
	white, black, _, bOut, gameID := startGame(t, c)
	detach(c, white)
	if got := len(bOut.byEvent(protocol.EventOpponentDisconnected)); got != 1 {
		t.Fatalf("expected exactly one opponent-disconnected, got %d", got)
	}
	if len(c.sessions) != 0 {
		t.Fatalf("disconnect must remove the session")
	}
	before := len(bOut.frames)
	dispatch(c, black, protocol.EventMakeMove, protocol.MakeMovePayload{GameID: gameID, Move: "e5", NewFEN: "x"})
	if len(bOut.frames) != before {
		t.Fatalf("moves against a dead session must be no-ops")
	}
}

// stubOracle scripts strict-mode validation.
type stubOracle struct {
	fen     string
	outcome string
	err     error
}

func (o *stubOracle) Apply(string, string) (string, string, error) {
	return o.fen, o.outcome, o.err
}

func TestStrictMovesRejectsIllegal(t *testing.T) {
	oracle := &stubOracle{err: fmt.Errorf("illegal")}
	c := newTestCoordinator(t, Options{Oracle: oracle})
	white, _, wOut, bOut, gameID := startGame(t, c)

	dispatch(c, white, protocol.EventMakeMove, protocol.MakeMovePayload{GameID: gameID, Move: "e9", NewFEN: "forged"})
	var inv protocol.InvalidMove
	wOut.lastOf(t, protocol.EventInvalidMove, &inv)
	if inv.Message != "Illegal move" {
		t.Fatalf("unexpected message: %q", inv.Message)
	}
	if len(bOut.byEvent(protocol.EventOpponentMove)) != 0 {
		t.Fatalf("illegal move must not reach the opponent")
	}
	if c.sessions[gameID].FEN != rules.StartingFEN {
		t.Fatalf("illegal move must not change the position")
	}
}

func TestStrictMovesUsesOracleFENAndOutcome(t *testing.T) {
	oracle := &stubOracle{fen: "oracle-fen", outcome: rules.OutcomeWhite}
	c := newTestCoordinator(t, Options{Oracle: oracle})
	white, _, wOut, bOut, gameID := startGame(t, c)

	dispatch(c, white, protocol.EventMakeMove, protocol.MakeMovePayload{GameID: gameID, Move: "Qh5#", NewFEN: "client-fen"})
	var relayed protocol.OpponentMove
	bOut.lastOf(t, protocol.EventOpponentMove, &relayed)
	if relayed.NewFEN != "oracle-fen" {
		t.Fatalf("strict mode must forward the oracle position, got %q", relayed.NewFEN)
	}
	var ended protocol.GameEnded
	wOut.lastOf(t, protocol.EventGameEnded, &ended)
	if ended.Result != ResultCheckmate || ended.Winner != string(White) {
		t.Fatalf("oracle outcome must end the game: %+v", ended)
	}
	if len(c.sessions) != 0 {
		t.Fatalf("finished game must be removed")
	}
}

// chanSender lets tests observe deliveries from the Serve goroutine.
type chanSender struct {
	ch chan protocol.Envelope
}

func (s *chanSender) Send(env protocol.Envelope) { s.ch <- env }

func (s *chanSender) wait(t *testing.T, eventName string) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-s.ch:
			if env.Event == eventName {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventName)
		}
	}
}

func TestServeProcessesDispatchedEvents(t *testing.T) {
	c := newTestCoordinator(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = c.Serve(ctx)
		close(done)
	}()

	aCh := &chanSender{ch: make(chan protocol.Envelope, 16)}
	bCh := &chanSender{ch: make(chan protocol.Envelope, 16)}
	a := &Participant{ConnID: "conn-a", User: protocol.UserData{ID: 1, Username: "ana"}, Out: aCh}
	b := &Participant{ConnID: "conn-b", User: protocol.UserData{ID: 2, Username: "bruno"}, Out: bCh}
	c.Attach(a)
	c.Attach(b)
	c.Dispatch(a, protocol.Encode(protocol.EventFindGame, nil))
	aCh.wait(t, protocol.EventWaitingOpponent)
	c.Dispatch(b, protocol.Encode(protocol.EventFindGame, nil))
	aCh.wait(t, protocol.EventGameStart)
	bCh.wait(t, protocol.EventGameStart)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not stop on context cancellation")
	}
}
