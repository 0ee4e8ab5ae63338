// arena-bot is a headless client for exercising a running server: it
// registers (or reuses) an account, logs in, joins the matchmaking queue
// and plays random legal moves until the game ends, then queues again.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cimsi/chess-arena/internal/rules"
	"github.com/cimsi/chess-arena/pkg/apiclient"
	"github.com/cimsi/chess-arena/pkg/protocol"
)

type botState struct {
	mu     sync.Mutex
	gameID string
	color  string
	fen    string
}

func main() {
	baseURL := envOr("SERVER_URL", "http://localhost:3000")
	wsURL := envOr("SERVER_WS_URL", strings.Replace(baseURL, "http", "ws", 1)+"/ws")
	username := envOr("BOT_USERNAME", fmt.Sprintf("bot-%d", time.Now().UnixNano()%1_000_000))
	password := envOr("BOT_PASSWORD", "bot-password")
	moveDelay := 500 * time.Millisecond
	if v := strings.TrimSpace(os.Getenv("BOT_MOVE_DELAY")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			moveDelay = d
		}
	}

	ctx := context.Background()
	api := apiclient.New(baseURL, apiclient.WithRetry(3))

	if _, err := api.Register(ctx, username, username+"@bots.local", password); err != nil {
		// An existing account is fine; anything else is not.
		var apiErr *apiclient.APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 400 {
			log.Fatalf("register error: %v", err)
		}
	}
	login, err := api.Login(ctx, username, password)
	if err != nil {
		log.Fatalf("login error: %v", err)
	}
	log.Printf("logged in as %s (id=%d)", login.User.Username, login.User.ID)

	oracle := rules.NewOracle()
	state := &botState{}

	sock := apiclient.NewSocket(wsURL, login.Token, 5)
	sock.OnStateChange(func(s apiclient.SocketState) {
		log.Printf("socket state: %s", s)
	})
	sock.OnFrame(func(env *protocol.Envelope) {
		handleFrame(ctx, sock, oracle, state, env, moveDelay)
	})

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := sock.Connect(cctx); err != nil {
		cancel()
		log.Fatalf("socket connect error: %v", err)
	}
	cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	_ = sock.Close(context.Background())
	_ = api.Logout(ctx, login.Token)
}

func handleFrame(ctx context.Context, sock *apiclient.Socket, oracle *rules.Oracle, state *botState, env *protocol.Envelope, moveDelay time.Duration) {
	switch env.Event {
	case protocol.EventAuthOK:
		queue(ctx, sock)
	case protocol.EventGameStart:
		var pl protocol.GameStart
		if err := json.Unmarshal(env.Payload, &pl); err != nil {
			return
		}
		state.mu.Lock()
		state.gameID, state.color, state.fen = pl.GameID, pl.Color, pl.FEN
		state.mu.Unlock()
		log.Printf("game %s started as %s vs %s", pl.GameID, pl.Color, pl.Opponent.Username)
		if pl.Color == "white" {
			go playMove(ctx, sock, oracle, state, moveDelay)
		}
	case protocol.EventOpponentMove:
		var pl protocol.OpponentMove
		if err := json.Unmarshal(env.Payload, &pl); err != nil {
			return
		}
		state.mu.Lock()
		state.fen = pl.NewFEN
		state.mu.Unlock()
		go playMove(ctx, sock, oracle, state, moveDelay)
	case protocol.EventDrawOffered:
		state.mu.Lock()
		gameID := state.gameID
		state.mu.Unlock()
		_ = sock.Emit(ctx, protocol.EventAcceptDraw, protocol.GamePayload{GameID: gameID})
	case protocol.EventGameEnded, protocol.EventOpponentDisconnected:
		state.mu.Lock()
		state.gameID = ""
		state.mu.Unlock()
		log.Printf("game over (%s), requeueing", env.Event)
		queue(ctx, sock)
	case protocol.EventInvalidMove:
		log.Printf("move rejected: %s", string(env.Payload))
	}
}

func queue(ctx context.Context, sock *apiclient.Socket) {
	if err := sock.Emit(ctx, protocol.EventFindGame, nil); err != nil {
		log.Printf("find-game error: %v", err)
	}
}

func playMove(ctx context.Context, sock *apiclient.Socket, oracle *rules.Oracle, state *botState, delay time.Duration) {
	time.Sleep(delay)

	state.mu.Lock()
	gameID, fen := state.gameID, state.fen
	state.mu.Unlock()
	if gameID == "" {
		return
	}

	moves, err := oracle.LegalMoves(fen)
	if err != nil || len(moves) == 0 {
		return
	}
	mv := moves[pick(len(moves))]
	newFEN, _, err := oracle.Apply(fen, mv)
	if err != nil {
		log.Printf("apply %s: %v", mv, err)
		return
	}

	state.mu.Lock()
	state.fen = newFEN
	state.mu.Unlock()
	if err := sock.Emit(ctx, protocol.EventMakeMove, protocol.MakeMovePayload{GameID: gameID, Move: mv, NewFEN: newFEN}); err != nil {
		log.Printf("make-move error: %v", err)
	}
}

func pick(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
