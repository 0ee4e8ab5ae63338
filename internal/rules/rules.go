// Package rules wraps the external chess library behind the small surface
// the coordinator needs. By default the server trusts client positions and
// never calls into here; the strict-moves mode is opt-in.
package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// StartingFEN is the standard initial position.
const StartingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Outcome tokens returned by Apply.
const (
	OutcomeNone  = ""
	OutcomeWhite = "white"
	OutcomeBlack = "black"
	OutcomeDraw  = "draw"
)

// Oracle validates moves against a position using the chess library.
type Oracle struct{}

func NewOracle() *Oracle { return &Oracle{} }

// Apply plays move (UCI preferred, SAN fallback) on the position given by
// fen. It returns the resulting FEN and a terminal outcome token, or an
// error when the move is not legal in that position.
func (o *Oracle) Apply(fen, move string) (string, string, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" {
		fen = StartingFEN
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return "", "", fmt.Errorf("bad position: %w", err)
	}
	game := nchess.NewGame(opt)
	pos := game.Position()

	raw := strings.TrimSpace(move)
	if raw == "" {
		return "", "", fmt.Errorf("empty move")
	}
	uci := strings.ToLower(raw)
	if mv, derr := (nchess.UCINotation{}).Decode(pos, uci); derr == nil {
		if err := game.Move(mv, nil); err != nil {
			return "", "", fmt.Errorf("illegal move %q: %w", raw, err)
		}
	} else if err := game.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); err != nil {
		return "", "", fmt.Errorf("illegal move %q: %w", raw, err)
	}

	outcome := OutcomeNone
	switch game.Outcome() {
	case nchess.WhiteWon:
		outcome = OutcomeWhite
	case nchess.BlackWon:
		outcome = OutcomeBlack
	case nchess.Draw:
		outcome = OutcomeDraw
	}
	return game.FEN(), outcome, nil
}

// LegalMoves lists the moves available in the position given by fen, in
// UCI notation. Used by bots picking a move to play.
func (o *Oracle) LegalMoves(fen string) ([]string, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" {
		fen = StartingFEN
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("bad position: %w", err)
	}
	game := nchess.NewGame(opt)
	valid := game.ValidMoves()
	out := make([]string, 0, len(valid))
	for _, mv := range valid {
		out = append(out, mv.String())
	}
	return out, nil
}
