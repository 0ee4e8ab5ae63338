package arena

import (
	"time"

	"github.com/cimsi/chess-arena/pkg/protocol"
)

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

// Sender delivers one frame to a single client. Delivery is
// fire-and-forget; implementations must never block the caller.
type Sender interface {
	Send(env protocol.Envelope)
}

// Participant is one live authenticated connection. Created after the
// realtime handshake, never persisted.
type Participant struct {
	ConnID string
	User   protocol.UserData
	Out    Sender
}

func (p *Participant) send(event string, payload any) {
	if p == nil || p.Out == nil {
		return
	}
	p.Out.Send(protocol.Encode(event, payload))
}

// Room is a pending two-player slot awaiting its joiner. The password is
// a casual shared secret, compared in plaintext.
type Room struct {
	Code      string
	Creator   *Participant
	Password  string
	CreatedAt time.Time
}

func (r *Room) Private() bool { return r.Password != "" }

// Session is one in-progress game between exactly two participants.
type Session struct {
	ID      string
	White   *Participant
	Black   *Participant
	FEN     string
	Turn    Color
	History []string
}

// colorOf returns the side played by the given connection, or "" when the
// connection is not a member of the session.
func (s *Session) colorOf(connID string) Color {
	switch connID {
	case s.White.ConnID:
		return White
	case s.Black.ConnID:
		return Black
	default:
		return ""
	}
}

func (s *Session) player(c Color) *Participant {
	if c == White {
		return s.White
	}
	return s.Black
}

func (s *Session) member(connID string) bool { return s.colorOf(connID) != "" }

// Game-ended result tokens on the wire.
const (
	ResultDraw        = "draw"
	ResultResignation = "resignation"
	ResultCheckmate   = "checkmate"
)

// Clock abstracts time for room timestamps so tests can pin it.
type Clock interface {
	Now() time.Time
}

// Random abstracts randomness for color assignment and room codes.
type Random interface {
	// Intn returns a random int in [0, n).
	Intn(n int) int
	// String returns a random string of length characters from alphabet.
	String(length int, alphabet string) string
}

// RuleOracle validates a submitted move against the current position.
// Apply returns the resulting FEN and a terminal outcome token ("white",
// "black", "draw", or "" while the game continues).
type RuleOracle interface {
	Apply(fen, move string) (string, string, error)
}
