package protocol

import "encoding/json"

// Envelope is the generic frame exchanged over the realtime channel.
// Event selects the action; Payload is decoded per event.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client → server events.
const (
	EventAuth           = "auth"
	EventFindGame       = "find-game"
	EventCancelSearch   = "cancel-search"
	EventCreateRoom     = "create-room"
	EventGetPublicRooms = "get-public-rooms"
	EventJoinRoom       = "join-room"
	EventCancelRoom     = "cancel-room"
	EventMakeMove       = "make-move"
	EventOfferDraw      = "offer-draw"
	EventAcceptDraw     = "accept-draw"
	EventResign         = "resign"
)

// Server → client events.
const (
	EventAuthOK               = "auth-ok"
	EventAuthError            = "auth-error"
	EventWaitingOpponent      = "waiting-opponent"
	EventGameStart            = "game-start"
	EventOpponentMove         = "opponent-move"
	EventOpponentDisconnected = "opponent-disconnected"
	EventRoomCreated          = "room-created"
	EventRoomError            = "room-error"
	EventInvalidMove          = "invalid-move"
	EventPublicRoomsList      = "public-rooms-list"
	EventDrawOffered          = "draw-offered"
	EventGameEnded            = "game-ended"
)

// UserData identifies a player on the wire.
type UserData struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type AuthOK struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

type CreateRoomPayload struct {
	UserData UserData `json:"userData"`
	Password string   `json:"password,omitempty"`
}

type JoinRoomPayload struct {
	RoomID   string   `json:"roomId"`
	Password string   `json:"password,omitempty"`
	UserData UserData `json:"userData"`
}

type CancelRoomPayload struct {
	RoomID string `json:"roomId"`
}

type MakeMovePayload struct {
	GameID string `json:"gameId"`
	Move   string `json:"move"`
	NewFEN string `json:"newFen"`
}

// GamePayload covers the events that carry only a game id.
type GamePayload struct {
	GameID string `json:"gameId"`
}

type GameStart struct {
	GameID   string   `json:"gameId"`
	Color    string   `json:"color"`
	Opponent UserData `json:"opponent"`
	FEN      string   `json:"fen"`
}

type OpponentMove struct {
	Move   string `json:"move"`
	NewFEN string `json:"newFen"`
}

type RoomCreated struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password,omitempty"`
}

// RoomSummary is one entry of public-rooms-list.
type RoomSummary struct {
	ID      string `json:"id"`
	Creator string `json:"creator"`
	Players int    `json:"players"`
}

type InvalidMove struct {
	Message string `json:"message"`
}

// ErrorMessage is the generic failure payload (auth-error and friends).
type ErrorMessage struct {
	Message string `json:"message"`
}

type GameEnded struct {
	Result string `json:"result"`
	Winner string `json:"winner,omitempty"`
}

// Encode wraps an event and its payload into an Envelope. Marshal failures
// are programming errors on our own types, so they degrade to an empty
// payload rather than propagating.
func Encode(event string, payload any) Envelope {
	if payload == nil {
		return Envelope{Event: event}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{Event: event}
	}
	return Envelope{Event: event, Payload: raw}
}
