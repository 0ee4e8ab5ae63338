// Package httpapi exposes the REST auth endpoints and the realtime
// websocket upgrade.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/cimsi/chess-arena/internal/arena"
	"github.com/cimsi/chess-arena/internal/auth"
	"github.com/cimsi/chess-arena/internal/obslog"
	"github.com/cimsi/chess-arena/internal/ws"
	"github.com/cimsi/chess-arena/pkg/protocol"
)

// AuthService is what the HTTP layer needs from the auth module.
type AuthService interface {
	Register(ctx context.Context, username, email, password string) (int64, error)
	Login(ctx context.Context, username, password string) (string, *auth.User, error)
	Logout(ctx context.Context, token string) error
	Verify(ctx context.Context, token string) (*auth.Identity, error)
}

type Server struct {
	auth       AuthService
	coord      *arena.Coordinator
	origins    []string
	sendBuffer int
}

func NewServer(authSvc AuthService, coord *arena.Coordinator, origins []string, sendBuffer int) *Server {
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	return &Server{auth: authSvc, coord: coord, origins: origins, sendBuffer: sendBuffer}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoveryMiddleware, loggingMiddleware)
	r.HandleFunc("/api/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleSocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.auth.Register(r.Context(), req.Username, req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusBadRequest, "username or email already registered")
	case errors.Is(err, auth.ErrMissingFields):
		writeError(w, http.StatusBadRequest, "username, email and password are required")
	case err != nil:
		obslog.L().Error("register_error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusCreated, map[string]any{"userId": id})
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, user, err := s.auth.Login(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid username or password")
	case err != nil:
		obslog.L().Error("login_error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"token": token,
			"user":  userResponse{ID: user.ID, Username: user.Username, Email: user.Email},
		})
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if err := s.auth.Logout(r.Context(), token); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSocket upgrades the connection and runs its read loop. The first
// frame must be an auth event carrying a valid token; everything after it
// is dispatched to the coordinator.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.origins,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}
	ctx := r.Context()
	peer := ws.NewPeer(conn, s.sendBuffer)

	ident, err := s.authenticate(ctx, peer)
	if err != nil {
		_ = wsWriteDirect(ctx, peer, protocol.Encode(protocol.EventAuthError, protocol.ErrorMessage{Message: err.Error()}))
		peer.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	part := &arena.Participant{
		ConnID: uuid.NewString(),
		User:   protocol.UserData{ID: ident.UserID, Username: ident.Username},
		Out:    peer,
	}
	s.coord.Attach(part)
	go peer.WritePump(ctx)
	peer.Send(protocol.Encode(protocol.EventAuthOK, protocol.AuthOK{UserID: ident.UserID, Username: ident.Username}))
	obslog.L().Info("ws_connected", zap.String("conn_id", part.ConnID), zap.String("username", ident.Username))

	for {
		var env protocol.Envelope
		if err := peer.Read(ctx, &env); err != nil {
			break
		}
		if env.Event == protocol.EventAuth {
			continue // already authenticated
		}
		s.coord.Dispatch(part, env)
	}

	s.coord.Detach(part)
	peer.Close(websocket.StatusNormalClosure, "closing")
	obslog.L().Info("ws_disconnected", zap.String("conn_id", part.ConnID))
}

// authDeadline bounds how long a client may take to present its token.
const authDeadline = 5 * time.Second

func (s *Server) authenticate(ctx context.Context, peer *ws.Peer) (*auth.Identity, error) {
	actx, cancel := context.WithTimeout(ctx, authDeadline)
	defer cancel()
	var env protocol.Envelope
	if err := peer.Read(actx, &env); err != nil {
		return nil, errors.New("authentication frame not received")
	}
	if env.Event != protocol.EventAuth {
		return nil, errors.New("first frame must be auth")
	}
	var pl protocol.AuthPayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil || strings.TrimSpace(pl.Token) == "" {
		return nil, errors.New("auth token missing")
	}
	ident, err := s.auth.Verify(ctx, pl.Token)
	if err != nil {
		return nil, errors.New("invalid or expired token")
	}
	return ident, nil
}

// wsWriteDirect pushes one frame before the write pump exists (handshake
// failures only).
func wsWriteDirect(ctx context.Context, peer *ws.Peer, env protocol.Envelope) error {
	return peer.WriteNow(ctx, env)
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
