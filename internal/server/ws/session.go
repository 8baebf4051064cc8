// Package ws carries the realtime side of the server: upgrading market
// connections, pumping frames between the socket and the market actor, and
// enforcing the pre-upgrade admission rules.
package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watthour/gridmarket/internal/actor"
	"github.com/watthour/gridmarket/internal/auth"
	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/protocol"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum quiet time before a connection is considered
	// dead. Any inbound frame resets it.
	pongWait = 60 * time.Second

	// pingPeriod sends control pings at this interval. Must be less than
	// pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 8192

	// sendBufferSize is the channel buffer for outgoing messages per session.
	sendBufferSize = 64
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard is served from a different origin; proof gating
		// happens before the upgrade.
		return true
	},
}

// Handler upgrades market connections after proof and admission checks.
type Handler struct {
	manager  *actor.Manager
	verifier *auth.Verifier
	logger   *slog.Logger
}

// NewHandler creates the WebSocket endpoint handler.
func NewHandler(manager *actor.Manager, verifier *auth.Verifier, logger *slog.Logger) *Handler {
	return &Handler{
		manager:  manager,
		verifier: verifier,
		logger:   logger.With(slog.String("component", "ws")),
	}
}

// HandleConnect serves GET /ws/{market}. Proof failures and lifecycle
// rejections are returned as HTTP status codes before the upgrade; after the
// upgrade only close codes are available.
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	market := r.PathValue("market")
	q := r.URL.Query()
	identity := q.Get("identity")
	token := q.Get("token")

	var role domain.Role
	switch q.Get("role") {
	case string(domain.RoleAdmin):
		role = domain.RoleAdmin
	case string(domain.RolePlayer):
		role = domain.RolePlayer
	default:
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	// Proof first: a signed admin credential or a signed per-player token.
	var proofErr error
	if role == domain.RoleAdmin {
		proofErr = h.verifier.VerifyAdmin(token)
		if identity == "" {
			identity = "operator"
		}
	} else {
		proofErr = h.verifier.VerifyPlayer(market, identity, token)
	}
	if proofErr != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	act, err := h.manager.Get(market)
	if err != nil {
		http.Error(w, "no such market", http.StatusNotFound)
		return
	}

	if err := act.Admit(r.Context(), role, identity, token); err != nil {
		status, msg := admissionStatus(err)
		http.Error(w, msg, status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := newSession(conn, act, role, identity, h.logger)
	go s.writePump()

	if err := act.Attach(r.Context(), s, token); err != nil {
		// The lifecycle moved between Admit and Attach; the upgrade already
		// happened so a close code is all that is left.
		s.CloseWith(websocket.ClosePolicyViolation, err.Error())
		return
	}
	go s.readPump()
}

func admissionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrBanned):
		return http.StatusForbidden, "banned"
	case errors.Is(err, domain.ErrBadIdentity):
		return http.StatusBadRequest, "malformed identity"
	case errors.Is(err, domain.ErrGameFull):
		return http.StatusConflict, "game is full"
	case errors.Is(err, domain.ErrNameCollision):
		return http.StatusConflict, "identity already taken"
	case errors.Is(err, domain.ErrNotJoinable):
		return http.StatusConflict, "game is not accepting players"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// session is one live WebSocket connection bound to an identity and role.
// It implements actor.Conn.
type session struct {
	conn     *websocket.Conn
	act      *actor.Actor
	role     domain.Role
	identity string
	logger   *slog.Logger

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn *websocket.Conn, act *actor.Actor, role domain.Role, identity string, logger *slog.Logger) *session {
	return &session{
		conn:     conn,
		act:      act,
		role:     role,
		identity: identity,
		logger:   logger,
		send:     make(chan []byte, sendBufferSize),
		closed:   make(chan struct{}),
	}
}

func (s *session) Identity() string  { return s.identity }
func (s *session) Role() domain.Role { return s.role }

// Send enqueues one outbound frame. A full buffer counts as a failed send;
// the actor drops the connection rather than block the mailbox.
func (s *session) Send(data []byte) error {
	select {
	case <-s.closed:
		return errors.New("ws: session closed")
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errors.New("ws: send buffer full")
	}
}

// CloseWith sends a close frame with the given code and tears the session
// down. Code 0 closes without a frame (transport already broken).
func (s *session) CloseWith(code int, text string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		if code != 0 {
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(code, text)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		_ = s.conn.Close()
	})
}

// readPump reads frames until the connection dies. The heartbeat word is
// answered here without waking the actor; everything else is handed to the
// actor's command path.
func (s *session) readPump() {
	defer func() {
		s.act.Detach(s)
		s.CloseWith(0, "")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read error",
					slog.String("identity", s.identity),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if string(message) == protocol.PingWord {
			_ = s.Send([]byte(protocol.PongWord))
			continue
		}
		s.act.HandleFrame(s, message)
	}
}

// writePump drains the send buffer onto the socket and keeps the control
// ping ticker running.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.CloseWith(0, "")
	}()

	for {
		select {
		case <-s.closed:
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
