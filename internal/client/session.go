package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/protocol"
	"github.com/watthour/gridmarket/internal/view"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	defaultBackoffBase       = time.Second
	defaultBackoffMax        = 30 * time.Second
	defaultMaxInitialTries   = 3

	clientWriteWait = 10 * time.Second
)

// ErrSessionExpired is reported through OnExpired when the session fails to
// open a connection MaxInitialTries times in a row without ever having been
// connected. The stored credentials are presumed stale at that point.
var ErrSessionExpired = errors.New("client: session expired")

// Config describes one logical session against one market.
type Config struct {
	// BaseURL is the server origin, e.g. "ws://localhost:8080".
	BaseURL  string
	Market   string
	Role     domain.Role
	Identity string
	Token    string

	// OnState receives a replica snapshot after every merged push.
	OnState func(*view.GameView)
	// OnTerminal fires when the server closes with a terminal code. The
	// session stops reconnecting.
	OnTerminal func(code int, reason string)
	// OnExpired fires when the initial connection gives up.
	OnExpired func()
	// OnError receives per-command rejections pushed by the server.
	OnError func(msg string)

	// Credentials, when set, persists the session across process restarts:
	// saved after every successful connect, cleared on terminal close or
	// give-up. Resume rebuilds a session from it.
	Credentials *CredentialStore

	Logger *slog.Logger

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxInitialTries   int

	// Dial overrides the websocket dialer, used in tests.
	Dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = defaultHeartbeatInterval
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = defaultBackoffBase
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = defaultBackoffMax
	}
	if out.MaxInitialTries <= 0 {
		out.MaxInitialTries = defaultMaxInitialTries
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Dial == nil {
		out.Dial = func(ctx context.Context, u string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
			return conn, err
		}
	}
	return out
}

// Session maintains one logical connection to a market. It reconnects with
// capped exponential backoff after transport failures, answers heartbeats,
// and feeds every push through the replica's merge rules.
type Session struct {
	cfg     Config
	replica *Replica
	rng     *rand.Rand
	logger  *slog.Logger

	// writeMu serializes transport writes: Send and the heartbeat goroutine
	// share the connection and the transport allows only one writer.
	writeMu sync.Mutex

	mu            sync.Mutex
	conn          *websocket.Conn
	everConnected bool
	failures      int
	closed        bool
	cancel        context.CancelFunc
	done          chan struct{}
}

// New builds a session. Connect must be called to start it.
func New(cfg Config) *Session {
	c := cfg.withDefaults()
	return &Session{
		cfg:     c,
		replica: NewReplica(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  c.Logger.With(slog.String("market", c.Market)),
	}
}

// Resume rebuilds a session from stored credentials, so a process restart
// picks up where the previous run left off. Callbacks and tunables come from
// cfg; the market, role, identity, and token come from the store, which is
// also wired in so the resumed session keeps it current.
func Resume(store *CredentialStore, cfg Config) (*Session, error) {
	creds, err := store.Load()
	if err != nil {
		return nil, err
	}
	cfg.Market = creds.Market
	cfg.Role = creds.Role
	cfg.Identity = creds.Identity
	cfg.Token = creds.Token
	cfg.Credentials = store
	return New(cfg), nil
}

// Replica exposes the session's local game state.
func (s *Session) Replica() *Replica { return s.replica }

// Connect starts the connection loop. It returns immediately; connection
// progress is reported through the configured callbacks.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil || s.closed {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(runCtx)
}

// Close tears the session down for good. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

// SwitchMarket abandons the current market and retargets the session. The
// transport is torn down and every piece of reconnect bookkeeping is cleared,
// including the ever-connected flag: the new market starts from a blank
// slate, with the initial-connection give-up rule back in force.
func (s *Session) SwitchMarket(ctx context.Context, market, identity, token string) {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.cfg.Market = market
	s.cfg.Identity = identity
	s.cfg.Token = token
	s.everConnected = false
	s.failures = 0
	s.closed = false
	s.cancel = nil
	s.done = nil
	s.conn = nil
	s.mu.Unlock()

	s.replica.Reset()
	s.logger = s.cfg.Logger.With(slog.String("market", market))
	s.Connect(ctx)
}

// EverConnected reports whether the current market has ever been reached.
func (s *Session) EverConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everConnected
}

// Send delivers one command over the live connection.
func (s *Session) Send(cmd *protocol.Command) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("client: not connected")
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return s.writeText(conn, raw)
}

func (s *Session) writeText(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := url.Values{}
	q.Set("role", string(s.cfg.Role))
	if s.cfg.Identity != "" {
		q.Set("identity", s.cfg.Identity)
	}
	if s.cfg.Token != "" {
		q.Set("token", s.cfg.Token)
	}
	return fmt.Sprintf("%s/ws/%s?%s", s.cfg.BaseURL, url.PathEscape(s.cfg.Market), q.Encode())
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.cfg.Dial(ctx, s.endpoint())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.failures++
			giveUp := !s.everConnected && s.failures >= s.cfg.MaxInitialTries
			failures := s.failures
			s.mu.Unlock()

			if giveUp {
				s.logger.Warn("session expired, giving up",
					slog.Int("failures", failures))
				s.clearCredentials()
				if s.cfg.OnExpired != nil {
					s.cfg.OnExpired()
				}
				return
			}
			s.logger.Info("dial failed, backing off",
				slog.Int("failures", failures), slog.String("error", err.Error()))
			if !s.sleep(ctx, s.backoff(failures)) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.everConnected = true
		s.failures = 0
		creds := Credentials{
			Market:   s.cfg.Market,
			Role:     s.cfg.Role,
			Identity: s.cfg.Identity,
			Token:    s.cfg.Token,
		}
		s.mu.Unlock()
		s.logger.Info("connected")
		if s.cfg.Credentials != nil {
			if err := s.cfg.Credentials.Save(creds); err != nil {
				s.logger.Warn("save credentials", slog.String("error", err.Error()))
			}
		}

		terminal := s.serve(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		closed := s.closed
		s.mu.Unlock()
		conn.Close()

		if terminal || closed || ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		s.failures++
		failures := s.failures
		s.mu.Unlock()
		if !s.sleep(ctx, s.backoff(failures)) {
			return
		}
	}
}

// serve pumps one live connection until it drops. It returns true when the
// server sent a terminal close, meaning the session must not reconnect.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) bool {
	heartbeatDone := make(chan struct{})
	pong := make(chan struct{}, 1)
	go s.heartbeat(ctx, conn, pong, heartbeatDone)
	defer close(heartbeatDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && protocol.IsTerminalClose(ce.Code) {
				s.logger.Warn("terminal close from server",
					slog.Int("code", ce.Code), slog.String("reason", ce.Text))
				s.clearCredentials()
				if s.cfg.OnTerminal != nil {
					s.cfg.OnTerminal(ce.Code, ce.Text)
				}
				return true
			}
			return false
		}

		if string(raw) == protocol.PongWord {
			select {
			case pong <- struct{}{}:
			default:
			}
			continue
		}

		push, err := protocol.DecodePush(raw)
		if err != nil {
			s.logger.Debug("dropping undecodable push",
				slog.String("error", err.Error()))
			continue
		}
		switch push.Type {
		case protocol.PushGameState:
			if push.Game != nil {
				s.replica.Apply(push.Game)
				if s.cfg.OnState != nil {
					s.cfg.OnState(s.replica.Snapshot())
				}
			}
		case protocol.PushError:
			if s.cfg.OnError != nil {
				s.cfg.OnError(push.Error)
			}
		}
	}
}

// heartbeat sends a ping every interval and force-closes the transport when
// the matching pong does not arrive in time, which unblocks the read loop
// and triggers a reconnect.
func (s *Session) heartbeat(ctx context.Context, conn *websocket.Conn, pong <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeText(conn, []byte(protocol.PingWord)); err != nil {
				conn.Close()
				return
			}
			select {
			case <-pong:
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.HeartbeatTimeout):
				s.logger.Warn("heartbeat timed out, dropping connection")
				conn.Close()
				return
			}
		}
	}
}

// backoff computes the nth retry delay: base doubled per failure, capped,
// with symmetric jitter of up to half the delay in either direction.
func (s *Session) backoff(failures int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			d = s.cfg.BackoffMax
			break
		}
	}
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	jitter := time.Duration((s.rng.Float64() - 0.5) * float64(d))
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}

func (s *Session) clearCredentials() {
	if s.cfg.Credentials == nil {
		return
	}
	if err := s.cfg.Credentials.Clear(); err != nil {
		s.logger.Warn("clear credentials", slog.String("error", err.Error()))
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
