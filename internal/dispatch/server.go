package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/whit3rabbit/manus-open/internal/adapters/realclock"
	"github.com/whit3rabbit/manus-open/internal/config"
	"github.com/whit3rabbit/manus-open/internal/metrics"
	"github.com/whit3rabbit/manus-open/internal/ports"
	"github.com/whit3rabbit/manus-open/internal/session"
)

// readLimitFactor sets the hard frame limit relative to max_message_bytes.
// Frames between the two limits are rejected with an error event; beyond the
// hard limit the connection is dropped.
const readLimitFactor = 4

// Registry is the subset of *session.Registry the dispatcher drives.
type Registry interface {
	Write(ctx context.Context, id, data string, enter bool) error
	View(ctx context.Context, id string, full bool, consumer string) (session.View, error)
	Kill(ctx context.Context, id string) error
	Reset(ctx context.Context, id string) error
	ResetAll(ctx context.Context) error
	Forget(id, consumer string)
}

type handlerFunc func(s *Server, c *conn, env Envelope) error

// handlers is the static action table. Decode rejects anything not listed.
var handlers = map[Action]handlerFunc{
	ActionWrite:       (*Server).handleWrite,
	ActionView:        (*Server).handleView,
	ActionReset:       (*Server).handleReset,
	ActionResetAll:    (*Server).handleResetAll,
	ActionKill:        (*Server).handleKill,
	ActionSubscribe:   (*Server).handleSubscribe,
	ActionUnsubscribe: (*Server).handleUnsubscribe,
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock driving keepalive pings.
func WithClock(clock ports.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithMetrics records connection metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server accepts terminal protocol connections.
type Server struct {
	reg      Registry
	hub      *Hub
	cfg      config.ServerConfig
	clock    ports.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  map[string]bool

	baseCtx context.Context
	stop    context.CancelFunc

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer creates a dispatcher over reg. Events reach clients through hub,
// which must be the registry's event sink.
func NewServer(reg Registry, hub *Hub, cfg config.ServerConfig, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		reg:     reg,
		hub:     hub,
		cfg:     cfg,
		clock:   realclock.New(),
		logger:  slog.Default(),
		origins: make(map[string]bool),
		baseCtx: ctx,
		stop:    cancel,
		conns:   make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			s.origins[o] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && s.origins[u.Host]
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newConn(ws, s)
	if !s.track(c) {
		c.close()
		c.closeSocket()
		return
	}
	s.metrics.ConnOpened()
	c.logger.Info("client connected", slog.String("remote", r.RemoteAddr))

	go c.writePump()
	s.readLoop(c)

	s.hub.UnsubscribeAll(c)
	c.close()
	c.tasks.Wait()
	for _, id := range c.viewedSessions() {
		s.reg.Forget(id, c.id)
	}
	s.untrack(c)
	s.metrics.ConnClosed()
	c.logger.Info("client disconnected")
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) readLoop(c *conn) {
	c.ws.SetReadLimit(s.cfg.MaxMessageBytes * readLimitFactor)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", slog.String("error", err.Error()))
			}
			return
		}

		if int64(len(data)) > s.cfg.MaxMessageBytes {
			s.reject(c, Envelope{}, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data)))
			continue
		}
		if !c.limiter.Allow() {
			s.reject(c, Envelope{}, ErrRateLimited)
			continue
		}

		env, err := Decode(data)
		if err != nil {
			s.reject(c, env, err)
			continue
		}
		s.metrics.Message(string(env.Action))

		c.submit(env, func(env Envelope) { s.dispatch(c, env) })
	}
}

func (s *Server) reject(c *conn, env Envelope, err error) {
	s.metrics.ProtocolError(reason(err))
	c.logger.Debug("protocol error", slog.String("error", err.Error()))
	c.sendEvent(errorEvent(env, err))
}

// dispatch runs one message. Messages for one session run in arrival order.
// Failures become error events on the issuing connection.
func (s *Server) dispatch(c *conn, env Envelope) {
	err := handlers[env.Action](s, c, env)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) && c.ctx.Err() != nil {
		return
	}
	c.logger.Debug("action failed",
		slog.String("action", string(env.Action)),
		slog.String("session_id", env.SessionID),
		slog.String("error", err.Error()),
	)
	c.sendEvent(errorEvent(env, err))
}

func (s *Server) handleWrite(c *conn, env Envelope) error {
	data, enter, err := env.Input()
	if err != nil {
		return err
	}
	s.hub.Subscribe(env.SessionID, c)
	return s.reg.Write(c.ctx, env.SessionID, data, enter)
}

func (s *Server) handleView(c *conn, env Envelope) error {
	v, err := s.reg.View(c.ctx, env.SessionID, env.Full, c.id)
	if err != nil {
		return err
	}
	c.markViewed(env.SessionID)
	c.sendEvent(viewEvent(v, env.ActionID))
	return nil
}

func (s *Server) handleReset(c *conn, env Envelope) error {
	return s.reg.Reset(c.ctx, env.SessionID)
}

func (s *Server) handleResetAll(c *conn, _ Envelope) error {
	return s.reg.ResetAll(c.ctx)
}

func (s *Server) handleKill(c *conn, env Envelope) error {
	return s.reg.Kill(c.ctx, env.SessionID)
}

// handleSubscribe starts streaming a session's events. With full set the
// current history is sent first, and live events published while it is
// taken are held back until it is queued.
func (s *Server) handleSubscribe(c *conn, env Envelope) error {
	if !env.Full {
		s.hub.Subscribe(env.SessionID, c)
		return nil
	}

	c.hold(env.SessionID)
	s.hub.Subscribe(env.SessionID, c)
	v, err := s.reg.View(c.ctx, env.SessionID, true, c.id)
	if err != nil {
		c.release(env.SessionID, nil)
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil
		}
		return err
	}

	c.markViewed(env.SessionID)
	snap := viewEvent(v, env.ActionID)
	if !c.release(env.SessionID, &snap) {
		c.logger.Warn("send queue full, disconnecting")
		s.hub.UnsubscribeAll(c)
		c.close()
	}
	return nil
}

func (s *Server) handleUnsubscribe(c *conn, env Envelope) error {
	s.hub.Unsubscribe(env.SessionID, c)
	return nil
}

// viewEvent wraps a view as an output event whose detail is the snapshot.
func viewEvent(v session.View, actionID string) session.Event {
	return session.Event{
		SessionID: v.SessionID,
		Type:      session.EventOutput,
		Data:      v.Output,
		Seq:       v.Seq,
		ActionID:  actionID,
		Detail:    v,
	}
}

// Close disconnects every client and waits for their in-flight tasks.
func (s *Server) Close() {
	s.stop()
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
