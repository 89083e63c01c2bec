package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/whit3rabbit/manus-open/internal/ports"
	"github.com/whit3rabbit/manus-open/internal/session"
)

// heldEvent is a live event parked while a snapshot is being taken.
type heldEvent struct {
	typ  session.EventType
	seq  uint64
	data []byte
}

// conn is one client connection. Only writePump writes to the socket; any
// goroutine may enqueue.
type conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	tasks  sync.WaitGroup

	clock        ports.Clock
	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	lanes  map[string][]Envelope  // pending messages per session id while a worker runs
	held   map[string][]heldEvent // events parked per session id during a snapshot
	viewed map[string]struct{}    // sessions holding a history cursor for this connection
}

func newConn(ws *websocket.Conn, s *Server) *conn {
	ctx, cancel := context.WithCancel(s.baseCtx)
	id := uuid.NewString()
	c := &conn{
		id:           id,
		ws:           ws,
		send:         make(chan []byte, s.cfg.SendQueue),
		done:         make(chan struct{}),
		limiter:      rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst),
		logger:       s.logger.With(slog.String("conn_id", id)),
		ctx:          ctx,
		cancel:       cancel,
		clock:        s.clock,
		writeTimeout: s.cfg.WriteTimeout,
		pingInterval: s.cfg.PingInterval,
	}
	c.init()
	return c
}

func (c *conn) init() {
	c.lanes = make(map[string][]Envelope)
	c.held = make(map[string][]heldEvent)
	c.viewed = make(map[string]struct{})
}

// submit runs env after every earlier message for the same session id.
// Messages for different sessions run concurrently. A lane's worker exits
// once its queue is empty; after close, queued messages are dropped.
func (c *conn) submit(env Envelope, run func(Envelope)) {
	key := env.SessionID

	c.mu.Lock()
	if q, busy := c.lanes[key]; busy {
		c.lanes[key] = append(q, env)
		c.mu.Unlock()
		return
	}
	c.lanes[key] = nil
	c.tasks.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.tasks.Done()
		for {
			if c.ctx.Err() == nil {
				run(env)
			}

			c.mu.Lock()
			q := c.lanes[key]
			if len(q) == 0 {
				delete(c.lanes, key)
				c.mu.Unlock()
				return
			}
			env = q[0]
			c.lanes[key] = q[1:]
			c.mu.Unlock()
		}
	}()
}

// enqueue queues a frame without blocking. It returns false when the queue
// is full; frames for a closed connection are discarded.
func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// deliver queues a published event, or parks it while a snapshot of its
// session is in progress.
func (c *conn) deliver(ev session.Event, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.held[ev.SessionID]; ok {
		c.held[ev.SessionID] = append(q, heldEvent{typ: ev.Type, seq: ev.Seq, data: data})
		return true
	}
	return c.enqueue(data)
}

// hold starts parking live events for sessionID.
func (c *conn) hold(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[sessionID]; !ok {
		c.held[sessionID] = []heldEvent{}
	}
}

// release ends a hold. The snapshot, if any, is queued first. Parked events
// older than the snapshot, and output it already contains, are dropped so
// the client never sees seq go backwards.
func (c *conn) release(sessionID string, snapshot *session.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	parked := c.held[sessionID]
	delete(c.held, sessionID)

	var seq uint64
	if snapshot != nil {
		data, err := c.encode(*snapshot)
		if err != nil {
			return true
		}
		if !c.enqueue(data) {
			return false
		}
		seq = snapshot.Seq
	}
	for _, h := range parked {
		if h.seq < seq || (snapshot != nil && h.seq == seq && h.typ == session.EventOutput) {
			continue
		}
		if !c.enqueue(h.data) {
			return false
		}
	}
	return true
}

// sendEvent queues a reply to this connection only.
func (c *conn) sendEvent(ev session.Event) {
	data, err := c.encode(ev)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		c.logger.Warn("send queue full, disconnecting")
		c.close()
	}
}

func (c *conn) encode(ev session.Event) ([]byte, error) {
	if ev.Timestamp == 0 && c.clock != nil {
		ev.Timestamp = session.Timestamp(c.clock.Now())
	}
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("failed to encode reply", slog.String("error", err.Error()))
	}
	return data, err
}

// markViewed records that sessionID keeps a history cursor for c.
func (c *conn) markViewed(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewed[sessionID] = struct{}{}
}

// viewedSessions returns the sessions holding a cursor for c.
func (c *conn) viewedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.viewed))
	for id := range c.viewed {
		ids = append(ids, id)
	}
	return ids
}

// close cancels in-flight tasks and signals writePump to shut the socket.
// It never touches the socket itself, so it is safe on any goroutine,
// including a session's publisher.
func (c *conn) close() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
	})
}

// closeSocket sends a close frame and closes the socket. Only writePump and
// connection setup call it.
func (c *conn) closeSocket() {
	if c.ws == nil {
		return
	}
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.ws.Close()
}

func (c *conn) writePump() {
	ticker := c.clock.NewTicker(c.pingInterval)
	defer ticker.Stop()
	defer c.closeSocket()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", slog.String("error", err.Error()))
				c.close()
				return
			}
		case <-ticker.C():
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
