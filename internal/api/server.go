// Package api serves the terminal REST routes and mounts the WebSocket
// dispatcher and MCP endpoint on one gin router.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/whit3rabbit/manus-open/internal/config"
	"github.com/whit3rabbit/manus-open/internal/metrics"
	"github.com/whit3rabbit/manus-open/internal/session"
)

// Registry is the subset of *session.Registry the REST layer drives.
type Registry interface {
	GetOrCreate(ctx context.Context, id string, opts session.CreateOptions) (*session.Session, error)
	Get(id string) (*session.Session, error)
	Write(ctx context.Context, id, data string, enter bool) error
	View(ctx context.Context, id string, full bool, consumer string) (session.View, error)
	Kill(ctx context.Context, id string) error
	Reset(ctx context.Context, id string) error
	ResetAll(ctx context.Context) error
	List() []session.Info
}

// connCounter is implemented by WebSocket handlers that track their
// connections.
type connCounter interface {
	Connections() int
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics adds request metrics and the /metrics route.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithWebSocket mounts the terminal protocol at GET /terminal.
func WithWebSocket(h http.Handler) Option {
	return func(r *Router) { r.ws = h }
}

// WithMCP mounts an MCP handler at path for every method.
func WithMCP(path string, h http.Handler) Option {
	return func(r *Router) {
		r.mcpPath = path
		r.mcp = h
	}
}

// Router is the HTTP front end.
type Router struct {
	engine  *gin.Engine
	h       *Handlers
	metrics *metrics.Metrics
	logger  *slog.Logger
	ws      http.Handler
	mcp     http.Handler
	mcpPath string
}

// New builds the router. cfg supplies allowed origins and the per-client
// request rate.
func New(reg Registry, cfg config.ServerConfig, opts ...Option) *Router {
	r := &Router{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.h = NewHandlers(reg, r.logger)
	if cc, ok := r.ws.(connCounter); ok {
		r.h.conns = cc.Connections
	}

	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(r.metrics.Middleware())
	engine.Use(CORS(corsFor(cfg.AllowedOrigins)))
	engine.Use(RateLimit(cfg.RateLimit, cfg.RateBurst))

	engine.GET("/healthz", r.h.Health)
	if r.metrics != nil {
		engine.GET("/metrics", gin.WrapH(r.metrics.Handler()))
	}

	engine.GET("/terminals", r.h.List)
	engine.POST("/terminal/reset_all", r.h.ResetAll)
	engine.GET("/terminal/:id", r.h.View)
	engine.POST("/terminal/:id/reset", r.h.Reset)
	engine.POST("/terminal/:id/kill", r.h.Kill)
	engine.POST("/terminal/:id/write", r.h.Write)

	if r.ws != nil {
		engine.GET("/terminal", gin.WrapH(r.ws))
	}
	if r.mcp != nil && r.mcpPath != "" {
		engine.Any(r.mcpPath, gin.WrapH(r.mcp))
	}

	r.engine = engine
	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

// Engine exposes the gin engine for additional routes.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// RateLimit creates a per-client-IP rate limiting middleware.
func RateLimit(perSecond float64, burst int) gin.HandlerFunc {
	var (
		mu      sync.Mutex
		clients = make(map[string]*rate.Limiter)
	)

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		limiter, ok := clients[ip]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
			clients[ip] = limiter
		}
		mu.Unlock()

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, Response{
				Status: StatusError,
				Error:  "rate limit exceeded",
				Output: []string{},
			})
			return
		}
		c.Next()
	}
}
