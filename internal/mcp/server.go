// Package mcp exposes the terminal registry as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/whit3rabbit/manus-open/internal/adapters/realclock"
	"github.com/whit3rabbit/manus-open/internal/adapters/realfs"
	"github.com/whit3rabbit/manus-open/internal/config"
	"github.com/whit3rabbit/manus-open/internal/ports"
	"github.com/whit3rabbit/manus-open/internal/session"
)

const (
	serverName    = "terminal-server"
	serverVersion = "0.3.0"

	// consumer is the history cursor used by terminal_view.
	consumer = "mcp"
)

// Registry is the subset of *session.Registry the tools drive.
type Registry interface {
	Write(ctx context.Context, id, data string, enter bool) error
	View(ctx context.Context, id string, full bool, consumer string) (session.View, error)
	Kill(ctx context.Context, id string) error
	Reset(ctx context.Context, id string) error
	ResetAll(ctx context.Context) error
	Run(ctx context.Context, id, command string, timeout time.Duration) (session.RunResult, error)
	List() []session.Info
}

// Server wraps the MCP server implementation.
type Server struct {
	mcpServer *server.MCPServer
	reg       Registry
	fs        ports.FileSystem
	clock     ports.Clock
	logger    *slog.Logger

	mu     sync.RWMutex
	config config.MCPConfig
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithFileSystem sets the filesystem large outputs are saved to.
func WithFileSystem(fs ports.FileSystem) ServerOption {
	return func(s *Server) {
		s.fs = fs
	}
}

// WithClock sets the clock used to name saved output files.
func WithClock(clock ports.Clock) ServerOption {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates an MCP server whose tools operate on reg.
func NewServer(reg Registry, cfg config.MCPConfig, opts ...ServerOption) *Server {
	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		reg:       reg,
		config:    cfg,
		fs:        realfs.New(),
		clock:     realclock.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer.AddTools(s.tools()...)
	return s
}

// Run serves MCP on stdio until the client disconnects.
func (s *Server) Run() error {
	s.logger.Info("starting MCP server on stdio transport")
	return server.ServeStdio(s.mcpServer)
}

// HTTPHandler returns a streamable HTTP transport for mounting on a router.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath(s.settings().Path),
	)
}

// UpdateConfig applies reloadable MCP settings.
func (s *Server) UpdateConfig(cfg config.MCPConfig) {
	s.mu.Lock()
	s.config.MaxOutputBytes = cfg.MaxOutputBytes
	s.config.OutputDir = cfg.OutputDir
	s.mu.Unlock()
	s.logger.Debug("mcp settings updated",
		slog.Int("max_output_bytes", cfg.MaxOutputBytes),
		slog.String("output_dir", cfg.OutputDir),
	)
}

func (s *Server) settings() config.MCPConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}
