package api

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSConfig defines CORS configuration options.
type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// DefaultCORSConfig allows any origin, matching an empty allowed_origins list.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Content-Type",
			"Content-Length",
			"Accept",
			"Origin",
			"Authorization",
			"Cache-Control",
			"X-Requested-With",
		},
		MaxAge: 12 * time.Hour,
	}
}

// CORS creates a CORS middleware with the provided configuration.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     cfg.AllowMethods,
		AllowHeaders:     cfg.AllowHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	})
}

// corsFor restricts origins when the server has an allow list. Bare host
// entries only apply to the WebSocket origin check; cors requires a scheme.
func corsFor(origins []string) CORSConfig {
	cfg := DefaultCORSConfig()
	var allowed []string
	for _, o := range origins {
		if strings.Contains(o, "://") {
			allowed = append(allowed, strings.TrimSpace(o))
		}
	}
	if len(allowed) > 0 {
		cfg.AllowOrigins = allowed
		cfg.AllowCredentials = true
	}
	return cfg
}
