// Package net exposes the HTTP surface of the server: health and diagnostics
// endpoints, room lookups, Prometheus metrics and the websocket upgrade.
package net

import (
	"context"
	nethttp "net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"arena/server/internal/coordinator"
	"arena/server/internal/observability"
	"arena/server/logging"
)

// Sessions is the read side of the coordinator used by the HTTP endpoints.
type Sessions interface {
	Stats(ctx context.Context) (coordinator.Stats, error)
	Connections(ctx context.Context) ([]coordinator.ConnectionInfo, error)
	RoomInfo(ctx context.Context, roomID string) (coordinator.RoomInfo, bool, error)
}

type HTTPHandlerConfig struct {
	Logger        zerolog.Logger
	Metrics       *observability.Metrics
	Gatherer      prometheus.Gatherer
	Observability observability.Config
	ServerID      string
	// RequestTimeout bounds how long an endpoint waits on the coordinator.
	RequestTimeout time.Duration
	// Events reports logging router delivery counters on /diagnostics.
	Events EventStats
}

// EventStats is implemented by *logging.Router.
type EventStats interface {
	Stats() logging.RouterStats
}

const defaultRequestTimeout = 2 * time.Second

// NewHTTPHandler builds the gin router. websocket is mounted at /ws.
func NewHTTPHandler(sessions Sessions, websocket nethttp.HandlerFunc, cfg HTTPHandlerConfig) nethttp.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	router := gin.New()
	router.Use(gin.Recovery(), observability.RequestLogger(cfg.Logger))
	if cfg.Metrics != nil {
		router.Use(observability.RequestMetrics(cfg.Metrics))
	}

	router.GET("/health", func(c *gin.Context) {
		c.String(nethttp.StatusOK, "ok")
	})

	router.GET("/diagnostics", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		stats, err := sessions.Stats(ctx)
		if err != nil {
			httpError(c, "session core unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		connections, err := sessions.Connections(ctx)
		if err != nil {
			httpError(c, "session core unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		body := gin.H{
			"status":      "ok",
			"serverId":    cfg.ServerID,
			"serverTime":  time.Now().UnixMilli(),
			"stats":       stats,
			"connections": connections,
		}
		if cfg.Events != nil {
			body["events"] = cfg.Events.Stats()
		}
		c.JSON(nethttp.StatusOK, body)
	})

	router.GET("/rooms/:id", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		info, ok, err := sessions.RoomInfo(ctx, c.Param("id"))
		if err != nil {
			httpError(c, "session core unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		if !ok {
			httpError(c, "room not found", nethttp.StatusNotFound)
			return
		}
		c.JSON(nethttp.StatusOK, info)
	})

	if websocket != nil {
		router.GET("/ws", gin.WrapF(websocket))
	}

	if cfg.Observability.EnableMetrics {
		gatherer := cfg.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	if cfg.Observability.EnablePprof {
		debug := router.Group("/debug/pprof")
		debug.GET("/", gin.WrapF(pprof.Index))
		debug.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		debug.GET("/profile", gin.WrapF(pprof.Profile))
		debug.GET("/symbol", gin.WrapF(pprof.Symbol))
		debug.GET("/trace", gin.WrapF(pprof.Trace))
		for _, profile := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			debug.GET("/"+profile, gin.WrapH(pprof.Handler(profile)))
		}
	}

	return router
}

func httpError(c *gin.Context, message string, status int) {
	c.AbortWithStatusJSON(status, gin.H{"status": "error", "error": message})
}
