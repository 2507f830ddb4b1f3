package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"salesfloor/proximity/internal/config"
	"salesfloor/proximity/internal/handler"
	"salesfloor/proximity/internal/middleware"
	"salesfloor/proximity/internal/service"
)

// Deps are the services the HTTP surface exposes
type Deps struct {
	Monitor   handler.MonitorController
	Configs   *service.VendorConfigService
	History   *service.SessionHistory
	Fixes     *service.FixBuffer
	Events    handler.EventStream
	Limiter   middleware.RateLimiter // nil disables the location rate limit
	JetStream *service.JetStreamService
	Registry  *prometheus.Registry
	Logger    *log.Logger
}

// Server represents the HTTP server
type Server struct {
	router    *gin.Engine
	config    *config.Config
	deps      Deps
	logger    *log.Logger
	wsHub     *handler.WSHub
	wsHandler *handler.WSHandler

	mu   sync.Mutex
	http *http.Server
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	return &Server{
		config: cfg,
		deps:   deps,
		logger: deps.Logger.WithPrefix("server"),
	}
}

// Setup initializes routes and handlers
func (s *Server) Setup() {
	s.wsHub = handler.NewWSHub(s.deps.Events, s.deps.Logger)
	s.wsHandler = handler.NewWSHandler(s.wsHub)
	proximityHandler := handler.NewProximityHandler(s.deps.Monitor, s.deps.Configs, s.deps.History, s.deps.Fixes)

	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLogger())

	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	s.router.GET("/health", s.health)
	if s.deps.Registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))
	}

	s.router.GET("/ws/events", s.wsHandler.HandleEvents)
	s.router.GET("/ws/stats", s.wsHandler.GetStats)

	var location []gin.HandlerFunc
	if s.deps.Limiter != nil && s.config.RateLimit.Enabled {
		rule := s.config.RateLimit.Location.ToMiddlewareConfig()
		location = append(location, middleware.NewRateLimitMiddleware(s.deps.Limiter, rule).Middleware())
	}

	api := s.router.Group("/api/v1")
	proximityHandler.RegisterRoutes(api, location...)
	s.registerJetStreamRoutes(api)
}

func (s *Server) health(c *gin.Context) {
	health := gin.H{
		"status":    "ok",
		"monitored": len(s.deps.Monitor.Monitored()),
		"ws":        s.wsHub.ClientCount(),
	}

	if s.deps.JetStream != nil {
		health["jetstream"] = "enabled"
		if info, err := s.deps.JetStream.GetStreamInfo(service.StreamEvents); err == nil {
			health["jetstream_events"] = gin.H{
				"messages": info.State.Msgs,
				"bytes":    info.State.Bytes,
			}
		}
		if info, err := s.deps.JetStream.GetStreamInfo(service.StreamRecordings); err == nil {
			health["jetstream_recordings"] = gin.H{
				"messages": info.State.Msgs,
				"bytes":    info.State.Bytes,
			}
		}
	} else {
		health["jetstream"] = "disabled"
	}

	c.JSON(http.StatusOK, health)
}

// registerJetStreamRoutes registers JetStream related routes
func (s *Server) registerJetStreamRoutes(api *gin.RouterGroup) {
	api.GET("/jetstream/streams/:name", func(c *gin.Context) {
		if s.deps.JetStream == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "JetStream is not enabled"})
			return
		}

		info, err := s.deps.JetStream.GetStreamInfo(c.Param("name"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"name":      info.Config.Name,
			"subjects":  info.Config.Subjects,
			"state":     info.State,
			"created":   info.Created,
			"max_age":   info.Config.MaxAge,
			"max_bytes": info.Config.MaxBytes,
			"storage":   info.Config.Storage,
			"replicas":  info.Config.Replicas,
		})
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}

// Run serves HTTP on addr until Shutdown
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// GetRouter returns the gin router for testing
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// Shutdown stops accepting requests and disconnects websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if s.wsHub != nil {
		s.wsHub.Stop()
		s.logger.Info("WebSocket hub stopped")
	}
	return err
}
