// Package api serves a read-only view of a running engine over HTTP: venue
// health, valuations, positions, orders, deals, recorded rows and run
// metrics, plus a websocket stream of engine events.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"quant-trader/internal/engine"
	"quant-trader/internal/events"
	"quant-trader/internal/monitor"
	"quant-trader/internal/recorder"
)

// Config tunes the HTTP surface.
type Config struct {
	RateLimit rate.Limit // per client IP
	Burst     int
}

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router   *gin.Engine
	Engine   engine.Service
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Recorder *recorder.Recorder
	Logger   *zap.Logger
	Meta     SystemMeta

	limiters *ipLimiters
}

// SystemMeta describes the run exposed to the UI.
type SystemMeta struct {
	Run      string `json:"run"`
	Strategy string `json:"strategy"`
	Mode     string `json:"mode"`
	Version  string `json:"version"`
}

func NewServer(eng engine.Service, bus *events.Bus, metrics *monitor.Metrics, rec *recorder.Recorder, meta SystemMeta, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 50
	}
	r := gin.New()
	s := &Server{
		Router:   r,
		Engine:   eng,
		Bus:      bus,
		Metrics:  metrics,
		Recorder: rec,
		Logger:   logger,
		Meta:     meta,
		limiters: newIPLimiters(cfg.RateLimit, cfg.Burst),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())          // Panic recovery (first)
	r.Use(RequestIDMiddleware())   // Request ID tracking
	r.Use(s.RequestLogger())       // Request logging (after ID is set)
	r.Use(s.RateLimitMiddleware()) // Rate limiting
	r.Use(CORSMiddleware())        // CORS (last before routes)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/records", s.getRecords)
		api.GET("/venues", s.getVenues)

		venue := api.Group("/venues/:venue")
		{
			venue.GET("/portfolio", s.getPortfolio)
			venue.GET("/positions", s.getPositions)
			venue.GET("/orders", s.getOrders)
			venue.GET("/orders/:id", s.getOrder)
			venue.GET("/deals", s.getDeals)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler exposes the router for http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
