package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trading-engine/internal/engine"
	"trading-engine/internal/events"
	"trading-engine/internal/monitor"
	"trading-engine/pkg/config"
)

// Server wires HTTP endpoints around the engine facade.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	JWTSecret string

	limiters *ipLimiters
	log      *zap.Logger
}

func NewServer(svc engine.Service, bus *events.Bus, cfg config.APIConfig, jwtSecret string, latency *monitor.LatencyHistogram, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")
	r := gin.New()
	s := &Server{
		Router:    r,
		Engine:    svc,
		Bus:       bus,
		JWTSecret: jwtSecret,
		limiters:  newIPLimiters(cfg.RateLimitRPS),
		log:       log,
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, latency))
	r.Use(RateLimitMiddleware(s.limiters, log))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/positions", s.getPositions)
		api.GET("/orders", s.getOrders)
		api.GET("/trades", s.getTrades)
		api.GET("/notifications", s.getNotifications)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/killswitch/reset", s.resetKillSwitch)
			protected.POST("/positions/:symbol/close", s.closePosition)
			protected.POST("/signals", s.submitSignal)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PruneLimiters forgets clients idle for ten minutes. Scheduled as a loop.
func (s *Server) PruneLimiters(context.Context) error {
	if n := s.limiters.prune(10 * time.Minute); n > 0 {
		s.log.Debug("rate limiters pruned", zap.Int("count", n))
	}
	return nil
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
