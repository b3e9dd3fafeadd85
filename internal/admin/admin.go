// Package admin serves the HTTP side channel of xtstd: health, readiness,
// prometheus metrics, the handler listing and a reload trigger.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/xtst/internal/auth"
	"github.com/danmuck/xtst/internal/observability"
	"github.com/danmuck/xtst/internal/protocol"
	"github.com/danmuck/xtst/internal/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Options configure the admin HTTP server. A non-empty Token protects
// POST /reload with a bearer token.
type Options struct {
	Addr        string
	CORSOrigins []string
	Token       string
}

type Server struct {
	addr     string
	token    string
	registry *registry.Registry
	router   *gin.Engine
	started  time.Time
}

func New(opts Options, reg *registry.Registry) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: opts.CORSOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		addr:     opts.Addr,
		token:    opts.Token,
		registry: reg,
		router:   r,
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(s.started).String(),
			"service":  protocol.ServiceName,
			"version":  protocol.Version,
			"protocol": protocol.ProtocolVersion,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		count := s.registry.Current().Count()
		status := http.StatusOK
		if count == 0 {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    count > 0,
			"handlers": count,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/handlers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"handlers": s.registry.Current().List()})
	})

	s.router.GET("/handlers/:keyword", func(c *gin.Context) {
		p, err := s.registry.Current().Lookup(c.Param("keyword"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		info := p.Info()
		c.JSON(http.StatusOK, gin.H{
			"keyword":      c.Param("keyword"),
			"name":         info.Name,
			"description":  info.Description,
			"transforms":   info.Transforms,
			"schemas":      info.Schemas,
			"last_checked": p.LastCheckedAt(),
		})
	})

	reload := []gin.HandlerFunc{}
	if s.token != "" {
		reload = append(reload, auth.RequireToken(auth.StaticToken{Token: s.token}))
	}
	reload = append(reload, func(c *gin.Context) {
		err := s.registry.Reload(c.Request.Context())
		var warn *registry.LoadWarning
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "ok", "handlers": s.registry.Current().Count()})
		case errors.As(err, &warn):
			c.JSON(http.StatusOK, gin.H{"status": "ok", "handlers": 0, "warning": warn.Err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		}
	})
	s.router.POST("/reload", reload...)
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("admin listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
