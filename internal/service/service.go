// Package service wires configuration, the transformation engine, the
// handler registry, the protocol listener and the admin HTTP server into
// one runnable process.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/xtst/internal/admin"
	"github.com/danmuck/xtst/internal/config"
	"github.com/danmuck/xtst/internal/engine"
	"github.com/danmuck/xtst/internal/observability"
	"github.com/danmuck/xtst/internal/pipeline"
	"github.com/danmuck/xtst/internal/protocol"
	"github.com/danmuck/xtst/internal/protocol/frame"
	"github.com/danmuck/xtst/internal/registry"
	"github.com/danmuck/xtst/internal/server"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	cfg      config.ServerConfig
	engine   engine.Engine
	registry *registry.Registry
	server   *server.Server
}

// New validates cfg and builds the service around eng. A nil engine uses
// the xsltproc/xmllint engine from cfg.
func New(cfg config.ServerConfig, eng engine.Engine) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if eng == nil {
		eng = engine.NewExecEngine(engine.ExecConfig{
			XsltprocPath:    cfg.XsltprocPath,
			XmllintPath:     cfg.XmllintPath,
			RecoverSilently: cfg.RecoverSilently,
		})
	}
	s := &Service{cfg: cfg, engine: eng}
	s.registry = registry.New(registry.Config{
		Multi:         cfg.Multi,
		TransformPath: cfg.TransformPath,
		SchemaPath:    cfg.SchemaPath,
	}, s.Build)
	s.server = server.New(server.Config{
		Multi:         cfg.Multi,
		Limits:        frame.Limits{MaxPayloadBytes: uint32(cfg.MaxFrameBytes)},
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		AcceptTimeout: cfg.AcceptTimeout,
		Sequential:    cfg.Sequential,
	}, s.registry)
	return s, nil
}

// Build is the registry builder bound to the configured engine.
func (s *Service) Build(spec pipeline.Spec) (*pipeline.Pipeline, error) {
	return pipeline.New(spec, s.engine, pipeline.Options{
		CheckInterval: s.cfg.CheckInterval,
		PrefixElement: s.cfg.MergePrefixElement,
	})
}

func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Load performs the startup registry load. Any error is fatal except an
// empty discovery in multi mode, which is logged and served as empty.
func (s *Service) Load(ctx context.Context) error {
	err := s.registry.Reload(ctx)
	var warn *registry.LoadWarning
	if err != nil && !errors.As(err, &warn) {
		return fmt.Errorf("load handlers: %w", err)
	}
	for _, h := range s.registry.Current().List() {
		log.Info().Str("keyword", h.Keyword).Str("name", h.Name).Msg("handler ready")
	}
	return nil
}

// Run blocks until SIGINT/SIGTERM or a fatal listener error.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Load(ctx); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the protocol listener on ln and, when configured, the admin
// HTTP server. The first one to fail stops the other.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	observability.RegisterMetrics()
	observability.SetRegistryHandlers(s.registry.Current().Count())
	log.Info().
		Str("service", protocol.ServiceName).
		Str("version", protocol.Version).
		Str("protocol", protocol.ProtocolVersion).
		Msg("starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.server.Serve(gctx, ln)
		if err != nil {
			return err
		}
		// a clean listener exit stops the admin server too
		return context.Canceled
	})
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		adm := admin.New(admin.Options{
			Addr:        addr,
			CORSOrigins: s.cfg.AdminCORSOrigins,
			Token:       s.cfg.AdminToken,
		}, s.registry)
		g.Go(func() error {
			return adm.Serve(gctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// TransformOnce runs the handler for keyword against doc without starting
// a listener. It loads the registry if nothing is loaded yet.
func (s *Service) TransformOnce(ctx context.Context, keyword string, doc []byte) ([]byte, error) {
	if s.registry.Current().Count() == 0 {
		if err := s.Load(ctx); err != nil {
			return nil, err
		}
	}
	if !s.cfg.Multi || strings.TrimSpace(keyword) == "" {
		keyword = protocol.DefaultKeyword
	}
	p, err := s.registry.Current().Lookup(keyword)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, doc)
}

// TransformFile is TransformOnce on the contents of path.
func (s *Service) TransformFile(ctx context.Context, keyword, path string) ([]byte, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return s.TransformOnce(ctx, keyword, doc)
}
