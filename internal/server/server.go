package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/xtst/internal/protocol/frame"
	"github.com/danmuck/xtst/internal/registry"
	"github.com/rs/zerolog/log"
)

var ErrAcceptTimeout = errors.New("server: accept timeout")

// Config controls listener and per-connection behaviour.
type Config struct {
	// Multi requires a keyword on validate.
	Multi  bool
	Limits frame.Limits

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// AcceptTimeout stops Serve with ErrAcceptTimeout when no client
	// connects in time. Zero waits forever.
	AcceptTimeout time.Duration
	// Sequential serves one connection at a time on the accept goroutine.
	Sequential bool
}

func DefaultConfig() Config {
	return Config{
		Limits:       frame.DefaultLimits(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

type Server struct {
	cfg      Config
	registry *registry.Registry

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup

	active atomic.Int64
}

func New(cfg Config, reg *registry.Registry) *Server {
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		conns:    make(map[net.Conn]struct{}),
	}
}

// ActiveConnections reports connections currently being served.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Serve accepts connections on ln until ctx is cancelled, the listener is
// closed or the accept timeout fires. Open connections are closed before
// Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = ln.Close()
		s.closeAllConns()
		s.wg.Wait()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
			s.closeAllConns()
		case <-done:
		}
	}()

	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("multi", s.cfg.Multi).
		Bool("sequential", s.cfg.Sequential).
		Msg("listening")

	for {
		if err := s.armAcceptDeadline(ln); err != nil {
			return err
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Error().Dur("accept_timeout", s.cfg.AcceptTimeout).Msg("no connection before accept timeout; stopping")
				return fmt.Errorf("%w after %s", ErrAcceptTimeout, s.cfg.AcceptTimeout)
			}
			return err
		}
		s.trackConn(conn)
		if s.cfg.Sequential {
			s.serveConn(ctx, conn)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

type deadlineListener interface {
	SetDeadline(t time.Time) error
}

func (s *Server) armAcceptDeadline(ln net.Listener) error {
	if s.cfg.AcceptTimeout <= 0 {
		return nil
	}
	dl, ok := ln.(deadlineListener)
	if !ok {
		return nil
	}
	return dl.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout))
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("close on shutdown")
		}
		delete(s.conns, conn)
	}
}
