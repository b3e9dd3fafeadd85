package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/xtst/internal/engine"
	"github.com/danmuck/xtst/internal/observability"
	"github.com/danmuck/xtst/internal/protocol"
	"github.com/danmuck/xtst/internal/protocol/frame"
	"github.com/danmuck/xtst/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Command outcome labels for metrics.
const (
	statusSuccess  = "success"
	statusRejected = "rejected"
	statusInvalid  = "invalid"
	statusFailed   = "failed"
	statusIOError  = "io_error"
)

// session is the I/O side of one connection.
type session struct {
	conn   net.Conn
	cfg    Config
	logger zerolog.Logger
}

func (s *session) read() ([]byte, error) {
	if s.cfg.ReadTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return nil, err
		}
	}
	return frame.ReadFrame(s.conn, s.cfg.Limits)
}

func (s *session) write(payload []byte) error {
	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	// the payload limit bounds what is read; results are not capped
	return frame.WriteFrame(s.conn, payload, frame.Limits{})
}

func (s *session) send(msg string) error {
	return s.write([]byte(msg))
}

// fail sends a best-effort error frame for an unexpected failure.
func (s *session) fail(err error) {
	if werr := s.send(protocol.Error(err.Error())); werr != nil {
		s.logger.Debug().Err(werr).Msg("error frame not delivered")
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.untrackConn(conn)
	defer conn.Close()

	done := observability.ConnectionOpened()
	defer done()
	active := s.active.Add(1)
	defer s.active.Add(-1)

	sess := &session{
		conn: conn,
		cfg:  s.cfg,
		logger: log.With().
			Str("conn_id", uuid.NewString()).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
	sess.logger.Debug().Int64("active_clients", active).Msg("client connected")

	defer func() {
		if r := recover(); r != nil {
			sess.logger.Error().Interface("panic", r).Msg("connection handler panicked")
			sess.fail(fmt.Errorf("%v", r))
		}
	}()

	if err := sess.send(protocol.Banner()); err != nil {
		sess.logger.Warn().Err(err).Msg("banner write failed")
		return
	}

	raw, err := sess.read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			sess.logger.Debug().Msg("client closed before sending a command")
			return
		}
		sess.logger.Warn().Err(err).Msg("command read failed")
		sess.fail(err)
		return
	}

	start := time.Now()
	cmd, err := protocol.ParseCommand(string(raw))
	if err != nil {
		sess.logger.Info().Str("command", string(raw)).Msg("unknown command")
		if werr := sess.send(protocol.Error(protocol.MsgUnknownCommand)); werr != nil {
			sess.logger.Warn().Err(werr).Msg("status write failed")
		}
		observability.RecordCommand("unknown", statusRejected, time.Since(start))
		return
	}

	sess.logger = sess.logger.With().Str("command", string(cmd.Kind)).Logger()
	var status string
	switch cmd.Kind {
	case protocol.CommandValidate:
		status = s.handleValidate(ctx, sess, cmd.Keyword)
	case protocol.CommandReload:
		status = s.handleReload(ctx, sess)
	case protocol.CommandListHandlers:
		status = s.handleList(sess)
	}
	elapsed := time.Since(start)
	observability.RecordCommand(string(cmd.Kind), status, elapsed)
	sess.logger.Info().Str("status", status).Dur("duration", elapsed).Msg("command done")
}

func (s *Server) handleValidate(ctx context.Context, sess *session, keyword string) string {
	if !s.cfg.Multi {
		keyword = protocol.DefaultKeyword
	} else if keyword == "" {
		return s.reply(sess, statusRejected, protocol.Error(protocol.MsgMissingKeyword))
	}
	sess.logger = sess.logger.With().Str("keyword", keyword).Logger()

	p, err := s.registry.Current().Lookup(keyword)
	if err != nil {
		return s.reply(sess, statusRejected, protocol.UnknownKeyword(keyword))
	}

	if err := sess.send(protocol.Success(protocol.MsgSendDocument)); err != nil {
		sess.logger.Warn().Err(err).Msg("status write failed")
		return statusIOError
	}
	doc, err := sess.read()
	if err != nil {
		sess.logger.Warn().Err(err).Msg("document read failed")
		sess.fail(err)
		return statusIOError
	}

	out, err := p.Process(ctx, doc)
	if err != nil {
		var vErr *engine.ValidationError
		if errors.As(err, &vErr) {
			sess.logger.Info().Err(err).Msg("document rejected by schema")
			return s.reply(sess, statusInvalid, protocol.Invalid(vErr.Error()))
		}
		sess.logger.Warn().Err(err).Msg("transformation failed")
		return s.reply(sess, statusFailed, protocol.Error(err.Error()))
	}

	if err := sess.send(protocol.Success(protocol.MsgTransformed)); err != nil {
		sess.logger.Warn().Err(err).Msg("status write failed")
		return statusIOError
	}
	if err := sess.write(out); err != nil {
		sess.logger.Warn().Err(err).Msg("result write failed")
		return statusIOError
	}
	return statusSuccess
}

func (s *Server) handleReload(ctx context.Context, sess *session) string {
	status := statusSuccess
	msg := protocol.Success(protocol.MsgReloaded)

	var warn *registry.LoadWarning
	if err := s.registry.Reload(ctx); err != nil && !errors.As(err, &warn) {
		status = statusFailed
		msg = protocol.Errorf("reload failed: %v", err)
	}
	if err := sess.send(msg); err != nil {
		sess.logger.Warn().Err(err).Msg("status write failed")
		return statusIOError
	}
	if err := sess.send(protocol.ResponseEnd); err != nil {
		sess.logger.Warn().Err(err).Msg("terminator write failed")
		return statusIOError
	}
	return status
}

func (s *Server) handleList(sess *session) string {
	lines, err := HandlerReport(s.registry.Current().List())
	if err != nil {
		sess.logger.Error().Err(err).Msg("handler report failed")
		return s.reply(sess, statusFailed, protocol.Error(err.Error()))
	}
	for _, line := range lines {
		if err := sess.send(line); err != nil {
			sess.logger.Warn().Err(err).Msg("report write failed")
			return statusIOError
		}
	}
	if err := sess.send(protocol.ResponseEnd); err != nil {
		sess.logger.Warn().Err(err).Msg("terminator write failed")
		return statusIOError
	}
	return statusSuccess
}

func (s *Server) reply(sess *session, status, msg string) string {
	if err := sess.send(msg); err != nil {
		sess.logger.Warn().Err(err).Msg("status write failed")
		return statusIOError
	}
	return status
}
