// Package client speaks the one-command-per-connection protocol to a
// running server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/danmuck/xtst/internal/protocol"
	"github.com/danmuck/xtst/internal/protocol/frame"
)

var ErrProtocolVersion = errors.New("client: unsupported protocol version")

// StatusError is an "Error: ..." status returned by the server.
type StatusError struct {
	Message string
}

func (e *StatusError) Error() string {
	return "server: " + e.Message
}

// Invalid reports whether the server rejected the document during schema
// validation.
func (e *StatusError) Invalid() bool {
	return strings.HasPrefix(e.Message, "invalid ")
}

type Client struct {
	addr    string
	timeout time.Duration
	limits  frame.Limits
}

func New(addr string) *Client {
	return &Client{
		addr:    strings.TrimSpace(addr),
		timeout: 60 * time.Second,
		limits:  frame.DefaultLimits(),
	}
}

// WithTimeout sets the dial and per-exchange deadline.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Validate sends doc to the handler registered under keyword and returns
// the transformation result. An empty keyword sends a bare validate.
func (c *Client) Validate(ctx context.Context, keyword string, doc []byte) ([]byte, error) {
	conn, err := c.open(ctx, protocol.Command{Kind: protocol.CommandValidate, Keyword: keyword})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := c.expectSuccess(conn); err != nil {
		return nil, err
	}
	if err := frame.WriteFrame(conn, doc, frame.Limits{}); err != nil {
		return nil, fmt.Errorf("client: send document: %w", err)
	}
	if _, err := c.expectSuccess(conn); err != nil {
		return nil, err
	}
	body, err := frame.ReadFrame(conn, c.limits)
	if err != nil {
		return nil, fmt.Errorf("client: read result: %w", err)
	}
	return body, nil
}

// Reload asks the server to rediscover its handlers and returns the
// success message.
func (c *Client) Reload(ctx context.Context) (string, error) {
	conn, err := c.open(ctx, protocol.Command{Kind: protocol.CommandReload})
	if err != nil {
		return "", err
	}
	defer conn.Close()

	lines, err := c.readUntilEnd(conn)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("client: empty reload response")
	}
	status := lines[0]
	if protocol.IsError(status) {
		return "", &StatusError{Message: strings.TrimPrefix(status, protocol.ErrorPrefix)}
	}
	return strings.TrimPrefix(status, protocol.SuccessPrefix), nil
}

// ListHandlers returns the report lines, without the terminator.
func (c *Client) ListHandlers(ctx context.Context) ([]string, error) {
	conn, err := c.open(ctx, protocol.Command{Kind: protocol.CommandListHandlers})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	lines, err := c.readUntilEnd(conn)
	if err != nil {
		return nil, err
	}
	if len(lines) == 1 && protocol.IsError(lines[0]) {
		return nil, &StatusError{Message: strings.TrimPrefix(lines[0], protocol.ErrorPrefix)}
	}
	return lines, nil
}

// Banner connects, reads the greeting and hangs up.
func (c *Client) Banner(ctx context.Context) (string, error) {
	conn, banner, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	_ = conn.Close()
	return banner, nil
}

func (c *Client) open(ctx context.Context, cmd protocol.Command) (net.Conn, error) {
	conn, _, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := frame.WriteString(conn, cmd.String(), c.limits); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: send command: %w", err)
	}
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, string, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, "", err
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	banner, err := frame.ReadString(conn, c.limits)
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("client: read banner: %w", err)
	}
	version, err := protocol.ParseBanner(banner)
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	if version != protocol.ProtocolVersion {
		_ = conn.Close()
		return nil, "", fmt.Errorf("%w: %s", ErrProtocolVersion, version)
	}
	return conn, banner, nil
}

func (c *Client) expectSuccess(conn net.Conn) (string, error) {
	status, err := frame.ReadString(conn, c.limits)
	if err != nil {
		return "", fmt.Errorf("client: read status: %w", err)
	}
	if protocol.IsError(status) {
		return "", &StatusError{Message: strings.TrimPrefix(status, protocol.ErrorPrefix)}
	}
	if !protocol.IsSuccess(status) {
		return "", fmt.Errorf("client: unexpected status %q", status)
	}
	return strings.TrimPrefix(status, protocol.SuccessPrefix), nil
}

// readUntilEnd collects frames up to the terminator. A server that closes
// early after an error status returns what was read.
func (c *Client) readUntilEnd(conn net.Conn) ([]string, error) {
	var lines []string
	for {
		msg, err := frame.ReadString(conn, c.limits)
		if errors.Is(err, io.EOF) {
			if len(lines) > 0 && protocol.IsError(lines[0]) {
				return lines, nil
			}
			return nil, fmt.Errorf("client: connection closed before %s", protocol.ResponseEnd)
		}
		if err != nil {
			return nil, err
		}
		if msg == protocol.ResponseEnd {
			return lines, nil
		}
		lines = append(lines, msg)
	}
}
