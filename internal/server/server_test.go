package server

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/xtst/internal/pipeline"
	"github.com/danmuck/xtst/internal/protocol"
	"github.com/danmuck/xtst/internal/protocol/frame"
	"github.com/danmuck/xtst/internal/registry"
	"github.com/danmuck/xtst/internal/testutil/fakeengine"
	"github.com/danmuck/xtst/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type harness struct {
	addr     string
	registry *registry.Registry
	cancel   context.CancelFunc
	done     chan error
}

func writeFile(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func builder() registry.Builder {
	eng := fakeengine.New()
	return func(spec pipeline.Spec) (*pipeline.Pipeline, error) {
		opts := pipeline.DefaultOptions()
		opts.CheckInterval = 0
		return pipeline.New(spec, eng, opts)
	}
}

func start(t *testing.T, regCfg registry.Config, cfg Config) *harness {
	t.Helper()
	reg := registry.New(regCfg, builder())
	if err := reg.Reload(context.Background()); err != nil {
		var warn *registry.LoadWarning
		require.ErrorAs(t, err, &warn)
	}
	cfg.Multi = regCfg.Multi

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{addr: ln.Addr().String(), registry: reg, cancel: cancel, done: make(chan error, 1)}
	srv := New(cfg, reg)
	go func() { h.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return h
}

// exchange sends each frame in order after the banner, then collects every
// frame until the server closes the connection.
func exchange(t *testing.T, addr string, frames ...string) []string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	banner, err := frame.ReadString(conn, frame.DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, protocol.Banner(), banner)

	for _, f := range frames {
		require.NoError(t, frame.WriteString(conn, f, frame.DefaultLimits()))
	}
	var got []string
	for {
		msg, err := frame.ReadString(conn, frame.DefaultLimits())
		if errors.Is(err, io.EOF) {
			return got
		}
		require.NoError(t, err)
		got = append(got, msg)
	}
}

func singleMode(t *testing.T, withSchema bool) registry.Config {
	dir := t.TempDir()
	cfg := registry.Config{TransformPath: writeFile(t, filepath.Join(dir, "copy.xsl"), `<transform mode="identity"/>`)}
	if withSchema {
		cfg.SchemaPath = writeFile(t, filepath.Join(dir, "a.xsd"), `<schema require="a"/>`)
	}
	return cfg
}

func handlerDir(t *testing.T, root, keyword, name, transform string) {
	t.Helper()
	dir := filepath.Join(root, keyword)
	writeFile(t, filepath.Join(dir, "t.xsl"), transform)
	writeFile(t, filepath.Join(dir, registry.DescriptorTOML),
		"keyword = \""+keyword+"\"\nname = \""+name+"\"\ndescription = \"about "+name+"\"\ntransform_file = \"t.xsl\"\n")
}

func TestBannerIsSentFirst(t *testing.T) {
	testlog.Start(t)
	h := start(t, singleMode(t, false), DefaultConfig())

	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	banner, err := frame.ReadString(conn, frame.DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, "XSLT Transformer server version 1.1.0, protocol version: 3\n", banner)
}

func TestSingleModeIdentityTransform(t *testing.T) {
	testlog.Start(t)
	h := start(t, singleMode(t, false), DefaultConfig())

	got := exchange(t, h.addr, "validate", "<a/>")
	require.Len(t, got, 3)
	require.Equal(t, "Success: send the XML document now", got[0])
	require.Equal(t, "Success: transformation succeeded", got[1])
	require.Equal(t, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<a/>", strings.TrimSpace(got[2]))
}

func TestSingleModeIgnoresKeyword(t *testing.T) {
	testlog.Start(t)
	h := start(t, singleMode(t, false), DefaultConfig())

	got := exchange(t, h.addr, "validate anything", "<a/>")
	require.Len(t, got, 3)
	require.Equal(t, "Success: transformation succeeded", got[1])
}

func TestSingleModeValidationFailure(t *testing.T) {
	testlog.Start(t)
	h := start(t, singleMode(t, true), DefaultConfig())

	got := exchange(t, h.addr, "validate", "<b/>")
	require.Len(t, got, 2, "no result frame after a validation failure")
	require.True(t, strings.HasPrefix(got[1], "Error: invalid "), got[1])
}

func TestTransformFailureSendsSingleError(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cfg := registry.Config{TransformPath: writeFile(t, filepath.Join(dir, "fail.xsl"), `<transform mode="fail" message="boom"/>`)}
	h := start(t, cfg, DefaultConfig())

	got := exchange(t, h.addr, "validate", "<a/>")
	require.Len(t, got, 2)
	require.True(t, strings.HasPrefix(got[1], "Error: "), got[1])
	require.False(t, strings.HasPrefix(got[1], "Error: invalid"), got[1])
	require.Contains(t, got[1], "boom")
}

func TestMultiModeUnknownKeyword(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	handlerDir(t, root, "k2", "Two", `<transform mode="identity"/>`)
	h := start(t, registry.Config{Multi: true, TransformPath: root}, DefaultConfig())

	got := exchange(t, h.addr, "validate k1")
	require.Equal(t, []string{"Error: unknown keyword 'k1'"}, got)
}

func TestMultiModeMissingKeyword(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	handlerDir(t, root, "k2", "Two", `<transform mode="identity"/>`)
	h := start(t, registry.Config{Multi: true, TransformPath: root}, DefaultConfig())

	got := exchange(t, h.addr, "validate")
	require.Equal(t, []string{"Error: missing keyword"}, got)
}

func TestMultiModeMergesTransforms(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	dir := filepath.Join(root, "merge")
	writeFile(t, filepath.Join(dir, "one.xsl"), `<transform mode="emit"><report><x/></report></transform>`)
	writeFile(t, filepath.Join(dir, "two.xsl"), `<transform mode="emit"><report><y/></report></transform>`)
	writeFile(t, filepath.Join(dir, registry.DescriptorTOML), "keyword = \"m\"\ntransform_files = [\"one.xsl\", \"two.xsl\"]\n")
	h := start(t, registry.Config{Multi: true, TransformPath: root}, DefaultConfig())

	got := exchange(t, h.addr, "validate m", "<in/>")
	require.Len(t, got, 3)
	require.Equal(t, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<report>\n  <x/>\n  <y/>\n</report>", strings.TrimSpace(got[2]))
}

func TestUnknownCommand(t *testing.T) {
	testlog.Start(t)
	h := start(t, singleMode(t, false), DefaultConfig())

	got := exchange(t, h.addr, "transform please")
	require.Equal(t, []string{"Error: Unknown command"}, got)
}

func TestReloadAlwaysEndsWithTerminator(t *testing.T) {
	testlog.Start(t)
	h := start(t, singleMode(t, false), DefaultConfig())

	got := exchange(t, h.addr, "reload")
	require.Equal(t, []string{"Success: handler(s) reloaded", "XTSTResponseEnd"}, got)
}

func TestReloadPicksUpNewHandlers(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	handlerDir(t, root, "k1", "One", `<transform mode="identity"/>`)
	h := start(t, registry.Config{Multi: true, TransformPath: root}, DefaultConfig())

	require.Equal(t, []string{"Error: unknown keyword 'k2'"}, exchange(t, h.addr, "validate k2"))

	handlerDir(t, root, "k2", "Two", `<transform mode="identity"/>`)
	require.Equal(t, []string{"Success: handler(s) reloaded", "XTSTResponseEnd"}, exchange(t, h.addr, "reload"))

	got := exchange(t, h.addr, "validate k2", "<a/>")
	require.Len(t, got, 3)
	require.Equal(t, 2, h.registry.Current().Count())
}

func TestReloadFailureKeepsRegistry(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	handlerDir(t, root, "k1", "One", `<transform mode="identity"/>`)
	h := start(t, registry.Config{Multi: true, TransformPath: root}, DefaultConfig())
	before := h.registry.Current()

	writeFile(t, filepath.Join(root, "dup", "t.xsl"), `<transform/>`)
	writeFile(t, filepath.Join(root, "dup", registry.DescriptorTOML), "keyword = \"k1\"\ntransform_file = \"t.xsl\"\n")

	got := exchange(t, h.addr, "reload")
	require.Len(t, got, 2)
	require.True(t, strings.HasPrefix(got[0], "Error: reload failed: "), got[0])
	require.Equal(t, protocol.ResponseEnd, got[1])
	require.Same(t, before, h.registry.Current())
}

func TestListHandlers(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	handlerDir(t, root, "k1", "One", `<transform/>`)
	handlerDir(t, root, "k2", "Two", `<transform/>`)
	h := start(t, registry.Config{Multi: true, TransformPath: root}, DefaultConfig())

	got := exchange(t, h.addr, "list-handlers")
	require.Equal(t, []string{
		"<handlers>",
		"  <handler>",
		"    <name>One</name>",
		"    <description>about One</description>",
		"    <keyword>k1</keyword>",
		"  </handler>",
		"  <handler>",
		"    <name>Two</name>",
		"    <description>about Two</description>",
		"    <keyword>k2</keyword>",
		"  </handler>",
		"</handlers>",
		"XTSTResponseEnd",
	}, got)
}

func TestOversizedCommandFrameIsRejected(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Limits = frame.Limits{MaxPayloadBytes: 16}
	h := start(t, singleMode(t, false), cfg)

	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = frame.ReadString(conn, frame.DefaultLimits())
	require.NoError(t, err)

	_, err = conn.Write(frame.EncodeHeader(1024))
	require.NoError(t, err)
	msg, err := frame.ReadString(conn, frame.DefaultLimits())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(msg, "Error: "), msg)
	require.Contains(t, msg, "too large")
}

func TestSequentialModeServesClientsInTurn(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Sequential = true
	h := start(t, singleMode(t, false), cfg)

	for i := 0; i < 3; i++ {
		got := exchange(t, h.addr, "validate", "<a/>")
		require.Len(t, got, 3)
	}
}

func TestConcurrentClients(t *testing.T) {
	testlog.Start(t)
	h := start(t, singleMode(t, false), DefaultConfig())

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			conn, err := net.Dial("tcp", h.addr)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			if _, err := frame.ReadString(conn, frame.DefaultLimits()); err != nil {
				errs <- err
				return
			}
			_ = frame.WriteString(conn, "validate", frame.DefaultLimits())
			_ = frame.WriteString(conn, "<a/>", frame.DefaultLimits())
			var frames int
			for {
				_, err := frame.ReadString(conn, frame.DefaultLimits())
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					errs <- err
					return
				}
				frames++
			}
			if frames != 3 {
				errs <- errors.New("unexpected frame count")
				return
			}
			errs <- nil
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
	}
}

func TestAcceptTimeoutStopsServe(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(singleMode(t, false), builder())
	require.NoError(t, reg.Reload(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.AcceptTimeout = 50 * time.Millisecond

	err = New(cfg, reg).Serve(context.Background(), ln)
	require.ErrorIs(t, err, ErrAcceptTimeout)
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	reg := registry.New(singleMode(t, false), builder())
	require.NoError(t, reg.Reload(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	srv := New(DefaultConfig(), reg)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = frame.ReadString(conn, frame.DefaultLimits())
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	require.Equal(t, int64(0), srv.ActiveConnections())
}

func TestHandlerReportEmptyRegistry(t *testing.T) {
	lines, err := HandlerReport(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"<handlers/>"}, lines)
}
