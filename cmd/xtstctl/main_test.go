package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/danmuck/xtst/internal/pipeline"
	"github.com/danmuck/xtst/internal/registry"
	"github.com/danmuck/xtst/internal/server"
	"github.com/danmuck/xtst/internal/testutil/fakeengine"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serveOn(t, ln)
}

func serveOn(t *testing.T, ln net.Listener) (string, int) {
	t.Helper()
	dir := t.TempDir()
	xsl := filepath.Join(dir, "copy.xsl")
	require.NoError(t, os.WriteFile(xsl, []byte(`<transform mode="identity"/>`), 0o644))

	eng := fakeengine.New()
	reg := registry.New(registry.Config{TransformPath: xsl}, func(spec pipeline.Spec) (*pipeline.Pipeline, error) {
		return pipeline.New(spec, eng, pipeline.DefaultOptions())
	})
	require.NoError(t, reg.Reload(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = server.New(server.DefaultConfig(), reg).Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestRunValidateWritesOutputFile(t *testing.T) {
	host, port := startServer(t)
	dir := t.TempDir()
	doc := filepath.Join(dir, "doc.xml")
	out := filepath.Join(dir, "out.xml")
	require.NoError(t, os.WriteFile(doc, []byte(`<a/>`), 0o644))

	var stdout, stderr bytes.Buffer
	code := run([]string{"-a", host, "-p", strconv.Itoa(port), "-o", out, "validate", doc}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(body), "<a/>")
}

func TestRunListHandlers(t *testing.T) {
	host, port := startServer(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"-a", host, "-p", strconv.Itoa(port), "list-handlers"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.True(t, strings.HasPrefix(stdout.String(), "<handlers>\n"))
	require.Contains(t, stdout.String(), "<keyword>default</keyword>")
}

func TestRunReload(t *testing.T) {
	host, port := startServer(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"-a", host, "-p", strconv.Itoa(port), "reload"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, "handler(s) reloaded\n", stdout.String())
}

func TestServerAddrBracketsIPv6(t *testing.T) {
	require.Equal(t, "localhost:35791", serverAddr("localhost", 35791))
	require.Equal(t, "127.0.0.1:9", serverAddr(" 127.0.0.1 ", 9))
	require.Equal(t, "[::1]:35791", serverAddr("::1", 35791))
}

func TestRunReloadOverIPv6(t *testing.T) {
	ln, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skipf("ipv6 loopback unavailable: %v", err)
	}
	host, port := serveOn(t, ln)
	require.Equal(t, "::1", host)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-a", host, "-p", strconv.Itoa(port), "reload"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, "handler(s) reloaded\n", stdout.String())
}

func TestRunUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 2, run(nil, &stdout, &stderr))
	require.Equal(t, 2, run([]string{"frobnicate"}, &stdout, &stderr))
	require.Equal(t, 2, run([]string{"validate"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "usage: xtstctl")
}
