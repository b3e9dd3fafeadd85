package config

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/xtst/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xtstd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load("")
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("defaults changed (-want +got):\n%s", diff)
	}
	require.Equal(t, "localhost:35791", cfg.Addr())
}

func TestLoadFileOverlaysOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
port = 4000
multi = true
transform_path = "/srv/xtst"
check_interval = "5s"
admin_cors_origins = [" http://localhost:3000 ", ""]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.Port = 4000
	want.Multi = true
	want.TransformPath = "/srv/xtst"
	want.CheckInterval = 5 * time.Second
	want.AdminCORSOrigins = []string{"http://localhost:3000"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileCanDisableBooleans(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "recover_silently = false\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.False(t, cfg.RecoverSilently)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `read_timeout = "soon"`)
	_, err := Load(path)
	require.ErrorContains(t, err, "read_timeout")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "port = 4000\nhost = \"0.0.0.0\"\n")
	t.Setenv("XTST_PORT", "5000")
	t.Setenv("XTST_MULTI", "true")
	t.Setenv("XTST_CHECK_INTERVAL", "2m")
	t.Setenv("XTST_ADMIN_CORS_ORIGINS", "http://a,http://b")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 5000, cfg.Port)
	require.True(t, cfg.Multi)
	require.Equal(t, 2*time.Minute, cfg.CheckInterval)
	require.Equal(t, []string{"http://a", "http://b"}, cfg.AdminCORSOrigins)
	require.Equal(t, 60*time.Second, cfg.ReadTimeout)
}

func TestAddrBracketsIPv6Hosts(t *testing.T) {
	cfg := Default()
	cfg.Host = "::1"
	cfg.Port = 35791
	require.Equal(t, "[::1]:35791", cfg.Addr())

	cfg.Host = "fe80::1%eth0"
	require.Equal(t, "[fe80::1%eth0]:35791", cfg.Addr())

	cfg.Host = "::1"
	cfg.Port = 0
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		if strings.Contains(err.Error(), "too many colons") {
			t.Fatalf("address not bracketed: %v", err)
		}
		t.Skipf("ipv6 loopback unavailable: %v", err)
	}
	require.NoError(t, ln.Close())
}

func TestValidate(t *testing.T) {
	testlog.Start(t)
	base := Default()
	base.TransformPath = "t.xsl"
	require.NoError(t, base.Validate())

	cases := map[string]struct {
		mutate func(*ServerConfig)
		want   error
	}{
		"no transform": {func(c *ServerConfig) { c.TransformPath = " " }, ErrNoTransformPath},
		"bad port":     {func(c *ServerConfig) { c.Port = 70000 }, ErrInvalidPort},
		"negative":     {func(c *ServerConfig) { c.ReadTimeout = -time.Second }, ErrNegativeTimeout},
		"multi schema": {func(c *ServerConfig) { c.Multi = true; c.SchemaPath = "s.xsd" }, ErrSchemaWithMulti},
		"frame limit":  {func(c *ServerConfig) { c.MaxFrameBytes = 0 }, ErrFrameLimit},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}
}

func TestTemplatesPassStrictCheck(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range []string{KindServer, KindDescriptor} {
		path := filepath.Join(dir, kind+".toml")
		require.NoError(t, WriteTemplate(path, kind, false))
		require.NoError(t, CheckFile(path, kind), kind)
		require.Error(t, WriteTemplate(path, kind, false), "existing file is kept")
		require.NoError(t, WriteTemplate(path, kind, true))
	}
	_, err := Template("ghost")
	require.Error(t, err)
}

func TestCheckFileRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "transform_path = \"t.xsl\"\nprot = 1\n")
	err := CheckFile(path, KindServer)
	require.ErrorContains(t, err, "prot")
}

func TestCheckFileDescriptorNeedsTransform(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "keyword = \"k\"\n")
	require.Error(t, CheckFile(path, KindDescriptor))
}
