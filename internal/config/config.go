package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/xtst/internal/merge"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

// EnvPrefix selects environment overrides, e.g. XTST_PORT.
const EnvPrefix = "XTST_"

// ServerConfig is the resolved configuration of one xtstd process.
type ServerConfig struct {
	Host          string        `koanf:"host"`
	Port          int           `koanf:"port"`
	Multi         bool          `koanf:"multi"`
	TransformPath string        `koanf:"transform_path"`
	SchemaPath    string        `koanf:"schema_path"`
	CheckInterval time.Duration `koanf:"check_interval"`

	MergePrefixElement string `koanf:"merge_prefix_element"`
	MaxFrameBytes      int64  `koanf:"max_frame_bytes"`

	ReadTimeout   time.Duration `koanf:"read_timeout"`
	WriteTimeout  time.Duration `koanf:"write_timeout"`
	AcceptTimeout time.Duration `koanf:"accept_timeout"`
	Sequential    bool          `koanf:"sequential"`

	RecoverSilently bool   `koanf:"recover_silently"`
	XsltprocPath    string `koanf:"xsltproc_path"`
	XmllintPath     string `koanf:"xmllint_path"`

	AdminAddr        string   `koanf:"admin_addr"`
	AdminCORSOrigins []string `koanf:"admin_cors_origins"`
	// AdminToken, when set, is required as a bearer token on POST /reload.
	AdminToken string `koanf:"admin_token"`
}

func Default() ServerConfig {
	return ServerConfig{
		Host:               "localhost",
		Port:               35791,
		CheckInterval:      30 * time.Second,
		MergePrefixElement: merge.DefaultPrefixElement,
		MaxFrameBytes:      64 * 1024 * 1024,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       60 * time.Second,
		RecoverSilently:    true,
		XsltprocPath:       "xsltproc",
		XmllintPath:        "xmllint",
		AdminCORSOrigins:   []string{},
	}
}

// fileConfig mirrors the TOML file. Durations are strings ("30s").
type fileConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	Multi              bool     `toml:"multi"`
	TransformPath      string   `toml:"transform_path"`
	SchemaPath         string   `toml:"schema_path"`
	CheckInterval      string   `toml:"check_interval"`
	MergePrefixElement string   `toml:"merge_prefix_element"`
	MaxFrameBytes      int64    `toml:"max_frame_bytes"`
	ReadTimeout        string   `toml:"read_timeout"`
	WriteTimeout       string   `toml:"write_timeout"`
	AcceptTimeout      string   `toml:"accept_timeout"`
	Sequential         bool     `toml:"sequential"`
	RecoverSilently    bool     `toml:"recover_silently"`
	XsltprocPath       string   `toml:"xsltproc_path"`
	XmllintPath        string   `toml:"xmllint_path"`
	AdminAddr          string   `toml:"admin_addr"`
	AdminCORSOrigins   []string `toml:"admin_cors_origins"`
	AdminToken         string   `toml:"admin_token"`
}

// Load resolves defaults, then the TOML file at path (when non-empty), then
// XTST_* environment variables. Flags are applied by the caller.
func Load(path string) (ServerConfig, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return ServerConfig{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func applyFile(cfg *ServerConfig, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		log.Warn().Str("path", path).Str("key", key.String()).Msg("unknown config key")
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("multi") {
		cfg.Multi = raw.Multi
	}
	if meta.IsDefined("transform_path") {
		cfg.TransformPath = strings.TrimSpace(raw.TransformPath)
	}
	if meta.IsDefined("schema_path") {
		cfg.SchemaPath = strings.TrimSpace(raw.SchemaPath)
	}
	if meta.IsDefined("merge_prefix_element") {
		cfg.MergePrefixElement = strings.TrimSpace(raw.MergePrefixElement)
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("sequential") {
		cfg.Sequential = raw.Sequential
	}
	if meta.IsDefined("recover_silently") {
		cfg.RecoverSilently = raw.RecoverSilently
	}
	if meta.IsDefined("xsltproc_path") {
		cfg.XsltprocPath = strings.TrimSpace(raw.XsltprocPath)
	}
	if meta.IsDefined("xmllint_path") {
		cfg.XmllintPath = strings.TrimSpace(raw.XmllintPath)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("admin_cors_origins") {
		cfg.AdminCORSOrigins = normalizeList(raw.AdminCORSOrigins)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"check_interval", raw.CheckInterval, &cfg.CheckInterval},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"accept_timeout", raw.AcceptTimeout, &cfg.AcceptTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

// ApplyEnv overlays XTST_* variables onto cfg. XTST_CHECK_INTERVAL=10s sets
// check_interval; lists are comma separated.
func ApplyEnv(cfg *ServerConfig) error {
	k := koanf.New(".")
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	cfg.AdminCORSOrigins = normalizeList(cfg.AdminCORSOrigins)
	return nil
}

// Addr is the protocol listen address. IPv6 hosts are bracketed.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(c.Port))
}

var (
	ErrNoTransformPath = errors.New("config: transform_path is required")
	ErrInvalidPort     = errors.New("config: port out of range")
	ErrNegativeTimeout = errors.New("config: negative duration")
	ErrSchemaWithMulti = errors.New("config: schema_path is only used in single mode")
	ErrFrameLimit      = errors.New("config: max_frame_bytes out of range")
)

func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.TransformPath) == "" {
		return ErrNoTransformPath
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	for name, d := range map[string]time.Duration{
		"check_interval": c.CheckInterval,
		"read_timeout":   c.ReadTimeout,
		"write_timeout":  c.WriteTimeout,
		"accept_timeout": c.AcceptTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s=%s", ErrNegativeTimeout, name, d)
		}
	}
	if c.Multi && strings.TrimSpace(c.SchemaPath) != "" {
		return ErrSchemaWithMulti
	}
	if c.MaxFrameBytes <= 0 || c.MaxFrameBytes > int64(^uint32(0)) {
		return fmt.Errorf("%w: %d", ErrFrameLimit, c.MaxFrameBytes)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
