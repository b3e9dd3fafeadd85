package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	KindServer     = "server"
	KindDescriptor = "descriptor"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindServer:
		return serverTemplate, nil
	case KindDescriptor:
		return descriptorTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

type strictServer struct {
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

type strictDescriptor struct {
	Keyword        string   `toml:"keyword"`
	Name           string   `toml:"name"`
	Description    string   `toml:"description"`
	TransformFile  string   `toml:"transform_file"`
	TransformFiles []string `toml:"transform_files"`
	SchemaFile     string   `toml:"schema_file"`
	SchemaFiles    []string `toml:"schema_files"`
	LineNumbers    bool     `toml:"line_numbers"`
}

// CheckFile decodes path strictly: unknown keys and type mismatches are
// errors. Server files must also pass Validate.
func CheckFile(path, kind string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindServer:
		var raw strictServer
		if err := decodeStrict(data, &raw); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		cfg := Default()
		if err := applyFile(&cfg, path); err != nil {
			return err
		}
		return cfg.Validate()
	case KindDescriptor:
		var raw strictDescriptor
		if err := decodeStrict(data, &raw); err != nil {
			return fmt.Errorf("descriptor parse failed (%s): %w", path, err)
		}
		if strings.TrimSpace(raw.Keyword) == "" {
			return fmt.Errorf("descriptor %s: keyword is required", path)
		}
		if strings.TrimSpace(raw.TransformFile) == "" && len(raw.TransformFiles) == 0 {
			return fmt.Errorf("descriptor %s: at least one transform is required", path)
		}
		return nil
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

func decodeStrict(data []byte, out any) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%s", strings.TrimSpace(strict.String()))
		}
		return err
	}
	return nil
}

const serverTemplate = `# xtstd server configuration
host = "localhost"
port = 35791

# single mode: transform_path is one stylesheet, schema_path is optional.
# multi mode: transform_path is a directory scanned for xtst.toml descriptors.
multi = false
transform_path = "transform.xsl"
schema_path = ""

# how often each handler checks its sources for changes
check_interval = "30s"

merge_prefix_element = "svrl:ns-prefix-in-attribute-values"
max_frame_bytes = 67108864

read_timeout = "60s"
write_timeout = "60s"
# "0s" waits for clients forever; otherwise the server stops when idle this long
accept_timeout = "0s"
sequential = false

recover_silently = true
xsltproc_path = "xsltproc"
xmllint_path = "xmllint"

# admin HTTP (health, metrics, reload); empty disables it
admin_addr = ""
admin_cors_origins = []
# bearer token required by POST /reload; empty leaves it open
admin_token = ""
`

const descriptorTemplate = `# handler descriptor, one per directory
keyword = "example"
name = "Example handler"
description = "What this handler checks"

# applied in order to the same input; outputs are merged in this order
transform_files = ["transform.xsl"]
schema_files = []

# annotate input elements with xtst:line before transforming
line_numbers = false
`
