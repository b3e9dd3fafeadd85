package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/xtst/internal/pipeline"
	"github.com/magiconair/properties"
	"github.com/rs/zerolog/log"
)

const (
	DescriptorTOML       = "xtst.toml"
	DescriptorProperties = "xtst.properties"
)

// Descriptor is the parsed per-directory handler description. Paths are
// resolved against the descriptor's directory.
type Descriptor struct {
	Path        string
	Keyword     string
	Name        string
	Description string
	Transforms  []string
	Schemas     []string
	LineNumbers bool
}

// Spec converts the descriptor into a pipeline spec.
func (d Descriptor) Spec() pipeline.Spec {
	return pipeline.Spec{
		Name:        d.Name,
		Description: d.Description,
		Transforms:  append([]string(nil), d.Transforms...),
		Schemas:     append([]string(nil), d.Schemas...),
		LineNumbers: d.LineNumbers,
	}
}

type tomlDescriptor struct {
	Keyword        string   `toml:"keyword"`
	Name           string   `toml:"name"`
	Description    string   `toml:"description"`
	TransformFile  string   `toml:"transform_file"`
	TransformFiles []string `toml:"transform_files"`
	SchemaFile     string   `toml:"schema_file"`
	SchemaFiles    []string `toml:"schema_files"`
	LineNumbers    bool     `toml:"line_numbers"`
}

// FindDescriptor returns the descriptor file in dir, if any. xtst.toml
// wins over xtst.properties.
func FindDescriptor(dir string) (string, bool) {
	tomlPath := filepath.Join(dir, DescriptorTOML)
	propsPath := filepath.Join(dir, DescriptorProperties)
	hasTOML := isFile(tomlPath)
	hasProps := isFile(propsPath)
	switch {
	case hasTOML && hasProps:
		log.Warn().Str("dir", dir).Str("ignored", DescriptorProperties).Msg("both descriptor formats present; using toml")
		return tomlPath, true
	case hasTOML:
		return tomlPath, true
	case hasProps:
		return propsPath, true
	default:
		return "", false
	}
}

// ParseDescriptor reads a descriptor file in either format.
func ParseDescriptor(path string) (Descriptor, error) {
	var (
		desc Descriptor
		err  error
	)
	switch filepath.Base(path) {
	case DescriptorProperties:
		desc, err = parseProperties(path)
	default:
		desc, err = parseTOML(path)
	}
	if err != nil {
		return Descriptor{}, &ConfigError{Path: path, Err: err}
	}
	desc.Path = path
	if err := desc.validate(); err != nil {
		return Descriptor{}, &ConfigError{Path: path, Err: err}
	}
	base := filepath.Dir(path)
	desc.Transforms = resolvePaths(base, desc.Transforms)
	desc.Schemas = resolvePaths(base, desc.Schemas)
	return desc, nil
}

func parseTOML(path string) (Descriptor, error) {
	var raw tomlDescriptor
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Descriptor{}, err
	}
	for _, key := range meta.Undecoded() {
		log.Warn().Str("path", path).Str("key", key.String()).Msg("unknown descriptor key")
	}
	return Descriptor{
		Keyword:     strings.TrimSpace(raw.Keyword),
		Name:        raw.Name,
		Description: raw.Description,
		Transforms:  prependSingle(raw.TransformFile, raw.TransformFiles),
		Schemas:     prependSingle(raw.SchemaFile, raw.SchemaFiles),
		LineNumbers: raw.LineNumbers,
	}, nil
}

var numberedKey = regexp.MustCompile(`^(transform_file|xsl_file|schema_file|xsd_file)(\d*)$`)

func parseProperties(path string) (Descriptor, error) {
	loader := properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	props, err := loader.LoadFile(path)
	if err != nil {
		return Descriptor{}, err
	}

	type entry struct {
		n     int
		value string
	}
	var transforms, schemas []entry
	for _, key := range props.Keys() {
		m := numberedKey.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(props.GetString(key, ""))
		if value == "" {
			continue
		}
		n := 0
		if m[2] != "" {
			n, err = strconv.Atoi(m[2])
			if err != nil {
				return Descriptor{}, fmt.Errorf("key %s: %w", key, err)
			}
		}
		switch m[1] {
		case "transform_file", "xsl_file":
			transforms = append(transforms, entry{n: n, value: value})
		default:
			schemas = append(schemas, entry{n: n, value: value})
		}
	}

	ordered := func(entries []entry) []string {
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].n < entries[j].n })
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.value)
		}
		return out
	}

	lineNumbers, _ := strconv.ParseBool(strings.TrimSpace(props.GetString("line_numbers", "false")))
	return Descriptor{
		Keyword:     strings.TrimSpace(props.GetString("keyword", "")),
		Name:        props.GetString("name", ""),
		Description: props.GetString("description", ""),
		Transforms:  ordered(transforms),
		Schemas:     ordered(schemas),
		LineNumbers: lineNumbers,
	}, nil
}

func (d Descriptor) validate() error {
	if d.Keyword == "" {
		return ErrMissingKeyword
	}
	if strings.ContainsAny(d.Keyword, " \t\r\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidKeyword, d.Keyword)
	}
	if len(d.Transforms) == 0 {
		return ErrNoTransforms
	}
	return nil
}

func prependSingle(single string, list []string) []string {
	out := make([]string, 0, len(list)+1)
	if s := strings.TrimSpace(single); s != "" {
		out = append(out, s)
	}
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func resolvePaths(base string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
