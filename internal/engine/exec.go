package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// ExecConfig configures the command-line tool engine.
type ExecConfig struct {
	XsltprocPath    string
	XmllintPath     string
	RecoverSilently bool
	Runner          CommandRunner
}

func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		XsltprocPath:    "xsltproc",
		XmllintPath:     "xmllint",
		RecoverSilently: true,
		Runner:          ExecRunner{},
	}
}

// ExecEngine runs xsltproc for transforms and xmllint for XSD validation.
// Sources are checked at compile time and read from disk by the tools at
// apply time, so xsl:include and xsl:import resolve against the original
// stylesheet location.
type ExecEngine struct {
	cfg ExecConfig
}

var _ Engine = (*ExecEngine)(nil)

func NewExecEngine(cfg ExecConfig) *ExecEngine {
	def := DefaultExecConfig()
	if strings.TrimSpace(cfg.XsltprocPath) == "" {
		cfg.XsltprocPath = def.XsltprocPath
	}
	if strings.TrimSpace(cfg.XmllintPath) == "" {
		cfg.XmllintPath = def.XmllintPath
	}
	if cfg.Runner == nil {
		cfg.Runner = def.Runner
	}
	return &ExecEngine{cfg: cfg}
}

func (e *ExecEngine) CompileStylesheet(path string) (Stylesheet, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &SourceError{Path: path, Err: err}
	}
	if err := CheckStylesheet(abs); err != nil {
		return nil, err
	}
	return &execStylesheet{path: abs, engine: e}, nil
}

func (e *ExecEngine) CompileSchema(paths []string) (Schema, error) {
	if len(paths) == 0 {
		return nil, ErrNoSchemas
	}
	abs := make([]string, 0, len(paths))
	for _, path := range paths {
		p, err := filepath.Abs(path)
		if err != nil {
			return nil, &SourceError{Path: path, Err: err}
		}
		if err := CheckSchema(p); err != nil {
			return nil, err
		}
		abs = append(abs, p)
	}
	return &execSchema{paths: abs, engine: e}, nil
}

type execStylesheet struct {
	path   string
	engine *ExecEngine
}

func (s *execStylesheet) Path() string {
	return s.path
}

func (s *execStylesheet) Apply(ctx context.Context, doc []byte) ([]byte, error) {
	cfg := s.engine.cfg
	stdout, stderr, code, err := cfg.Runner.Run(ctx, doc, cfg.XsltprocPath, "--nonet", s.path, "-")
	if err != nil {
		if code == 127 {
			return nil, fmt.Errorf("engine: run %s: %w", cfg.XsltprocPath, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransformError{
			Stylesheet:  filepath.Base(s.path),
			Diagnostics: diagnosticLines(stderr),
			Err:         err,
		}
	}
	if warnings := diagnosticLines(stderr); len(warnings) > 0 && !cfg.RecoverSilently {
		log.Warn().
			Str("stylesheet", s.path).
			Strs("warnings", warnings).
			Msg("engine.xsltproc recovered from warnings")
	}
	return stdout, nil
}

type execSchema struct {
	paths  []string
	engine *ExecEngine
}

// Validate checks doc against every schema source in order and stops at the
// first rejection.
func (s *execSchema) Validate(ctx context.Context, doc []byte) error {
	cfg := s.engine.cfg
	for _, path := range s.paths {
		_, stderr, code, err := cfg.Runner.Run(ctx, doc, cfg.XmllintPath, "--noout", "--nonet", "--schema", path, "-")
		if err == nil {
			continue
		}
		if code == 127 {
			return fmt.Errorf("engine: run %s: %w", cfg.XmllintPath, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &ValidationError{Diagnostics: schemaDiagnostics(stderr)}
	}
	return nil
}

// schemaDiagnostics drops the xmllint summary lines ("- validates",
// "- fails to validate") and keeps the actual messages.
func schemaDiagnostics(stderr []byte) []string {
	lines := diagnosticLines(stderr)
	out := lines[:0]
	for _, line := range lines {
		if strings.HasSuffix(line, " validates") || strings.HasSuffix(line, " fails to validate") {
			continue
		}
		out = append(out, line)
	}
	return out
}
