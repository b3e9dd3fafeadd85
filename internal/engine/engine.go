package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotStylesheet = errors.New("engine: not an XSLT stylesheet")
	ErrNotSchema     = errors.New("engine: not an XML schema")
	ErrNoSchemas     = errors.New("engine: no schema sources")
)

// Engine compiles transform and schema sources.
type Engine interface {
	CompileStylesheet(path string) (Stylesheet, error)
	CompileSchema(paths []string) (Schema, error)
}

// Stylesheet applies one compiled transform to a document.
type Stylesheet interface {
	Path() string
	Apply(ctx context.Context, doc []byte) ([]byte, error)
}

// Schema validates a document against one or more compiled schema sources.
type Schema interface {
	Validate(ctx context.Context, doc []byte) error
}

// ValidationError reports a document rejected by a schema.
type ValidationError struct {
	Diagnostics []string
}

func (e *ValidationError) Error() string {
	if len(e.Diagnostics) == 0 {
		return "document does not validate"
	}
	return strings.Join(e.Diagnostics, "; ")
}

// TransformError reports an engine-level failure while applying a stylesheet.
type TransformError struct {
	Stylesheet  string
	Diagnostics []string
	Err         error
}

func (e *TransformError) Error() string {
	msg := strings.Join(e.Diagnostics, "; ")
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = "transformation failed"
	}
	if e.Stylesheet == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Stylesheet, msg)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// SourceError reports a transform or schema source that could not be loaded.
type SourceError struct {
	Path string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// diagnosticLines splits tool output into non-empty trimmed lines.
func diagnosticLines(raw []byte) []string {
	var out []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
