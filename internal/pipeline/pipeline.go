// Package pipeline runs one handler's schema validation and transforms, and
// recompiles its sources when they change on disk.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/danmuck/xtst/internal/engine"
	"github.com/danmuck/xtst/internal/merge"
	"github.com/danmuck/xtst/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var ErrNoTransforms = errors.New("pipeline: no transforms configured")

// Spec describes the sources of one pipeline. Transform order is merge order.
type Spec struct {
	Name        string
	Description string
	Transforms  []string
	Schemas     []string
	LineNumbers bool
}

// Info is the public description of a pipeline.
type Info struct {
	Name        string
	Description string
	Transforms  []string
	Schemas     []string
}

// StatFunc returns the modification time of path.
type StatFunc func(path string) (time.Time, error)

type Options struct {
	// CheckInterval bounds how often sources are stat'ed. Zero or negative
	// checks on every call.
	CheckInterval time.Duration
	PrefixElement string
	Stat          StatFunc
}

func DefaultOptions() Options {
	return Options{
		CheckInterval: 30 * time.Second,
		PrefixElement: merge.DefaultPrefixElement,
		Stat:          osStat,
	}
}

// compiled is the immutable result of one (re)compile.
type compiled struct {
	sheets []engine.Stylesheet
	schema engine.Schema
	mtimes []time.Time
}

type Pipeline struct {
	spec    Spec
	engine  engine.Engine
	merger  *merge.Merger
	stat    StatFunc
	limiter *rate.Limiter

	checkMu       sync.Mutex
	lastCheckedAt time.Time

	mu    sync.RWMutex
	state *compiled
}

// New compiles every source of spec. Any failure is returned and no
// pipeline is built.
func New(spec Spec, eng engine.Engine, opts Options) (*Pipeline, error) {
	if len(spec.Transforms) == 0 {
		return nil, ErrNoTransforms
	}
	if eng == nil {
		return nil, errors.New("pipeline: nil engine")
	}
	if opts.Stat == nil {
		opts.Stat = osStat
	}

	p := &Pipeline{
		spec:   cloneSpec(spec),
		engine: eng,
		merger: merge.New(opts.PrefixElement),
		stat:   opts.Stat,
	}
	if opts.CheckInterval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(opts.CheckInterval), 1)
		// sources were just read; the first check is one interval away
		p.limiter.Allow()
	}

	state, err := p.compile()
	if err != nil {
		return nil, err
	}
	p.state = state
	p.lastCheckedAt = time.Now()
	return p, nil
}

func (p *Pipeline) Info() Info {
	return Info{
		Name:        p.spec.Name,
		Description: p.spec.Description,
		Transforms:  append([]string(nil), p.spec.Transforms...),
		Schemas:     append([]string(nil), p.spec.Schemas...),
	}
}

// LastCheckedAt reports when sources were last stat'ed.
func (p *Pipeline) LastCheckedAt() time.Time {
	p.checkMu.Lock()
	defer p.checkMu.Unlock()
	return p.lastCheckedAt
}

// CheckForReload recompiles every source when any of them has a newer
// modification time than recorded. It reports whether a recompile happened.
// On failure the previous compiled state and recorded times stay in place.
func (p *Pipeline) CheckForReload(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.checkMu.Lock()
	defer p.checkMu.Unlock()

	if p.limiter != nil && !p.limiter.Allow() {
		return false, nil
	}
	p.lastCheckedAt = time.Now()

	current := p.current()
	changed := false
	for i, path := range p.sources() {
		mtime, err := p.stat(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("pipeline source stat failed")
			changed = true
			break
		}
		if mtime.After(current.mtimes[i]) {
			log.Debug().Str("path", path).Time("mtime", mtime).Msg("pipeline source changed")
			changed = true
			break
		}
	}
	if !changed {
		return false, nil
	}

	next, err := p.compile()
	if err != nil {
		observability.RecordPipelineReload(observability.ResultError)
		log.Error().Err(err).Str("name", p.spec.Name).Msg("pipeline reload failed; keeping previous sources")
		return false, err
	}

	p.mu.Lock()
	p.state = next
	p.mu.Unlock()
	observability.RecordPipelineReload(observability.ResultOK)
	log.Info().Str("name", p.spec.Name).Int("transforms", len(next.sheets)).Msg("pipeline reloaded")
	return true, nil
}

// Validate checks doc against the configured schemas. Without schemas it
// always passes.
func (p *Pipeline) Validate(ctx context.Context, doc []byte) error {
	state := p.current()
	if state.schema == nil {
		return nil
	}
	return state.schema.Validate(ctx, doc)
}

// Transform applies every transform to doc. Several outputs are merged; a
// single output is re-indented when it is well-formed XML.
func (p *Pipeline) Transform(ctx context.Context, doc []byte) ([]byte, error) {
	state := p.current()

	input := doc
	if p.spec.LineNumbers {
		annotated, err := engine.AnnotateLines(doc)
		if err != nil {
			return nil, &engine.TransformError{Diagnostics: []string{err.Error()}, Err: err}
		}
		input = annotated
	}

	outputs := make([][]byte, 0, len(state.sheets))
	for _, sheet := range state.sheets {
		out, err := sheet.Apply(ctx, input)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}

	if len(outputs) == 1 {
		formatted, err := merge.Format(outputs[0])
		if err != nil {
			return outputs[0], nil
		}
		return formatted, nil
	}
	merged, err := p.merger.Merge(outputs)
	if err != nil {
		return nil, &engine.TransformError{Diagnostics: []string{err.Error()}, Err: err}
	}
	return merged, nil
}

// Process runs a reload check, validation, then the transforms. A failed
// reload check is logged and the request continues on the previous sources.
func (p *Pipeline) Process(ctx context.Context, doc []byte) ([]byte, error) {
	_, _ = p.CheckForReload(ctx)
	if err := p.Validate(ctx, doc); err != nil {
		return nil, err
	}
	return p.Transform(ctx, doc)
}

func (p *Pipeline) current() *compiled {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// sources lists transforms then schemas; compiled.mtimes follows this order.
func (p *Pipeline) sources() []string {
	out := make([]string, 0, len(p.spec.Transforms)+len(p.spec.Schemas))
	out = append(out, p.spec.Transforms...)
	return append(out, p.spec.Schemas...)
}

// compile stats every source before compiling it, so a write landing
// mid-compile is picked up by the next check.
func (p *Pipeline) compile() (*compiled, error) {
	sources := p.sources()
	state := &compiled{mtimes: make([]time.Time, 0, len(sources))}
	for _, path := range sources {
		mtime, err := p.stat(path)
		if err != nil {
			return nil, &engine.SourceError{Path: path, Err: err}
		}
		state.mtimes = append(state.mtimes, mtime)
	}

	for _, path := range p.spec.Transforms {
		sheet, err := p.engine.CompileStylesheet(path)
		if err != nil {
			return nil, fmt.Errorf("compile transform %s: %w", path, err)
		}
		state.sheets = append(state.sheets, sheet)
	}
	if len(p.spec.Schemas) > 0 {
		schema, err := p.engine.CompileSchema(p.spec.Schemas)
		if err != nil {
			return nil, fmt.Errorf("compile schema: %w", err)
		}
		state.schema = schema
	}
	return state, nil
}

func cloneSpec(spec Spec) Spec {
	spec.Transforms = append([]string(nil), spec.Transforms...)
	spec.Schemas = append([]string(nil), spec.Schemas...)
	return spec
}

func osStat(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
