// Package registry maps request keywords to transform pipelines. A loaded
// Snapshot is immutable; Registry swaps whole snapshots atomically.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/danmuck/xtst/internal/observability"
	"github.com/danmuck/xtst/internal/pipeline"
	"github.com/danmuck/xtst/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicateKeyword = errors.New("duplicate keyword")
	ErrNoTransforms     = pipeline.ErrNoTransforms
	ErrMissingKeyword   = errors.New("descriptor: missing keyword")
	ErrInvalidKeyword   = errors.New("descriptor: invalid keyword")
	ErrNotFound         = errors.New("keyword not found")
	ErrNoHandlers       = errors.New("no handlers found")
	ErrNoTransformPath  = errors.New("no transform path configured")
)

// ConfigError reports a descriptor or source that prevented a load.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadWarning accompanies a usable snapshot the caller may still reject.
type LoadWarning struct {
	Err error
}

func (w *LoadWarning) Error() string {
	return "warning: " + w.Err.Error()
}

func (w *LoadWarning) Unwrap() error {
	return w.Err
}

// Config selects the discovery mode.
type Config struct {
	Multi bool
	// TransformPath is the transform file in single mode and the discovery
	// root in multi mode.
	TransformPath string
	SchemaPath    string
}

// Builder turns a pipeline spec into a live pipeline.
type Builder func(spec pipeline.Spec) (*pipeline.Pipeline, error)

// HandlerInfo is one entry of the handler listing.
type HandlerInfo struct {
	Keyword     string `json:"keyword"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Snapshot struct {
	handlers map[string]*pipeline.Pipeline
	order    []string
}

func newSnapshot() *Snapshot {
	return &Snapshot{handlers: make(map[string]*pipeline.Pipeline)}
}

func (s *Snapshot) add(keyword string, p *pipeline.Pipeline) error {
	if _, ok := s.handlers[keyword]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKeyword, keyword)
	}
	s.handlers[keyword] = p
	s.order = append(s.order, keyword)
	return nil
}

// Lookup returns the pipeline registered under keyword.
func (s *Snapshot) Lookup(keyword string) (*pipeline.Pipeline, error) {
	if s != nil {
		if p, ok := s.handlers[keyword]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, keyword)
}

func (s *Snapshot) Count() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// List returns handler metadata in discovery order.
func (s *Snapshot) List() []HandlerInfo {
	if s == nil {
		return nil
	}
	list := make([]HandlerInfo, 0, len(s.order))
	for _, kw := range s.order {
		info := s.handlers[kw].Info()
		list = append(list, HandlerInfo{Keyword: kw, Name: info.Name, Description: info.Description})
	}
	return list
}

// Load builds a new snapshot from cfg. In multi mode an empty discovery
// returns the empty snapshot together with a *LoadWarning.
func Load(ctx context.Context, cfg Config, build Builder) (*Snapshot, error) {
	if strings.TrimSpace(cfg.TransformPath) == "" {
		return nil, &ConfigError{Err: ErrNoTransformPath}
	}
	if cfg.Multi {
		return loadMulti(ctx, cfg.TransformPath, build)
	}
	return loadSingle(cfg, build)
}

func loadSingle(cfg Config, build Builder) (*Snapshot, error) {
	spec := pipeline.Spec{Transforms: []string{cfg.TransformPath}}
	if strings.TrimSpace(cfg.SchemaPath) != "" {
		spec.Schemas = []string{cfg.SchemaPath}
	}
	p, err := build(spec)
	if err != nil {
		return nil, &ConfigError{Path: cfg.TransformPath, Err: err}
	}
	snap := newSnapshot()
	if err := snap.add(protocol.DefaultKeyword, p); err != nil {
		return nil, err
	}
	log.Info().Str("keyword", protocol.DefaultKeyword).Str("transform", cfg.TransformPath).Msg("handler registered")
	return snap, nil
}

func loadMulti(ctx context.Context, root string, build Builder) (*Snapshot, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, &ConfigError{Path: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &ConfigError{Path: root, Err: errors.New("discovery root is not a directory")}
	}

	snap := newSnapshot()
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &ConfigError{Path: path, Err: err}
		}
		if !d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		descPath, ok := FindDescriptor(path)
		if !ok {
			return nil
		}
		desc, err := ParseDescriptor(descPath)
		if err != nil {
			return err
		}
		if _, exists := snap.handlers[desc.Keyword]; exists {
			return &ConfigError{Path: descPath, Err: fmt.Errorf("%w: %s", ErrDuplicateKeyword, desc.Keyword)}
		}
		p, err := build(desc.Spec())
		if err != nil {
			return &ConfigError{Path: descPath, Err: err}
		}
		if err := snap.add(desc.Keyword, p); err != nil {
			return &ConfigError{Path: descPath, Err: err}
		}
		log.Info().
			Str("keyword", desc.Keyword).
			Str("descriptor", descPath).
			Int("transforms", len(desc.Transforms)).
			Int("schemas", len(desc.Schemas)).
			Msg("handler registered")
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if snap.Count() == 0 {
		return snap, &LoadWarning{Err: fmt.Errorf("%w under %s", ErrNoHandlers, root)}
	}
	return snap, nil
}

// Registry holds the live snapshot.
type Registry struct {
	cfg     Config
	build   Builder
	current atomic.Pointer[Snapshot]
}

func New(cfg Config, build Builder) *Registry {
	r := &Registry{cfg: cfg, build: build}
	r.current.Store(newSnapshot())
	return r
}

// Current returns the live snapshot. Callers keep using the returned value
// for the whole request.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

func (r *Registry) Swap(next *Snapshot) *Snapshot {
	if next == nil {
		next = newSnapshot()
	}
	return r.current.Swap(next)
}

// Reload loads a fresh snapshot and swaps it in. On error the live
// snapshot is untouched; a *LoadWarning still swaps and is returned.
func (r *Registry) Reload(ctx context.Context) error {
	next, err := Load(ctx, r.cfg, r.build)
	var warn *LoadWarning
	if err != nil && !errors.As(err, &warn) {
		observability.RecordRegistryReload(observability.ResultError, r.Current().Count())
		log.Error().Err(err).Msg("registry reload failed; keeping current handlers")
		return err
	}
	r.Swap(next)
	if warn != nil {
		observability.RecordRegistryReload(observability.ResultWarning, next.Count())
		log.Warn().Err(warn.Err).Msg("registry reloaded without handlers")
		return warn
	}
	observability.RecordRegistryReload(observability.ResultOK, next.Count())
	log.Info().Int("handlers", next.Count()).Msg("registry reloaded")
	return nil
}
