// Package fakeengine is an in-process engine for tests. Stylesheet and
// schema files are small XML documents describing their behaviour:
//
//	<transform mode="identity"/>
//	<transform mode="emit"><report><item/></report></transform>
//	<transform mode="root-name"/>   emits <out><root>TAG</root></out>
//	<transform mode="fail" message="boom"/>
//	<schema require="a"/>           accepts documents whose root is <a>
package fakeengine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/beevik/etree"
	"github.com/danmuck/xtst/internal/engine"
)

// Engine counts compilations so tests can observe reloads.
type Engine struct {
	stylesheetCompiles atomic.Int64
	schemaCompiles     atomic.Int64
}

var _ engine.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{}
}

func (e *Engine) StylesheetCompiles() int64 {
	return e.stylesheetCompiles.Load()
}

func (e *Engine) SchemaCompiles() int64 {
	return e.schemaCompiles.Load()
}

func (e *Engine) CompileStylesheet(path string) (engine.Stylesheet, error) {
	root, err := readRoot(path)
	if err != nil {
		return nil, err
	}
	if root.Tag != "transform" {
		return nil, &engine.SourceError{Path: path, Err: engine.ErrNotStylesheet}
	}
	sheet := &stylesheet{path: path, mode: root.SelectAttrValue("mode", "identity"), message: root.SelectAttrValue("message", "transform failed")}
	if sheet.mode == "emit" {
		children := root.ChildElements()
		if len(children) == 0 {
			return nil, &engine.SourceError{Path: path, Err: fmt.Errorf("emit transform without content")}
		}
		out := etree.NewDocument()
		out.SetRoot(children[0].Copy())
		body, err := out.WriteToBytes()
		if err != nil {
			return nil, err
		}
		sheet.emit = body
	}
	e.stylesheetCompiles.Add(1)
	return sheet, nil
}

func (e *Engine) CompileSchema(paths []string) (engine.Schema, error) {
	if len(paths) == 0 {
		return nil, engine.ErrNoSchemas
	}
	s := &schema{}
	for _, path := range paths {
		root, err := readRoot(path)
		if err != nil {
			return nil, err
		}
		if root.Tag != "schema" {
			return nil, &engine.SourceError{Path: path, Err: engine.ErrNotSchema}
		}
		s.require = append(s.require, root.SelectAttrValue("require", ""))
	}
	e.schemaCompiles.Add(1)
	return s, nil
}

type stylesheet struct {
	path    string
	mode    string
	message string
	emit    []byte
}

func (s *stylesheet) Path() string {
	return s.path
}

func (s *stylesheet) Apply(ctx context.Context, doc []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch s.mode {
	case "identity":
		return append([]byte(nil), doc...), nil
	case "emit":
		return append([]byte(nil), s.emit...), nil
	case "root-name":
		in := etree.NewDocument()
		if err := in.ReadFromBytes(doc); err != nil || in.Root() == nil {
			return nil, &engine.TransformError{Stylesheet: s.path, Diagnostics: []string{"input is not XML"}}
		}
		return []byte("<out><root>" + in.Root().Tag + "</root></out>"), nil
	case "fail":
		return nil, &engine.TransformError{Stylesheet: s.path, Diagnostics: []string{s.message}}
	default:
		return nil, &engine.TransformError{Stylesheet: s.path, Diagnostics: []string{"unknown mode " + s.mode}}
	}
}

type schema struct {
	require []string
}

func (s *schema) Validate(ctx context.Context, doc []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in := etree.NewDocument()
	if err := in.ReadFromBytes(doc); err != nil {
		return &engine.ValidationError{Diagnostics: []string{err.Error()}}
	}
	root := in.Root()
	if root == nil {
		return &engine.ValidationError{Diagnostics: []string{"document has no root element"}}
	}
	for _, want := range s.require {
		if want != "" && root.Tag != want {
			return &engine.ValidationError{Diagnostics: []string{fmt.Sprintf("root element <%s> is not <%s>", root.Tag, want)}}
		}
	}
	return nil
}

func readRoot(path string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, &engine.SourceError{Path: path, Err: err}
	}
	if doc.Root() == nil {
		return nil, &engine.SourceError{Path: path, Err: fmt.Errorf("no root element")}
	}
	return doc.Root(), nil
}
