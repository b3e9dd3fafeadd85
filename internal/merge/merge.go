// Package merge combines the outputs of several transforms applied to one
// input document into a single document.
package merge

import (
	"errors"
	"fmt"

	"github.com/beevik/etree"
)

// DefaultPrefixElement is the schematron namespace-prefix declaration node,
// which must stay ahead of the report content it qualifies.
const DefaultPrefixElement = "svrl:ns-prefix-in-attribute-values"

const indentSpaces = 2

var (
	ErrNoDocuments = errors.New("merge: no documents")
	ErrNoRoot      = errors.New("merge: document has no root element")
)

// Merger appends the root children of every later document to the root of
// the first one. Elements named PrefixElement are each inserted at index 0
// as they are met, so several of them end up in reverse encounter order
// ahead of everything else. Prefix elements in the first document stay
// where they are. Nothing is deduplicated.
type Merger struct {
	PrefixElement string
}

func New(prefixElement string) *Merger {
	return &Merger{PrefixElement: prefixElement}
}

// Merge combines docs in order and returns the indented serialization.
func (m *Merger) Merge(docs [][]byte) ([]byte, error) {
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}
	base, err := parse(docs[0])
	if err != nil {
		return nil, fmt.Errorf("merge: document 1: %w", err)
	}
	root := base.Root()
	for i, raw := range docs[1:] {
		src, err := parse(raw)
		if err != nil {
			return nil, fmt.Errorf("merge: document %d: %w", i+2, err)
		}
		m.appendChildren(root, src.Root())
	}
	return Serialize(base)
}

func (m *Merger) appendChildren(dst, src *etree.Element) {
	for _, tok := range src.Child {
		copied := copyToken(tok)
		if copied == nil {
			continue
		}
		if el, ok := copied.(*etree.Element); ok && m.PrefixElement != "" && el.FullTag() == m.PrefixElement {
			dst.InsertChildAt(0, el)
			continue
		}
		dst.AddChild(copied)
	}
}

// copyToken deep-copies one child token. Whitespace-only text is dropped;
// the serializer re-indents.
func copyToken(tok etree.Token) etree.Token {
	switch t := tok.(type) {
	case *etree.Element:
		return t.Copy()
	case *etree.CharData:
		if t.IsWhitespace() {
			return nil
		}
		if t.IsCData() {
			return etree.NewCData(t.Data)
		}
		return etree.NewText(t.Data)
	case *etree.Comment:
		return etree.NewComment(t.Data)
	case *etree.ProcInst:
		return etree.NewProcInst(t.Target, t.Inst)
	default:
		return nil
	}
}

// Format parses one document and returns its indented serialization.
func Format(raw []byte) ([]byte, error) {
	doc, err := parse(raw)
	if err != nil {
		return nil, err
	}
	return Serialize(doc)
}

// Serialize writes doc with an XML declaration and two-space indentation.
// Attribute and child order are kept as they are in the tree.
func Serialize(doc *etree.Document) ([]byte, error) {
	if !hasDeclaration(doc) {
		doc.InsertChildAt(0, etree.NewProcInst("xml", `version="1.0" encoding="UTF-8"`))
	}
	doc.Indent(indentSpaces)
	return doc.WriteToBytes()
}

func hasDeclaration(doc *etree.Document) bool {
	for _, tok := range doc.Child {
		if pi, ok := tok.(*etree.ProcInst); ok && pi.Target == "xml" {
			return true
		}
	}
	return false
}

func parse(raw []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.PreserveCData = true
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, err
	}
	if doc.Root() == nil {
		return nil, ErrNoRoot
	}
	return doc, nil
}
