package engine

import (
	"fmt"

	"github.com/beevik/etree"
)

const (
	XSLTNamespace   = "http://www.w3.org/1999/XSL/Transform"
	SchemaNamespace = "http://www.w3.org/2001/XMLSchema"
)

// CheckStylesheet verifies that path holds a well-formed XSLT stylesheet:
// an xsl:stylesheet/xsl:transform root, or a literal result element that
// carries xsl:version.
func CheckStylesheet(path string) error {
	root, err := readRoot(path)
	if err != nil {
		return err
	}
	if root.NamespaceURI() == XSLTNamespace && (root.Tag == "stylesheet" || root.Tag == "transform") {
		return nil
	}
	for _, attr := range root.Attr {
		if attr.Key == "version" && attr.NamespaceURI() == XSLTNamespace {
			return nil
		}
	}
	return &SourceError{Path: path, Err: fmt.Errorf("%w: root element <%s>", ErrNotStylesheet, root.FullTag())}
}

// CheckSchema verifies that path holds a well-formed xs:schema document.
func CheckSchema(path string) error {
	root, err := readRoot(path)
	if err != nil {
		return err
	}
	if root.NamespaceURI() != SchemaNamespace || root.Tag != "schema" {
		return &SourceError{Path: path, Err: fmt.Errorf("%w: root element <%s>", ErrNotSchema, root.FullTag())}
	}
	return nil
}

func readRoot(path string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, &SourceError{Path: path, Err: err}
	}
	root := doc.Root()
	if root == nil {
		return nil, &SourceError{Path: path, Err: fmt.Errorf("no root element")}
	}
	return root, nil
}
