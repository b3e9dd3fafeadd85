package engine

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strconv"

	"github.com/beevik/etree"
)

const (
	LineNamespace = "http://tjeb.nl/xml/extensions/"
	LinePrefix    = "xtst"
	LineAttr      = "line"
)

// AnnotateLines returns doc with every element carrying
// xtst:line="<n>", the line on which its start tag ends. Transforms read
// the current node's source line with @xtst:line.
func AnnotateLines(doc []byte) ([]byte, error) {
	lines, err := startTagLines(doc)
	if err != nil {
		return nil, err
	}

	tree := etree.NewDocument()
	tree.ReadSettings.PreserveCData = true
	if err := tree.ReadFromBytes(doc); err != nil {
		return nil, err
	}
	root := tree.Root()
	if root == nil {
		return nil, errors.New("engine: document has no root element")
	}
	root.CreateAttr("xmlns:"+LinePrefix, LineNamespace)

	next := 0
	var walk func(el *etree.Element)
	walk = func(el *etree.Element) {
		if next < len(lines) {
			el.CreateAttr(LinePrefix+":"+LineAttr, strconv.Itoa(lines[next]))
		}
		next++
		for _, child := range el.ChildElements() {
			walk(child)
		}
	}
	walk(root)
	return tree.WriteToBytes()
}

// startTagLines lists, in document order, the line of every start tag.
func startTagLines(doc []byte) ([]int, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	dec.Strict = false
	var lines []int
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
		if _, ok := tok.(xml.StartElement); ok {
			line, _ := dec.InputPos()
			lines = append(lines, line)
		}
	}
}
