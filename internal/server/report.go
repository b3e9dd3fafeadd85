package server

import (
	"strings"

	"github.com/beevik/etree"
	"github.com/danmuck/xtst/internal/registry"
)

// HandlerReport renders the handler list as indented XML, one line per
// element, without an XML declaration.
func HandlerReport(list []registry.HandlerInfo) ([]string, error) {
	doc := etree.NewDocument()
	root := doc.CreateElement("handlers")
	for _, h := range list {
		el := root.CreateElement("handler")
		el.CreateElement("name").SetText(h.Name)
		el.CreateElement("description").SetText(h.Description)
		el.CreateElement("keyword").SetText(h.Keyword)
	}
	doc.Indent(2)
	out, err := doc.WriteToString()
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}
