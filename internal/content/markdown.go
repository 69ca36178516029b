package content

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
)

// Renderer converts markdown source into an HTML document.
type Renderer struct {
	md goldmark.Markdown
}

// NewRenderer creates a Renderer with GitHub-flavoured markdown enabled.
// Raw HTML in the source is dropped from the output.
func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		),
	}
}

const (
	docHead = "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"></head>\n<body>\n"
	docTail = "</body>\n</html>\n"
)

// Render returns src rendered as a standalone HTML page.
func (r *Renderer) Render(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(docHead)
	if err := r.md.Convert(src, &buf); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	buf.WriteString(docTail)
	return buf.Bytes(), nil
}
