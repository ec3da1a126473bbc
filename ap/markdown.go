package ap

import (
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"github.com/quarryforge/quarry/vocab"
)

// renderMarkdown produces the html content field from stored source markup.
// Content already stored as html passes through untouched.
func renderMarkdown(content, mediaType string) string {
	if content == "" {
		return ""
	}
	if mediaType == vocab.MediaTypeHTML {
		return content
	}

	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	doc := p.Parse([]byte(content))
	r := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags})
	return strings.TrimSpace(string(markdown.Render(doc, r)))
}
