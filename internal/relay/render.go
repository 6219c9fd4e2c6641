// ABOUTME: Markdown to HTML rendering of agent replies
// ABOUTME: Raw HTML in replies is omitted from the output

package relay

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// MetadataHTML is the envelope metadata key holding the rendered reply.
const MetadataHTML = "html"

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderHTML converts a markdown reply to HTML.
func RenderHTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
