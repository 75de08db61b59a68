// Package render turns assistant markdown into HTML for clients that do not
// render markdown themselves.
package render

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// goldmark drops raw HTML by default, so model output is never trusted markup.
var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// Markdown renders content as HTML.
func Markdown(content string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}
