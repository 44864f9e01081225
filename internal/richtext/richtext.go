// Package richtext turns author input into HTML that is safe to serve.
package richtext

import (
	"bytes"
	"fmt"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
)

// UGC policy minus embeds; videos are linked through the module's video URL.
var policy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre")
	return p
}()

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Sanitize strips everything outside the allowlist.
func Sanitize(html string) string {
	return policy.Sanitize(html)
}

// Render converts source in the given format to sanitized HTML. An empty
// format is treated as HTML.
func Render(format, source string) (string, error) {
	switch format {
	case "", FormatHTML:
		return Sanitize(source), nil
	case FormatMarkdown:
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(source), &buf); err != nil {
			return "", fmt.Errorf("render markdown: %w", err)
		}
		return Sanitize(buf.String()), nil
	default:
		return "", fmt.Errorf("unknown format %q", format)
	}
}

// ValidFormat reports whether format is accepted by Render.
func ValidFormat(format string) bool {
	return format == "" || format == FormatHTML || format == FormatMarkdown
}
