package main

import (
	"bytes"
	"fmt"
	stdhtml "html"
	"regexp"
	"strconv"
	"strings"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	alertRegex   = regexp.MustCompile(`(?s)<blockquote>\s*<p>\[!(NOTE|TIP|IMPORTANT|WARNING|CAUTION)\]\s*(.*?)</p>(.*?)</blockquote>`)
	headingRegex = regexp.MustCompile(`<h([1-6]) id="([^"]*)">(.*?)</h[1-6]>`)
	htmlTagRegex = regexp.MustCompile(`<[^>]+>`)
)

// tocItem is one entry of the extracted table of contents.
type tocItem struct {
	Level int    `json:"level"`
	ID    string `json:"id"`
	Text  string `json:"text"`
}

// renderedDoc is the result of the rendering pipeline.
type renderedDoc struct {
	HTML       string
	TOC        []tocItem
	HasMermaid bool
}

// newMarkdownRenderer creates a configured goldmark renderer.
func newMarkdownRenderer() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Typographer,
			highlighting.NewHighlighting(
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithUnsafe(),
		),
	)
}

// renderMarkdown converts markdown source to HTML, applying the post-passes
// in fixed order: mermaid blocks are lifted out first (so later passes never
// see their contents), then GitHub alert blockquotes, then TOC extraction
// from the auto-generated heading IDs.
func renderMarkdown(md goldmark.Markdown, src []byte) (renderedDoc, error) {
	src, hasMermaid := extractMermaidBlocks(src)

	var buf bytes.Buffer
	if err := md.Convert(src, &buf); err != nil {
		return renderedDoc{}, fmt.Errorf("converting markdown: %w: %v", errRender, err)
	}

	out := processAlerts(buf.String())
	toc := extractTOC(out)

	return renderedDoc{HTML: out, TOC: toc, HasMermaid: hasMermaid}, nil
}

// extractMermaidBlocks replaces fenced mermaid code blocks with raw HTML
// <pre class="mermaid"> blocks (escaped), which goldmark passes through.
// Fences inside other fenced blocks are left alone.
func extractMermaidBlocks(src []byte) ([]byte, bool) {
	lines := strings.Split(string(src), "\n")
	var out []string
	found := false

	inFence := false
	inMermaid := false
	var mermaidBuf []string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if inMermaid {
			if strings.HasPrefix(trimmed, "```") {
				out = append(out, "", "<pre class=\"mermaid\">"+stdhtml.EscapeString(strings.Join(mermaidBuf, "\n"))+"</pre>", "")
				inMermaid = false
				mermaidBuf = nil
				continue
			}
			mermaidBuf = append(mermaidBuf, line)
			continue
		}

		if inFence {
			out = append(out, line)
			if strings.HasPrefix(trimmed, "```") {
				inFence = false
			}
			continue
		}

		if strings.HasPrefix(trimmed, "```") {
			lang := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
			if lang == "mermaid" {
				inMermaid = true
				found = true
				continue
			}
			if lang != "" || trimmed == "```" {
				inFence = true
			}
		}
		out = append(out, line)
	}

	// Unterminated mermaid fence: emit what we have.
	if inMermaid {
		out = append(out, "", "<pre class=\"mermaid\">"+stdhtml.EscapeString(strings.Join(mermaidBuf, "\n"))+"</pre>", "")
	}

	return []byte(strings.Join(out, "\n")), found
}

// processAlerts rewrites GitHub alert blockquotes ([!NOTE] etc.) into styled
// alert divs. Code blocks are safe from this pass: their markup is escaped.
func processAlerts(htmlSrc string) string {
	return alertRegex.ReplaceAllStringFunc(htmlSrc, func(match string) string {
		groups := alertRegex.FindStringSubmatch(match)
		if groups == nil {
			return match
		}
		kind, firstLine, remaining := groups[1], groups[2], groups[3]

		content := firstLine
		if strings.TrimSpace(remaining) != "" {
			content = firstLine + remaining
		}

		title := strings.ToUpper(kind[:1]) + strings.ToLower(kind[1:])
		class := strings.ToLower(kind)
		return fmt.Sprintf(
			"<div class=\"markdown-alert markdown-alert-%s\">\n<p class=\"markdown-alert-title\">%s</p>\n%s\n</div>",
			class, title, content,
		)
	})
}

// extractTOC collects heading levels, IDs and plain text from rendered HTML.
func extractTOC(htmlSrc string) []tocItem {
	var toc []tocItem
	for _, groups := range headingRegex.FindAllStringSubmatch(htmlSrc, -1) {
		level, err := strconv.Atoi(groups[1])
		if err != nil {
			continue
		}
		text := htmlTagRegex.ReplaceAllString(groups[3], "")
		toc = append(toc, tocItem{
			Level: level,
			ID:    groups[2],
			Text:  strings.TrimSpace(stdhtml.UnescapeString(text)),
		})
	}
	return toc
}
