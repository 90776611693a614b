// Package preview renders collected file content for display: Markdown to
// HTML, source code with syntax highlighting, other text escaped, and
// binary data as a hex dump.
package preview

import (
	"bytes"
	"encoding/hex"
	"html"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
)

// Kind tells a viewer how the preview was produced.
type Kind string

// Preview kinds.
const (
	KindMarkdown Kind = "markdown"
	KindCode     Kind = "code"
	KindText     Kind = "text"
	KindBinary   Kind = "binary"
)

// hexDumpLimit caps the bytes shown for binary content.
const hexDumpLimit = 4096

// TOCItem is a heading in a Markdown document.
type TOCItem struct {
	Level  int    `json:"level"`
	Title  string `json:"title"`
	Anchor string `json:"anchor"`
}

// Result is a rendered preview.
type Result struct {
	Kind      Kind      `json:"kind"`
	HTML      string    `json:"html"`
	TOC       []TOCItem `json:"toc,omitempty"`
	Title     string    `json:"title,omitempty"`
	Language  string    `json:"language,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
}

// Renderer renders previews. It is safe for concurrent use.
type Renderer struct {
	md           goldmark.Markdown
	markdownExts map[string]bool
	formatter    *chromahtml.Formatter
	style        *chroma.Style
	maxHighlight int
}

// Options configure a Renderer.
type Options struct {
	// MarkdownExtensions lists the file extensions rendered as Markdown.
	MarkdownExtensions []string
	// Style is the chroma style name used for highlighting.
	Style string
	// MaxHighlightBytes bounds the content that gets highlighted; larger
	// text is shown escaped.
	MaxHighlightBytes int
}

// NewRenderer creates a renderer with GFM extensions and chroma highlighting.
func NewRenderer(opts Options) *Renderer {
	if opts.Style == "" {
		opts.Style = "monokai"
	}
	if opts.MaxHighlightBytes <= 0 {
		opts.MaxHighlightBytes = 1 << 20
	}
	if len(opts.MarkdownExtensions) == 0 {
		opts.MarkdownExtensions = []string{".md", ".markdown"}
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Typographer,
			highlighting.NewHighlighting(
				highlighting.WithStyle(opts.Style),
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			gmhtml.WithHardWraps(),
			gmhtml.WithXHTML(),
		),
	)

	exts := make(map[string]bool, len(opts.MarkdownExtensions))
	for _, e := range opts.MarkdownExtensions {
		exts[strings.ToLower(e)] = true
	}

	return &Renderer{
		md:           md,
		markdownExts: exts,
		formatter:    chromahtml.New(chromahtml.WithClasses(true), chromahtml.WithLineNumbers(true)),
		style:        styles.Get(opts.Style),
		maxHighlight: opts.MaxHighlightBytes,
	}
}

// Render picks a preview kind for the file at name and renders content.
func (r *Renderer) Render(name string, content []byte) (*Result, error) {
	if !isText(content) {
		return r.renderBinary(content), nil
	}
	if r.markdownExts[strings.ToLower(path.Ext(name))] {
		return r.renderMarkdown(content)
	}
	if len(content) <= r.maxHighlight {
		if lexer := lexers.Match(path.Base(name)); lexer != nil {
			return r.renderCode(lexer, content)
		}
	}
	return &Result{
		Kind: KindText,
		HTML: "<pre>" + html.EscapeString(string(content)) + "</pre>",
	}, nil
}

func (r *Renderer) renderMarkdown(source []byte) (*Result, error) {
	var buf bytes.Buffer
	if err := r.md.Convert(source, &buf); err != nil {
		return nil, err
	}

	toc := r.extractTOC(source)
	title := ""
	if len(toc) > 0 {
		title = toc[0].Title
	}

	return &Result{
		Kind:  KindMarkdown,
		HTML:  buf.String(),
		TOC:   toc,
		Title: title,
	}, nil
}

func (r *Renderer) renderCode(lexer chroma.Lexer, content []byte) (*Result, error) {
	lexer = chroma.Coalesce(lexer)
	it, err := lexer.Tokenise(nil, string(content))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := r.formatter.Format(&buf, r.style, it); err != nil {
		return nil, err
	}
	return &Result{
		Kind:     KindCode,
		HTML:     buf.String(),
		Language: lexer.Config().Name,
	}, nil
}

func (r *Renderer) renderBinary(content []byte) *Result {
	shown := content
	truncated := false
	if len(shown) > hexDumpLimit {
		shown = shown[:hexDumpLimit]
		truncated = true
	}
	return &Result{
		Kind:      KindBinary,
		HTML:      "<pre>" + html.EscapeString(hex.Dump(shown)) + "</pre>",
		Truncated: truncated,
	}
}

// isText reports whether content looks like UTF-8 text without NUL bytes.
func isText(content []byte) bool {
	sample := content
	if len(sample) > 8192 {
		sample = sample[:8192]
		// Do not judge a rune split by the cut.
		for i := 0; i < utf8.UTFMax && len(sample) > 0 && !utf8.Valid(sample); i++ {
			sample = sample[:len(sample)-1]
		}
	}
	return bytes.IndexByte(sample, 0) < 0 && utf8.Valid(sample)
}

// extractTOC walks the AST to extract headings
func (r *Renderer) extractTOC(source []byte) []TOCItem {
	doc := r.md.Parser().Parse(text.NewReader(source))

	var toc []TOCItem
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if heading, ok := n.(*ast.Heading); ok {
			title := headingText(heading, source)
			toc = append(toc, TOCItem{
				Level:  heading.Level,
				Title:  title,
				Anchor: generateAnchor(title),
			})
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil
	}
	return toc
}

func headingText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if t, ok := child.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		}
	}
	return buf.String()
}

var (
	anchorStrip   = regexp.MustCompile(`[^a-z0-9\-\p{Han}\p{Hiragana}\p{Katakana}]`)
	anchorHyphens = regexp.MustCompile(`-+`)
)

// generateAnchor creates a URL-safe anchor from heading text
func generateAnchor(title string) string {
	anchor := strings.ReplaceAll(strings.ToLower(title), " ", "-")
	anchor = anchorStrip.ReplaceAllString(anchor, "")
	anchor = anchorHyphens.ReplaceAllString(anchor, "-")
	return strings.Trim(anchor, "-")
}
