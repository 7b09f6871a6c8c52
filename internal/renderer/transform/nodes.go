package transform

import (
	"fmt"
	"html"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// RenderedBlock carries the HTML fragment produced for one diagram block.
// It is inserted next to the source block during the AST transform.
type RenderedBlock struct {
	ast.BaseBlock
	HTML string
}

// KindRenderedBlock identifies rendered diagram nodes.
var KindRenderedBlock = ast.NewNodeKind("DiagramRendered")

// Kind implements ast.Node.
func (b *RenderedBlock) Kind() ast.NodeKind {
	return KindRenderedBlock
}

// IsRaw marks the node as raw HTML.
func (b *RenderedBlock) IsRaw() bool {
	return true
}

// Dump aids debugging.
func (b *RenderedBlock) Dump(source []byte, level int) {
	ast.DumpHelper(b, source, level, map[string]string{
		"HTML": fmt.Sprintf("%d bytes", len(b.HTML)),
	}, nil)
}

// SourceBlock replaces the original fenced code block of a rendered diagram.
// It keeps the source visible as highlighted code unless Hidden is set.
type SourceBlock struct {
	ast.BaseBlock
	Language string
	Source   string
	Hidden   bool
}

// KindSourceBlock identifies diagram source nodes.
var KindSourceBlock = ast.NewNodeKind("DiagramSource")

// Kind implements ast.Node.
func (b *SourceBlock) Kind() ast.NodeKind {
	return KindSourceBlock
}

// IsRaw marks the node as raw HTML.
func (b *SourceBlock) IsRaw() bool {
	return true
}

// Dump aids debugging.
func (b *SourceBlock) Dump(source []byte, level int) {
	ast.DumpHelper(b, source, level, map[string]string{
		"Language": b.Language,
		"Hidden":   fmt.Sprintf("%t", b.Hidden),
	}, nil)
}

// HTMLRenderer writes diagram nodes into HTML output.
type HTMLRenderer struct {
	style *chroma.Style
}

// NewHTMLRenderer returns a renderer for diagram nodes, highlighting retained
// source blocks with the given chroma style name.
func NewHTMLRenderer(styleName string) renderer.NodeRenderer {
	style := styles.Get(styleName)
	if style == nil {
		style = styles.Fallback
	}
	return &HTMLRenderer{style: style}
}

// RegisterFuncs implements renderer.NodeRenderer.
func (r *HTMLRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(KindRenderedBlock, r.renderRendered)
	reg.Register(KindSourceBlock, r.renderSource)
}

func (r *HTMLRenderer) renderRendered(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkSkipChildren, nil
	}
	block := node.(*RenderedBlock)
	if _, err := w.WriteString(block.HTML); err != nil {
		return ast.WalkStop, err
	}
	if _, err := w.WriteString("\n"); err != nil {
		return ast.WalkStop, err
	}
	return ast.WalkSkipChildren, nil
}

func (r *HTMLRenderer) renderSource(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkSkipChildren, nil
	}
	block := node.(*SourceBlock)

	open := `<div class="diagram-source" data-lang="` + html.EscapeString(block.Language) + `"`
	if block.Hidden {
		open += ` hidden`
	}
	open += `>`
	if _, err := w.WriteString(open); err != nil {
		return ast.WalkStop, err
	}
	if err := r.highlight(w, block.Source, block.Language); err != nil {
		return ast.WalkStop, err
	}
	if _, err := w.WriteString("</div>\n"); err != nil {
		return ast.WalkStop, err
	}
	return ast.WalkSkipChildren, nil
}

func (r *HTMLRenderer) highlight(w util.BufWriter, source, language string) error {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, source)
	if err != nil {
		// fall back to a plain escaped block
		_, werr := w.WriteString("<pre><code>" + html.EscapeString(source) + "</code></pre>")
		return werr
	}

	formatter := chromahtml.New(chromahtml.WithClasses(true))
	return formatter.Format(w, r.style, iterator)
}
