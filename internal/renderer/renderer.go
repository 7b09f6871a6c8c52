// Package renderer converts markdown to HTML with caching, syntax
// highlighting and diagram rendering.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/chroma/v2/formatters/html"
	admonitions "github.com/stefanfritsch/goldmark-admonitions"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	goldmarkmeta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	goldmarkrenderer "github.com/yuin/goldmark/renderer"
	htmlrenderer "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
	"go.abhg.dev/goldmark/anchor"

	"github.com/oneWaveAdrian/mdviz/internal/cache"
	"github.com/oneWaveAdrian/mdviz/internal/renderer/transform"
)

// highlightStyle is the chroma theme used for fenced code and retained
// diagram source blocks.
const highlightStyle = "github-dark"

// Metadata captures optional frontmatter data rendered alongside a document.
type Metadata struct {
	Raw         map[string]any
	Title       string
	Description string
	Tags        []string
}

// IsZero reports whether the metadata carries any meaningful values.
func (m Metadata) IsZero() bool {
	if m.Title != "" || m.Description != "" || len(m.Tags) > 0 {
		return false
	}
	return len(m.Raw) == 0
}

// Document represents a rendered markdown file.
//
//nolint:govet // field order optimized for readability, not memory
type Document struct {
	HTML     string
	Metadata Metadata
	Modified time.Time
	Raw      string
}

type cacheEntry struct {
	modTime time.Time
	doc     Document
}

type cacheKey string

// Options configures the renderer service.
type Options struct {
	// Engines supplies the diagram renderers dispatched to by fenced
	// diagram blocks. Nil collaborators disable the matching kinds.
	Engines transform.Engines

	// DiagramCache stores rendered diagram SVG keyed by content hash.
	// Nil means a per-service in-memory cache.
	DiagramCache cache.Store

	// Diagram adjusts the enhancer's document-wide defaults (insertion
	// order, image mirroring).
	Diagram transform.Options

	// Logger for render diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Service renders markdown into HTML with caching.
// It uses Goldmark for markdown parsing with GitHub-flavored markdown
// extensions, syntax highlighting, admonitions, heading anchors and diagram
// block rendering. Rendered documents are cached by path and modification
// time; rendered diagrams are cached separately by content hash so edits
// elsewhere in a document never re-render its diagrams.
type Service struct {
	md     goldmark.Markdown
	logger *slog.Logger
	cache  sync.Map // map[cacheKey]cacheEntry
}

// contextKey for storing document path
var docPathKey = parser.NewContextKey()

// linkTransformer rewrites .md links to /page/ routes and image paths to /media/ routes
type linkTransformer struct{}

func (t *linkTransformer) Transform(node *ast.Document, _ text.Reader, pc parser.Context) {
	// Current document path from context (site-relative)
	currentPath := ""
	if v := pc.Get(docPathKey); v != nil {
		if str, ok := v.(string); ok {
			currentPath = str
		}
	}

	currentDir := path.Dir(currentPath)

	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch typed := n.(type) {
		case *ast.Link:
			t.transformLink(typed, currentDir)
		case *ast.Image:
			t.transformImage(typed, currentDir)
		}

		return ast.WalkContinue, nil
	})
}

func (t *linkTransformer) transformLink(link *ast.Link, currentDir string) {
	dest := string(link.Destination)
	if dest == "" || t.isExternalLink(dest) || strings.HasPrefix(dest, "#") || strings.HasPrefix(dest, "/page/") {
		return
	}

	if !strings.HasSuffix(dest, ".md") {
		return
	}

	link.Destination = []byte("/page/" + normalizeSitePath(dest, currentDir))
}

func (t *linkTransformer) transformImage(img *ast.Image, currentDir string) {
	dest := string(img.Destination)
	if dest == "" || t.isExternalLink(dest) || strings.HasPrefix(dest, "/media/") || strings.HasPrefix(dest, "/static/") {
		return
	}

	img.Destination = []byte("/media/" + normalizeSitePath(dest, currentDir))
}

func (t *linkTransformer) isExternalLink(dest string) bool {
	return strings.HasPrefix(dest, "http://") || strings.HasPrefix(dest, "https://")
}

func normalizeSitePath(dest, currentDir string) string {
	if !strings.HasPrefix(dest, "/") {
		if currentDir != "" && currentDir != "." {
			dest = path.Join(currentDir, dest)
		}
		dest = path.Clean(dest)
	}

	return strings.TrimPrefix(dest, "/")
}

// NewService constructs a markdown renderer with GitHub-flavored markdown support.
// The renderer includes:
//   - GitHub-flavored markdown extensions (tables, strikethrough, task lists, autolinks, etc.)
//   - Syntax highlighting with the github-dark theme
//   - YAML frontmatter parsing for document metadata
//   - Admonition blocks (!!!note, !!!warning, ...)
//   - Automatic link transformation for .md files to /page/ routes
//   - Diagram block rendering for mermaid, plantuml, graphviz, vega, wavedrom,
//     d2 and Kroki-routed languages
//   - Raw HTML rendering enabled (safe for local-only content)
//
// If opts.Logger is nil, the default slog logger is used.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	highlight := highlighting.NewHighlighting(
		highlighting.WithStyle(highlightStyle),
		highlighting.WithFormatOptions(
			html.WithLineNumbers(false),
			html.WithClasses(true),
		),
	)

	diagramTransformer := transform.NewDiagramTransformer(opts.Engines, opts.DiagramCache, logger, opts.Diagram)

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			goldmarkmeta.Meta,
			highlight,
			&admonitions.Extender{},
			&anchor.Extender{
				Position: anchor.After, // Place anchor link after heading text
			},
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
			parser.WithAttribute(), // Enable attribute syntax for blocks and inlines
			parser.WithASTTransformers(
				util.Prioritized(&linkTransformer{}, 100),
				// Diagram dispatch runs after link rewriting so rendered
				// fragments are never re-walked.
				util.Prioritized(diagramTransformer, 200),
			),
		),
		goldmark.WithRendererOptions(
			// Enable unsafe HTML rendering to allow raw HTML like GitHub does.
			// This is safe for local-only content where everything is trusted.
			htmlrenderer.WithUnsafe(),
			htmlrenderer.WithXHTML(),
			goldmarkrenderer.WithNodeRenderers(
				util.Prioritized(transform.NewHTMLRenderer(highlightStyle), 100),
			),
		),
	)

	return &Service{
		md:     md,
		logger: logger.With("component", "renderer"),
	}
}

// Render converts markdown content to HTML, caching results by path and modification time.
// If a cached entry exists with a matching modification time, it is returned immediately.
// Otherwise, the markdown is parsed and rendered, then cached for future requests.
// The path parameter is used for cache key generation and relative link resolution.
func (s *Service) Render(_ context.Context, path string, modTime time.Time, content []byte) (Document, error) {
	key := cacheKey(path)

	if entry, ok := s.cache.Load(key); ok {
		if cached, ok := entry.(cacheEntry); ok {
			if !cached.modTime.IsZero() && modTime.Equal(cached.modTime) {
				return cached.doc, nil
			}
		}
	}

	parserCtx := parser.NewContext()
	parserCtx.Set(docPathKey, path)
	buf := bytes.NewBuffer(nil)

	if err := s.md.Convert(content, buf, parser.WithContext(parserCtx)); err != nil {
		return Document{}, fmt.Errorf("render markdown: %w", err)
	}

	metadata := extractMetadata(parserCtx)
	doc := Document{
		HTML:     buf.String(),
		Metadata: metadata,
		Modified: modTime,
		Raw:      string(content),
	}

	s.cache.Store(key, cacheEntry{modTime: modTime, doc: doc})
	return doc, nil
}

// Invalidate removes the cached entry for the given path.
// This should be called when a document is updated or deleted to ensure
// the next Render call processes the latest content.
func (s *Service) Invalidate(path string) {
	s.cache.Delete(cacheKey(path))
}

func extractMetadata(ctx parser.Context) Metadata {
	raw := goldmarkmeta.Get(ctx)
	var meta Metadata
	if raw == nil {
		return meta
	}

	meta.Raw = make(map[string]any)
	for k, v := range raw {
		meta.Raw[k] = v
		switch k {
		case "title":
			if str, ok := toString(v); ok {
				meta.Title = str
			}
		case "description", "summary":
			if str, ok := toString(v); ok {
				meta.Description = str
			}
		case "tags", "keywords":
			meta.Tags = toStringSlice(v)
		}
	}

	if len(meta.Raw) == 0 {
		meta.Raw = nil
	}

	return meta
}

func toString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case fmt.Stringer:
		return val.String(), true
	default:
		return "", false
	}
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if str, ok := toString(item); ok {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return append([]string(nil), vv...)
	default:
		if str, ok := toString(v); ok {
			return []string{str}
		}
		return nil
	}
}
