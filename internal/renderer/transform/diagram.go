// Package transform enhances parsed markdown by rendering fenced diagram
// blocks: PlantUML, Graphviz, D2 and Vega are rendered server-side and cached
// by content hash; Mermaid, WaveDrom and Kroki-routed blocks become
// client-side markup. Each block renders independently and failures are
// reported inline without aborting the rest of the document.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"

	"github.com/oneWaveAdrian/mdviz/internal/cache"
	"github.com/oneWaveAdrian/mdviz/internal/diagram"
	"github.com/oneWaveAdrian/mdviz/internal/diagram/kroki"
	"github.com/oneWaveAdrian/mdviz/internal/diagram/vega"
)

// SourceRenderer renders diagram source text to SVG.
type SourceRenderer interface {
	Render(ctx context.Context, source string) (string, error)
}

// EngineRenderer renders diagram source with a named layout engine.
type EngineRenderer interface {
	RenderEngine(ctx context.Context, source, engine string) (string, error)
}

// VegaCompiler compiles Vega or Vega-Lite specifications to SVG.
type VegaCompiler interface {
	Compile(ctx context.Context, source string, lite bool) (string, error)
}

// KrokiClient builds request URLs for a Kroki service.
type KrokiClient interface {
	URL(diagramType, format, source string) (string, error)
}

// Engines collects the renderer collaborators the enhancer dispatches to.
// Nil fields disable the corresponding diagram kind; affected blocks then
// render an inline error instead.
type Engines struct {
	PlantUML SourceRenderer
	Graphviz EngineRenderer
	Vega     VegaCompiler
	D2       SourceRenderer
	Kroki    KrokiClient
}

// Options carries document-wide defaults for the enhancer. Per-block
// attributes always win over these.
type Options struct {
	// ImageDir, when set, receives a copy of every freshly rendered SVG
	// named by its cache key. Empty disables mirroring.
	ImageDir string

	// OutputFirst places rendered fragments before their source blocks by
	// default. A per-block output_first attribute overrides it either way.
	OutputFirst bool
}

// DiagramTransformer scans fenced code blocks and splices rendered output
// into the document next to each diagram block.
type DiagramTransformer struct {
	engines Engines
	cache   cache.Store
	logger  *slog.Logger
	opts    Options
}

// NewDiagramTransformer constructs the AST transformer. The store holds
// rendered SVG keyed by content hash and is owned by the caller; a nil store
// falls back to a private in-memory one.
func NewDiagramTransformer(engines Engines, store cache.Store, logger *slog.Logger, opts Options) *DiagramTransformer {
	if store == nil {
		store = cache.NewMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiagramTransformer{
		engines: engines,
		cache:   store,
		logger:  logger.With("component", "diagram"),
		opts:    opts,
	}
}

type renderJob struct {
	node  *ast.FencedCodeBlock
	block diagram.Block
	kind  diagram.Kind
	html  string
}

// Transform implements parser.ASTTransformer. All eligible blocks render
// concurrently; the transform returns only after every block has completed,
// successfully or not.
func (t *DiagramTransformer) Transform(node *ast.Document, reader text.Reader, _ parser.Context) {
	var jobs []*renderJob

	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		block := describeBlock(fcb, reader)
		kind := diagram.Classify(block)
		if kind == diagram.KindNone {
			return ast.WalkContinue, nil
		}
		jobs = append(jobs, &renderJob{node: fcb, block: block, kind: kind})
		return ast.WalkContinue, nil
	})

	if len(jobs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *renderJob) {
			defer wg.Done()
			job.html = t.renderBlock(context.Background(), job.block, job.kind)
		}(job)
	}
	wg.Wait()

	for _, job := range jobs {
		t.splice(job)
	}
}

// describeBlock builds the read-only block descriptor for one fence.
func describeBlock(fcb *ast.FencedCodeBlock, reader text.Reader) diagram.Block {
	source := reader.Source()

	info := ""
	if fcb.Info != nil {
		info = string(fcb.Info.Segment.Value(source))
	}
	lang, attrs := ParseInfo(info)

	var buf bytes.Buffer
	for i := 0; i < fcb.Lines().Len(); i++ {
		segment := fcb.Lines().At(i)
		buf.Write(segment.Value(source))
	}

	return diagram.Block{Language: lang, Attrs: attrs, Source: buf.String()}
}

// splice swaps the fence for a SourceBlock and inserts the rendered fragment
// before or after it, honoring output_first, hide and code_block.
func (t *DiagramTransformer) splice(job *renderJob) {
	fcb := job.node
	parent := fcb.Parent()
	if parent == nil {
		return
	}

	src := &SourceBlock{
		Language: job.block.Language,
		Source:   job.block.Source,
		Hidden:   hideSource(job.block.Attrs),
	}
	src.SetBlankPreviousLines(fcb.HasBlankPreviousLines())

	rendered := &RenderedBlock{HTML: job.html}
	rendered.SetBlankPreviousLines(fcb.HasBlankPreviousLines())

	parent.ReplaceChild(parent, fcb, src)
	if t.renderedFirst(job.block.Attrs) {
		parent.InsertBefore(parent, src, rendered)
	} else {
		parent.InsertAfter(parent, src, rendered)
	}
}

// renderedFirst resolves the insertion order: the configured default, unless
// the block carries an explicit output_first attribute.
func (t *DiagramTransformer) renderedFirst(attrs diagram.Attrs) bool {
	switch {
	case attrs.IsTrue("output_first"):
		return true
	case attrs.IsFalse("output_first"):
		return false
	default:
		return t.opts.OutputFirst
	}
}

// hideSource reports whether the original source block should be hidden. It
// is hidden by default; `hide=false` or `code_block=true` keeps it visible.
func hideSource(attrs diagram.Attrs) bool {
	return !attrs.IsFalse("hide") && !attrs.IsTrue("code_block")
}

func (t *DiagramTransformer) renderBlock(ctx context.Context, block diagram.Block, kind diagram.Kind) string {
	fragment, err := t.dispatch(ctx, block, kind)
	if err != nil {
		t.logger.Warn("diagram render failed",
			slog.String("language", block.Language),
			slog.Any("err", err))
		return errorFragment(err)
	}
	return fragment
}

func errorFragment(err error) string {
	return `<pre class="diagram-error">` + html.EscapeString(err.Error()) + `</pre>`
}

func (t *DiagramTransformer) dispatch(ctx context.Context, block diagram.Block, kind diagram.Kind) (string, error) {
	switch kind {
	case diagram.KindKroki:
		return t.krokiFragment(block)

	case diagram.KindMermaid:
		return `<div class="mermaid">` + "\n" + html.EscapeString(block.Source) + `</div>`, nil

	case diagram.KindWaveDrom:
		return `<div class="wavedrom"><script type="WaveDrom">` + block.Source + `</script></div>`, nil

	case diagram.KindPlantUML:
		if t.engines.PlantUML == nil {
			return "", errors.New("plantuml renderer not configured")
		}
		return t.renderCached(ctx, block, func(ctx context.Context) (string, error) {
			return t.engines.PlantUML.Render(ctx, block.Source)
		})

	case diagram.KindGraphviz:
		if t.engines.Graphviz == nil {
			return "", errors.New("graphviz renderer not configured")
		}
		return t.renderCached(ctx, block, func(ctx context.Context) (string, error) {
			return t.engines.Graphviz.RenderEngine(ctx, block.Source, block.Attrs.Get("engine"))
		})

	case diagram.KindVega, diagram.KindVegaLite:
		if block.Attrs.IsTrue("interactive") {
			return interactiveVegaFragment(block.Source)
		}
		if t.engines.Vega == nil {
			return "", errors.New("vega compiler not configured")
		}
		return t.renderCached(ctx, block, func(ctx context.Context) (string, error) {
			return t.engines.Vega.Compile(ctx, block.Source, kind == diagram.KindVegaLite)
		})

	case diagram.KindD2:
		if t.engines.D2 == nil {
			return "", errors.New("d2 renderer not configured")
		}
		return t.renderCached(ctx, block, func(ctx context.Context) (string, error) {
			return t.engines.D2.Render(ctx, block.Source)
		})

	default:
		return "", fmt.Errorf("unhandled diagram kind %d", kind)
	}
}

// krokiFragment emits an <img> pointed at the Kroki service; the service
// renders on demand, so nothing beyond the URL is computed here.
func (t *DiagramTransformer) krokiFragment(block diagram.Block) (string, error) {
	if t.engines.Kroki == nil {
		return "", errors.New("kroki client not configured")
	}

	diagramType := block.Attrs.Get("kroki")
	if diagramType == "" || diagramType == "true" {
		diagramType = block.Language
	}
	format := block.Attrs.Get("output")
	if format == "" {
		format = kroki.DefaultFormat
	}

	url, err := t.engines.Kroki.URL(diagramType, format, block.Source)
	if err != nil {
		return "", err
	}
	alt := kroki.NormalizeType(diagramType)
	return `<p><img class="kroki-diagram" src="` + url + `" alt="` + html.EscapeString(alt) + ` diagram" /></p>`, nil
}

// interactiveVegaFragment re-encodes the YAML/JSON spec as a hidden JSON
// payload hydrated client-side; json.Marshal escapes <, > and & so the
// payload is safe inside a script element.
func interactiveVegaFragment(source string) (string, error) {
	payload, err := vega.SpecJSON(source)
	if err != nil {
		return "", err
	}
	return `<div class="vega-interactive" hidden><script type="application/json">` + payload + `</script></div>`, nil
}

func (t *DiagramTransformer) renderCached(ctx context.Context, block diagram.Block, render func(context.Context) (string, error)) (string, error) {
	key := diagram.CacheKey(block)
	if cached, ok := t.cache.Get(key); ok {
		return cached, nil
	}
	svg, err := render(ctx)
	if err != nil {
		return "", err
	}
	t.cache.Set(key, svg)
	t.mirrorImage(key, svg)
	return svg, nil
}

// mirrorImage writes freshly rendered SVG into the configured image
// directory, named by cache key. Failures are logged and never block the
// render.
func (t *DiagramTransformer) mirrorImage(key, svg string) {
	if t.opts.ImageDir == "" {
		return
	}
	if err := os.MkdirAll(t.opts.ImageDir, 0o755); err != nil { //nolint:gosec // standard directory permissions
		t.logger.Warn("create image dir failed", slog.String("dir", t.opts.ImageDir), slog.Any("err", err))
		return
	}
	dest := filepath.Join(t.opts.ImageDir, key+".svg")
	if err := os.WriteFile(dest, []byte(svg), 0o644); err != nil { //nolint:gosec // standard file permissions
		t.logger.Warn("write diagram image failed", slog.String("path", dest), slog.Any("err", err))
	}
}
