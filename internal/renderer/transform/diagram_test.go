package transform_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/parser"
	goldmarkrenderer "github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"

	"github.com/oneWaveAdrian/mdviz/internal/cache"
	"github.com/oneWaveAdrian/mdviz/internal/renderer/transform"
)

type stubSource struct {
	svg   string
	err   error
	calls atomic.Int64
}

func (s *stubSource) Render(_ context.Context, _ string) (string, error) {
	s.calls.Add(1)
	return s.svg, s.err
}

type stubEngine struct {
	svg    string
	engine atomic.Pointer[string]
}

func (s *stubEngine) RenderEngine(_ context.Context, _, engine string) (string, error) {
	s.engine.Store(&engine)
	return s.svg, nil
}

type stubVega struct {
	svg  string
	lite atomic.Bool
}

func (s *stubVega) Compile(_ context.Context, _ string, lite bool) (string, error) {
	s.lite.Store(lite)
	return s.svg, nil
}

type stubKroki struct{}

func (stubKroki) URL(diagramType, format, _ string) (string, error) {
	return "https://kroki.example/" + diagramType + "/" + format + "/payload", nil
}

func newMarkdown(engines transform.Engines, store cache.Store) goldmark.Markdown {
	return newMarkdownOpts(engines, store, transform.Options{})
}

func newMarkdownOpts(engines transform.Engines, store cache.Store, opts transform.Options) goldmark.Markdown {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	return goldmark.New(
		goldmark.WithParserOptions(
			parser.WithASTTransformers(
				util.Prioritized(transform.NewDiagramTransformer(engines, store, logger, opts), 100),
			),
		),
		goldmark.WithRendererOptions(
			goldmarkrenderer.WithNodeRenderers(
				util.Prioritized(transform.NewHTMLRenderer("github-dark"), 100),
			),
		),
	)
}

func convert(t *testing.T, md goldmark.Markdown, source string) string {
	t.Helper()
	var buf bytes.Buffer
	if err := md.Convert([]byte(source), &buf); err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	return buf.String()
}

func TestMermaidBlockRendersClientSide(t *testing.T) {
	t.Parallel()
	md := newMarkdown(transform.Engines{}, nil)

	out := convert(t, md, "```mermaid\ngraph TD; A-->B;\n```\n")
	if !strings.Contains(out, `<div class="mermaid">`) {
		t.Fatalf("expected mermaid container, got %s", out)
	}
	if !strings.Contains(out, "A--&gt;B;") {
		t.Fatalf("expected escaped diagram source, got %s", out)
	}
	if !strings.Contains(out, `class="diagram-source" data-lang="mermaid" hidden`) {
		t.Fatalf("expected hidden source block, got %s", out)
	}
}

func TestWaveDromBlockKeepsRawPayload(t *testing.T) {
	t.Parallel()
	md := newMarkdown(transform.Engines{}, nil)

	out := convert(t, md, "```wavedrom\n{ \"signal\": [] }\n```\n")
	if !strings.Contains(out, `<div class="wavedrom"><script type="WaveDrom">`) {
		t.Fatalf("expected wavedrom container, got %s", out)
	}
	if !strings.Contains(out, `{ "signal": [] }`) {
		t.Fatalf("expected raw wavedrom payload, got %s", out)
	}
}

func TestServerSideRenderInsertedAfterSource(t *testing.T) {
	t.Parallel()
	puml := &stubSource{svg: "<svg>plantuml-out</svg>"}
	md := newMarkdown(transform.Engines{PlantUML: puml}, nil)

	out := convert(t, md, "```plantuml\n@startuml\nA -> B\n@enduml\n```\n")
	srcIdx := strings.Index(out, "diagram-source")
	svgIdx := strings.Index(out, "plantuml-out")
	if srcIdx < 0 || svgIdx < 0 {
		t.Fatalf("expected both source and rendered output, got %s", out)
	}
	if svgIdx < srcIdx {
		t.Fatalf("expected rendered output after the source block, got %s", out)
	}
}

func TestOutputFirstReversesOrder(t *testing.T) {
	t.Parallel()
	puml := &stubSource{svg: "<svg>plantuml-out</svg>"}
	md := newMarkdown(transform.Engines{PlantUML: puml}, nil)

	out := convert(t, md, "```plantuml {output_first hide=false}\nA -> B\n```\n")
	srcIdx := strings.Index(out, "diagram-source")
	svgIdx := strings.Index(out, "plantuml-out")
	if srcIdx < 0 || svgIdx < 0 {
		t.Fatalf("expected both source and rendered output, got %s", out)
	}
	if svgIdx > srcIdx {
		t.Fatalf("expected rendered output before the source block, got %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected visible source with hide=false, got %s", out)
	}
}

func TestOutputFirstDefaultConfigurable(t *testing.T) {
	t.Parallel()
	puml := &stubSource{svg: "<svg>plantuml-out</svg>"}
	md := newMarkdownOpts(transform.Engines{PlantUML: puml}, nil, transform.Options{OutputFirst: true})

	out := convert(t, md, "```plantuml\nA -> B\n```\n")
	srcIdx := strings.Index(out, "diagram-source")
	svgIdx := strings.Index(out, "plantuml-out")
	if srcIdx < 0 || svgIdx < 0 {
		t.Fatalf("expected both source and rendered output, got %s", out)
	}
	if svgIdx > srcIdx {
		t.Fatalf("expected rendered output before the source block by default, got %s", out)
	}

	// An explicit per-block attribute wins over the configured default.
	out = convert(t, md, "```plantuml {output_first=false}\nA -> B\n```\n")
	srcIdx = strings.Index(out, "diagram-source")
	svgIdx = strings.Index(out, "plantuml-out")
	if srcIdx < 0 || svgIdx < 0 {
		t.Fatalf("expected both source and rendered output, got %s", out)
	}
	if svgIdx < srcIdx {
		t.Fatalf("expected output_first=false to override the default, got %s", out)
	}
}

func TestImageDirMirrorsRenderedSVG(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	puml := &stubSource{svg: "<svg>mirrored</svg>"}
	md := newMarkdownOpts(transform.Engines{PlantUML: puml}, nil, transform.Options{ImageDir: dir})

	convert(t, md, "```plantuml\nA -> B\n```\n")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read image dir: %v", err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".svg") {
		t.Fatalf("expected one mirrored .svg file, got %v", entries)
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read mirrored svg: %v", err)
	}
	if string(data) != "<svg>mirrored</svg>" {
		t.Fatalf("unexpected mirrored content: %s", data)
	}
}

func TestCodeBlockAttrKeepsSourceVisible(t *testing.T) {
	t.Parallel()
	puml := &stubSource{svg: "<svg>ok</svg>"}
	md := newMarkdown(transform.Engines{PlantUML: puml}, nil)

	out := convert(t, md, "```plantuml {code_block=true}\nA -> B\n```\n")
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected visible source with code_block=true, got %s", out)
	}
}

func TestGraphvizEngineAttrForwarded(t *testing.T) {
	t.Parallel()
	gv := &stubEngine{svg: "<svg>graph</svg>"}
	md := newMarkdown(transform.Engines{Graphviz: gv}, nil)

	out := convert(t, md, "```dot {engine=neato}\ndigraph G { a -> b }\n```\n")
	if !strings.Contains(out, "<svg>graph</svg>") {
		t.Fatalf("expected rendered graphviz output, got %s", out)
	}
	got := gv.engine.Load()
	if got == nil || *got != "neato" {
		t.Fatalf("expected engine attribute forwarded, got %v", got)
	}
}

func TestVegaLiteFlagForwarded(t *testing.T) {
	t.Parallel()
	vg := &stubVega{svg: "<svg>chart</svg>"}
	md := newMarkdown(transform.Engines{Vega: vg}, nil)

	out := convert(t, md, "```vega-lite\n{\"mark\": \"bar\"}\n```\n")
	if !strings.Contains(out, "<svg>chart</svg>") {
		t.Fatalf("expected compiled chart, got %s", out)
	}
	if !vg.lite.Load() {
		t.Fatalf("expected lite flag for vega-lite blocks")
	}
}

func TestInteractiveVegaEmitsJSONPayload(t *testing.T) {
	t.Parallel()
	md := newMarkdown(transform.Engines{}, nil)

	out := convert(t, md, "```vega-lite {interactive}\nmark: bar\n```\n")
	if !strings.Contains(out, `<div class="vega-interactive" hidden>`) {
		t.Fatalf("expected interactive vega container, got %s", out)
	}
	if !strings.Contains(out, `<script type="application/json">`) {
		t.Fatalf("expected embedded JSON payload, got %s", out)
	}
	if !strings.Contains(out, `"mark":"bar"`) {
		t.Fatalf("expected YAML spec converted to JSON, got %s", out)
	}
}

func TestKrokiAttrRoutesAnyLanguage(t *testing.T) {
	t.Parallel()
	md := newMarkdown(transform.Engines{Kroki: stubKroki{}}, nil)

	out := convert(t, md, "```nomnoml {kroki}\n[a] -> [b]\n```\n")
	if !strings.Contains(out, `<img class="kroki-diagram" src="https://kroki.example/nomnoml/svg/payload"`) {
		t.Fatalf("expected kroki image URL, got %s", out)
	}
	if !strings.Contains(out, `alt="nomnoml diagram"`) {
		t.Fatalf("expected normalized alt text, got %s", out)
	}
}

func TestKrokiAttrValueOverridesLanguage(t *testing.T) {
	t.Parallel()
	md := newMarkdown(transform.Engines{Kroki: stubKroki{}}, nil)

	out := convert(t, md, "```text {kroki=blockdiag output=png}\nblockdiag { a -> b }\n```\n")
	if !strings.Contains(out, "https://kroki.example/blockdiag/png/payload") {
		t.Fatalf("expected kroki value and output format in URL, got %s", out)
	}
}

func TestLiteralAttrOptsOut(t *testing.T) {
	t.Parallel()
	md := newMarkdown(transform.Engines{}, nil)

	out := convert(t, md, "```mermaid {literal}\ngraph TD; A-->B;\n```\n")
	if strings.Contains(out, `class="mermaid"`) {
		t.Fatalf("expected literal block left untouched, got %s", out)
	}
	if !strings.Contains(out, "<pre><code") {
		t.Fatalf("expected plain code block, got %s", out)
	}
}

func TestRenderFailureReportsInlineAndKeepsDocument(t *testing.T) {
	t.Parallel()
	// Graphviz engine missing, so the dot block fails while the rest of the
	// document renders normally.
	md := newMarkdown(transform.Engines{}, nil)

	out := convert(t, md, "# Title\n\n```dot\ndigraph G { a -> b }\n```\n\nTrailing text.\n")
	if !strings.Contains(out, `<pre class="diagram-error">`) {
		t.Fatalf("expected inline error fragment, got %s", out)
	}
	if !strings.Contains(out, "graphviz renderer not configured") {
		t.Fatalf("expected error message in fragment, got %s", out)
	}
	if !strings.Contains(out, "<h1>Title</h1>") || !strings.Contains(out, "Trailing text.") {
		t.Fatalf("expected surrounding document intact, got %s", out)
	}
}

func TestIdenticalBlocksRenderOnce(t *testing.T) {
	t.Parallel()
	puml := &stubSource{svg: "<svg>cached</svg>"}
	store := cache.NewMemory()
	md := newMarkdown(transform.Engines{PlantUML: puml}, store)

	doc := "```plantuml\nA -> B\n```\n"
	first := convert(t, md, doc)
	second := convert(t, md, doc)

	if first != second {
		t.Fatalf("expected identical output for identical input")
	}
	if got := puml.calls.Load(); got != 1 {
		t.Fatalf("expected a single backend render, got %d", got)
	}
}

func TestAttributeChangeMissesCache(t *testing.T) {
	t.Parallel()
	gv := &stubEngine{svg: "<svg>g</svg>"}
	store := cache.NewMemory()
	md := newMarkdown(transform.Engines{Graphviz: gv}, store)

	convert(t, md, "```dot {engine=dot}\ndigraph G { a -> b }\n```\n")
	convert(t, md, "```dot {engine=neato}\ndigraph G { a -> b }\n```\n")

	got := gv.engine.Load()
	if got == nil || *got != "neato" {
		t.Fatalf("expected second render with new engine, got %v", got)
	}
}

func TestMultipleBlocksAllRendered(t *testing.T) {
	t.Parallel()
	puml := &stubSource{svg: "<svg>uml</svg>"}
	d2 := &stubSource{svg: "<svg>d2</svg>"}
	md := newMarkdown(transform.Engines{PlantUML: puml, D2: d2}, nil)

	doc := "```plantuml\nA -> B\n```\n\n" +
		"```mermaid\ngraph TD; A-->B;\n```\n\n" +
		"```d2\nx -> y\n```\n"
	out := convert(t, md, doc)

	for _, want := range []string{"<svg>uml</svg>", `<div class="mermaid">`, "<svg>d2</svg>"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got %s", want, out)
		}
	}
}
