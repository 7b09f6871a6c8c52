package renderer_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/oneWaveAdrian/mdviz/internal/renderer"
)

func testService() *renderer.Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	return renderer.NewService(renderer.Options{Logger: logger})
}

func TestRenderWithMetadataAndMermaid(t *testing.T) {
	t.Parallel()
	svc := testService()

	content := []byte("---\n" +
		"title: Example Doc\n" +
		"description: Sample description\n" +
		"tags:\n" +
		"  - go\n" +
		"  - diagrams\n" +
		"---\n\n" +
		"# Hello\n\n" +
		"Some inline text.\n\n" +
		"```mermaid\n" +
		"graph TD;\n" +
		"A-->B;\n" +
		"```\n\n" +
		"```go\n" +
		"package main\n\n" +
		"import \"fmt\"\n\n" +
		"func main() {\n" +
		"  fmt.Println(\"hello\")\n" +
		"}\n" +
		"```\n")

	modTime := time.Unix(1_000, 0)
	doc, err := svc.Render(context.Background(), "docs/example.md", modTime, content)
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	if doc.Metadata.Title != "Example Doc" {
		t.Fatalf("expected title 'Example Doc', got %q", doc.Metadata.Title)
	}
	if doc.Metadata.Description != "Sample description" {
		t.Fatalf("unexpected description: %q", doc.Metadata.Description)
	}
	if len(doc.Metadata.Tags) != 2 || doc.Metadata.Tags[0] != "go" || doc.Metadata.Tags[1] != "diagrams" {
		t.Fatalf("unexpected tags: %#v", doc.Metadata.Tags)
	}

	html := doc.HTML
	if !strings.Contains(html, `<div class="mermaid">`) {
		t.Fatalf("expected mermaid div in HTML, got %s", html)
	}
	if strings.Contains(html, "language-mermaid") {
		t.Fatalf("expected mermaid fence to be wrapped, saw raw language class: %s", html)
	}
	if !strings.Contains(html, "graph TD;") {
		t.Fatalf("expected mermaid content in HTML")
	}
	if !strings.Contains(html, `class="chroma"`) {
		t.Fatalf("expected chroma highlighter output, got %s", html)
	}
	if !strings.Contains(html, `<span class="kn">package</span>`) {
		t.Fatalf("expected go syntax tokens in HTML, got %s", html)
	}
	if !doc.Modified.Equal(modTime) {
		t.Fatalf("expected modified timestamp to match, got %v", doc.Modified)
	}
}

func TestRenderDiagramSourceHiddenByDefault(t *testing.T) {
	t.Parallel()
	svc := testService()

	content := []byte("```mermaid\ngraph LR; A-->B;\n```\n")
	doc, err := svc.Render(context.Background(), "docs/source.md", time.Unix(3_000, 0), content)
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if !strings.Contains(doc.HTML, `class="diagram-source"`) {
		t.Fatalf("expected source block in HTML, got %s", doc.HTML)
	}
	if !strings.Contains(doc.HTML, "hidden") {
		t.Fatalf("expected source block hidden by default, got %s", doc.HTML)
	}
}

func TestRenderLinkRewriting(t *testing.T) {
	t.Parallel()
	svc := testService()

	content := []byte("[guide](setup.md) and ![shot](img/shot.png) and [ext](https://example.com/a.md)\n")
	doc, err := svc.Render(context.Background(), "guides/index.md", time.Unix(4_000, 0), content)
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if !strings.Contains(doc.HTML, `href="/page/guides/setup.md"`) {
		t.Fatalf("expected markdown link rewritten relative to document, got %s", doc.HTML)
	}
	if !strings.Contains(doc.HTML, `src="/media/guides/img/shot.png"`) {
		t.Fatalf("expected image path rewritten to media route, got %s", doc.HTML)
	}
	if !strings.Contains(doc.HTML, `href="https://example.com/a.md"`) {
		t.Fatalf("expected external link untouched, got %s", doc.HTML)
	}
}

func TestRenderCaching(t *testing.T) {
	t.Parallel()
	svc := testService()

	ctx := context.Background()
	path := "docs/cache.md"
	modTime := time.Unix(2_000, 0)

	doc1, err := svc.Render(ctx, path, modTime, []byte("# First"))
	if err != nil {
		t.Fatalf("first render: %v", err)
	}

	doc2, err := svc.Render(ctx, path, modTime, []byte("# Second"))
	if err != nil {
		t.Fatalf("second render: %v", err)
	}
	if doc2.HTML != doc1.HTML {
		t.Fatalf("expected cached HTML, got different output")
	}

	doc3, err := svc.Render(ctx, path, modTime.Add(time.Second), []byte("# Second"))
	if err != nil {
		t.Fatalf("third render: %v", err)
	}
	if doc3.HTML == doc1.HTML {
		t.Fatalf("expected updated render after mod time change")
	}
	if !strings.Contains(doc3.HTML, "Second") {
		t.Fatalf("expected new HTML to include updated content, got %s", doc3.HTML)
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	svc := testService()

	ctx := context.Background()
	path := "docs/inv.md"
	modTime := time.Unix(5_000, 0)

	if _, err := svc.Render(ctx, path, modTime, []byte("# Old")); err != nil {
		t.Fatalf("first render: %v", err)
	}
	svc.Invalidate(path)

	doc, err := svc.Render(ctx, path, modTime, []byte("# New"))
	if err != nil {
		t.Fatalf("second render: %v", err)
	}
	if !strings.Contains(doc.HTML, "New") {
		t.Fatalf("expected fresh render after invalidation, got %s", doc.HTML)
	}
}
