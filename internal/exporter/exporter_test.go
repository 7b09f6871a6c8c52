package exporter

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oneWaveAdrian/mdviz/internal/renderer/transform"
)

func writeFixtureSite(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"index.md": "---\ntitle: Home\n---\n\n# Home\n\nWelcome to the corpus.\n",
		"guides/getting-started.md": "---\ntitle: Getting Started\n---\n\n# Getting Started\n\n" +
			"```mermaid\ngraph LR; A-->B;\n```\n",
	}
	for rel, content := range files {
		target := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			t.Fatalf("write fixture failed: %v", err)
		}
	}
	return root
}

func TestExportStaticSite(t *testing.T) {
	t.Parallel()

	root := writeFixtureSite(t)
	output := t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	exp, err := New(logger, nil, transform.Engines{})
	if err != nil {
		t.Fatalf("exporter init failed: %v", err)
	}

	err = exp.Export(context.Background(), Options{
		Root:      root,
		OutputDir: output,
		SiteTitle: "Test Site",
	})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	indexPage, err := os.ReadFile(filepath.Join(output, "index.html"))
	if err != nil {
		t.Fatalf("read index.html failed: %v", err)
	}
	if !strings.Contains(string(indexPage), "Test Site") {
		t.Fatalf("expected site title in index page, got %s", indexPage)
	}
	if !strings.Contains(string(indexPage), `href="assets/css/app.css"`) {
		t.Fatalf("expected root-relative asset link in index page, got %s", indexPage)
	}

	nested, err := os.ReadFile(filepath.Join(output, "guides", "getting-started.html"))
	if err != nil {
		t.Fatalf("read nested page failed: %v", err)
	}
	if !strings.Contains(string(nested), `href="../assets/css/app.css"`) {
		t.Fatalf("expected depth-adjusted asset link in nested page, got %s", nested)
	}
	if !strings.Contains(string(nested), `class="mermaid"`) {
		t.Fatalf("expected client-side mermaid container in nested page, got %s", nested)
	}

	if _, err := os.Stat(filepath.Join(output, "tree.json")); err != nil {
		t.Fatalf("expected tree.json in output: %v", err)
	}
	if _, err := os.Stat(filepath.Join(output, "assets", "css", "app.css")); err != nil {
		t.Fatalf("expected bundled stylesheet in output: %v", err)
	}
	if _, err := os.Stat(filepath.Join(output, "assets", "vendor", "chroma-github-dark.css")); err != nil {
		t.Fatalf("expected highlighter stylesheet in output: %v", err)
	}
}

func TestExportStaticSiteMinified(t *testing.T) {
	t.Parallel()

	root := writeFixtureSite(t)
	output := t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	exp, err := New(logger, nil, transform.Engines{})
	if err != nil {
		t.Fatalf("exporter init failed: %v", err)
	}

	err = exp.Export(context.Background(), Options{
		Root:      root,
		OutputDir: output,
		Minify:    true,
	})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	page, err := os.ReadFile(filepath.Join(output, "index.html"))
	if err != nil {
		t.Fatalf("read index.html failed: %v", err)
	}
	if strings.Contains(string(page), "\n  <") {
		t.Fatalf("expected minified output without indented markup, got %s", page)
	}
}

func TestExportRequiresDirectories(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	exp, err := New(logger, nil, transform.Engines{})
	if err != nil {
		t.Fatalf("exporter init failed: %v", err)
	}

	if err := exp.Export(context.Background(), Options{OutputDir: "out"}); err == nil {
		t.Fatalf("expected error for missing root")
	}
	if err := exp.Export(context.Background(), Options{Root: "."}); err == nil {
		t.Fatalf("expected error for missing output")
	}
}
