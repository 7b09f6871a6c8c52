package d2

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestResolveLayout(t *testing.T) {
	t.Parallel()

	for _, engine := range []string{"", "dagre", "elk", "ELK"} {
		if _, err := resolveLayout(engine); err != nil {
			t.Errorf("resolveLayout(%q) returned error: %v", engine, err)
		}
	}
	if _, err := resolveLayout("bogus"); err == nil {
		t.Fatalf("expected error for unknown layout")
	}
}

func TestRenderEmptyDiagram(t *testing.T) {
	t.Parallel()

	r := New(testLogger(), nil)
	if _, err := r.Render(context.Background(), "   \n"); !errors.Is(err, ErrEmptyDiagram) {
		t.Fatalf("expected ErrEmptyDiagram, got %v", err)
	}
}

func TestRenderSimpleDiagram(t *testing.T) {
	t.Parallel()

	r := New(testLogger(), nil)
	svg, err := r.Render(context.Background(), "x -> y: hello")
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if !strings.Contains(svg, "<svg") {
		t.Fatalf("expected SVG output, got %q", svg)
	}
	if !strings.Contains(svg, "hello") {
		t.Fatalf("expected edge label in output, got %q", svg)
	}
}
