package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oneWaveAdrian/mdviz/internal/config"
	"github.com/oneWaveAdrian/mdviz/internal/content"
	"github.com/oneWaveAdrian/mdviz/internal/content/tree"
	"github.com/oneWaveAdrian/mdviz/internal/exporter"
	"github.com/oneWaveAdrian/mdviz/internal/renderer"
	"github.com/oneWaveAdrian/mdviz/internal/renderer/transform"
)

func TestAPIHandlers(t *testing.T) {
	t.Parallel()
	srv, cleanup := newTestServer(t)
	t.Cleanup(cleanup)

	t.Run("tree returns root snapshot", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/tree", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}

		var resp struct {
			GeneratedAt time.Time  `json:"generatedAt"`
			Root        *tree.Node `json:"root"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Root == nil {
			t.Fatalf("expected root node, got nil")
		}
		if len(resp.Root.Children) == 0 {
			t.Fatalf("expected root to have children")
		}
		found := false
		for _, child := range resp.Root.Children {
			if child.RelativePath == "index.md" {
				found = true
				if child.Metadata == nil || child.Metadata.Title != "Welcome" {
					t.Fatalf("expected metadata title 'Welcome', got %#v", child.Metadata)
				}
				break
			}
		}
		if !found {
			t.Fatalf("expected to find index.md in tree; got %+v", resp.Root.Children)
		}
	})

	t.Run("page endpoint renders markdown", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/page/index.md", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d with body %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			Path string `json:"path"`
			HTML string `json:"html"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Path != "index.md" {
			t.Fatalf("expected path index.md, got %s", resp.Path)
		}
		if !strings.Contains(resp.HTML, "<h1 id=\"welcome\">Welcome") {
			t.Fatalf("expected rendered HTML to contain heading, got %q", resp.HTML)
		}
		if !strings.Contains(resp.HTML, `class="mermaid"`) {
			t.Fatalf("expected mermaid container in rendered HTML, got %q", resp.HTML)
		}
	})

	t.Run("page endpoint returns raw markdown when requested", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/page/index.md?format=raw", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d with body %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			Path string `json:"path"`
			Raw  string `json:"raw"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Path != "index.md" {
			t.Fatalf("expected path index.md, got %s", resp.Path)
		}
		if !strings.Contains(resp.Raw, "# Welcome") {
			t.Fatalf("expected raw markdown content, got %q", resp.Raw)
		}
	})

	t.Run("page endpoint supports percent-encoded paths", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/page/guides%2Fgetting-started.md?format=raw", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d with body %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			Path string `json:"path"`
			Raw  string `json:"raw"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Path != "guides/getting-started.md" {
			t.Fatalf("expected decoded path, got %s", resp.Path)
		}
		if !strings.Contains(resp.Raw, "Getting Started") {
			t.Fatalf("expected raw markdown to contain heading, got %q", resp.Raw)
		}
	})

	t.Run("page endpoint handles missing documents", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/page/missing.md", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for missing document, got %d", rec.Code)
		}
	})
}

func TestPageRouteRendersLayout(t *testing.T) {
	t.Parallel()
	srv, cleanup := newTestServer(t)
	t.Cleanup(cleanup)

	req := httptest.NewRequest(http.MethodGet, "/page/index.md", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d with body %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<html") {
		t.Fatalf("expected HTML document, got: %s", body)
	}
	if !strings.Contains(body, "markdown-body") {
		t.Fatalf("expected rendered page body in layout")
	}
	if !strings.Contains(body, "/page/guides/getting-started.md") {
		t.Fatalf("expected navigation tree with nested document link")
	}
}

func TestPageRouteMissingDocumentStillRendersLayout(t *testing.T) {
	t.Parallel()
	srv, cleanup := newTestServer(t)
	t.Cleanup(cleanup)

	req := httptest.NewRequest(http.MethodGet, "/page/nope.md", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with missing page message, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "(missing)") {
		t.Fatalf("expected missing page title, got %q", body)
	}
}

func TestRootHandlerRedirectsToFirstDocument(t *testing.T) {
	t.Parallel()
	srv, cleanup := newTestServer(t)
	t.Cleanup(cleanup)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	switch rec.Code {
	case http.StatusFound, http.StatusMovedPermanently, http.StatusSeeOther:
		loc := rec.Header().Get("Location")
		if !strings.HasPrefix(loc, "/page/") {
			t.Fatalf("expected redirect to a page, got %q", loc)
		}
	case http.StatusOK:
		if !strings.Contains(rec.Body.String(), "<html") {
			t.Fatalf("expected HTML document, got: %s", rec.Body.String())
		}
	default:
		t.Fatalf("expected redirect or 200, got %d", rec.Code)
	}
}

func TestEventsHandlerSendsReadyComment(t *testing.T) {
	t.Parallel()
	srv, cleanup := newTestServer(t)
	t.Cleanup(cleanup)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	errCh := make(chan error, 1)
	go func() {
		srv.handleEvents(rec, req)
		errCh <- nil
	}()

	// Give the handler a moment to write the ready comment.
	time.Sleep(150 * time.Millisecond)
	cancel()

	if err := <-errCh; err != nil {
		t.Fatalf("handleEvents returned error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, ": ready\n\n") {
		t.Fatalf("expected ready comment in body, got %q", body)
	}
}

func TestExportHandlerSecurity(t *testing.T) {
	t.Parallel()
	srv, cleanup := newTestServer(t)
	t.Cleanup(cleanup)

	t.Run("blocks path traversal with ..", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/export?path=../etc/passwd&format=html", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}

		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !strings.Contains(resp["error"], "invalid path") {
			t.Errorf("expected 'invalid path' error, got %q", resp["error"])
		}
	})

	t.Run("blocks path traversal with multiple ..", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/export?path=../../etc/passwd&format=html", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}

		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !strings.Contains(resp["error"], "invalid path") {
			t.Errorf("expected 'invalid path' error, got %q", resp["error"])
		}
	})

	t.Run("blocks absolute paths", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/export?path=/etc/passwd&format=html", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		// On Windows, /etc/passwd is treated as relative path, so it may return 404
		// rather than 400. Both are acceptable rejections.
		if rec.Code != http.StatusBadRequest && rec.Code != http.StatusNotFound {
			t.Errorf("expected status 400 or 404, got %d", rec.Code)
		}

		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !strings.Contains(resp["error"], "invalid path") && !strings.Contains(resp["error"], "document not found") {
			t.Errorf("expected 'invalid path' or 'document not found' error, got %q", resp["error"])
		}
	})

	t.Run("blocks path with .. in middle", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/export?path=subdir/../../../etc/passwd&format=html", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}

		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !strings.Contains(resp["error"], "invalid path") {
			t.Errorf("expected 'invalid path' error, got %q", resp["error"])
		}
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/export?path=index.md&format=invalid", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}

		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !strings.Contains(resp["error"], "invalid format") {
			t.Errorf("expected 'invalid format' error, got %q", resp["error"])
		}
	})

	t.Run("accepts valid path and format", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/export?path=index.md&format=html", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d with body: %s", rec.Code, rec.Body.String())
		}

		contentType := rec.Header().Get("Content-Type")
		if !strings.Contains(contentType, "text/html") {
			t.Errorf("expected content-type text/html, got %s", contentType)
		}

		disposition := rec.Header().Get("Content-Disposition")
		if !strings.Contains(disposition, "attachment") {
			t.Errorf("expected attachment disposition, got %s", disposition)
		}
		if !strings.Contains(disposition, "index.html") {
			t.Errorf("expected filename index.html, got %s", disposition)
		}
	})

	t.Run("accepts valid nested path", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/export?path=guides/getting-started.md&format=markdown", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d with body: %s", rec.Code, rec.Body.String())
		}

		contentType := rec.Header().Get("Content-Type")
		if !strings.Contains(contentType, "text/markdown") {
			t.Errorf("expected content-type text/markdown, got %s", contentType)
		}
	})

	t.Run("requires path parameter", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/export?format=html", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}

		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !strings.Contains(resp["error"], "path parameter is required") {
			t.Errorf("expected 'path parameter is required' error, got %q", resp["error"])
		}
	})

	t.Run("defaults to html format", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/export?path=index.md", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}

		contentType := rec.Header().Get("Content-Type")
		if !strings.Contains(contentType, "text/html") {
			t.Errorf("expected default content-type text/html, got %s", contentType)
		}
	})
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()

	tempRoot := t.TempDir()
	copyDir(t, filepath.Join("..", "..", "testdata", "wiki"), tempRoot)

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	renderSvc := renderer.NewService(renderer.Options{Logger: logger})

	contentSvc, err := content.NewService(context.Background(), tempRoot, renderSvc, logger, content.Options{})
	if err != nil {
		t.Fatalf("content service init failed: %v", err)
	}

	exp, err := exporter.New(logger, renderSvc, transform.Engines{})
	if err != nil {
		contentSvc.Close()
		t.Fatalf("exporter init failed: %v", err)
	}

	cfg := config.Default()
	cfg.RootDir = tempRoot
	cfg.AutoOpen = false
	cfg.AssetsDir = filepath.Join("..", "..", "static")

	srv, err := New(cfg, logger, contentSvc, exp)
	if err != nil {
		contentSvc.Close()
		t.Fatalf("server init failed: %v", err)
	}

	// Build middleware chain for testing
	handler := chain(srv.mux,
		recoveryMiddleware(srv.logger),
		gzipMiddleware,
		loggingMiddleware(srv.logger, cfg.Verbose),
	)

	cleanup := func() {
		_ = contentSvc.Close()
	}
	return &testServer{Server: srv, handler: handler}, cleanup
}

// testServer wraps Server with a handler for testing.
type testServer struct {
	*Server
	handler http.Handler
}

// ServeHTTP delegates to the handler with middleware.
func (ts *testServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ts.handler.ServeHTTP(w, r)
}

func copyDir(t *testing.T, src, dst string) {
	t.Helper()
	if err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	}); err != nil {
		t.Fatalf("copyDir failed: %v", err)
	}
}
