// Package plantuml renders PlantUML diagrams through a local jar or a remote
// PlantUML server.
package plantuml

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// ErrNotConfigured is returned when neither a jar path nor a server URL is set.
var ErrNotConfigured = errors.New("plantuml: no jar path or server configured")

// Options configure the renderer. JarPath takes precedence over Server when
// both are set.
type Options struct {
	JarPath string
	Server  string
	// Java names the java executable used for jar invocations; defaults to
	// "java" on PATH.
	Java string
	// WorkDir is the working directory for jar subprocesses.
	WorkDir string
	Timeout time.Duration
}

// Renderer turns PlantUML source text into SVG.
type Renderer struct {
	opts   Options
	http   *http.Client
	logger *slog.Logger
}

// New constructs a renderer. If logger is nil the default slog logger is used.
func New(logger *slog.Logger, opts Options) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Java == "" {
		opts.Java = "java"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Renderer{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout},
		logger: logger.With("component", "plantuml"),
	}
}

// Render produces SVG text for the given diagram source. The source is
// wrapped in @startuml/@enduml markers when it carries none.
func (r *Renderer) Render(ctx context.Context, source string) (string, error) {
	source = ensureMarkers(source)

	switch {
	case r.opts.JarPath != "":
		return r.renderJar(ctx, source)
	case r.opts.Server != "":
		return r.renderServer(ctx, source)
	default:
		return "", ErrNotConfigured
	}
}

func ensureMarkers(source string) string {
	if strings.Contains(source, "@start") {
		return source
	}
	return "@startuml\n" + source + "\n@enduml"
}

func (r *Renderer) renderJar(ctx context.Context, source string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.opts.Java, jarArgs(r.opts.JarPath)...)
	if r.opts.WorkDir != "" {
		cmd.Dir = r.opts.WorkDir
	}
	cmd.Stdin = strings.NewReader(source)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("plantuml jar: %w: %s", err, msg)
		}
		return "", fmt.Errorf("plantuml jar: %w", err)
	}
	r.logger.Debug("jar render complete", slog.Duration("duration", time.Since(start)))

	return out.String(), nil
}

// jarArgs builds the argument list for a piped jar invocation.
func jarArgs(jarPath string) []string {
	return []string{
		"-Djava.awt.headless=true",
		"-jar", jarPath,
		"-pipe",
		"-tsvg",
		"-charset", "UTF-8",
	}
}

// ServerURL builds the GET URL for a remote PlantUML server using the hex
// text-encoding variant (`~h` prefix), which avoids the custom PlantUML
// base64 alphabet.
func ServerURL(server, source string) string {
	return strings.TrimRight(server, "/") + "/svg/~h" + hex.EncodeToString([]byte(source))
}

func (r *Renderer) renderServer(ctx context.Context, source string) (string, error) {
	url := ServerURL(r.opts.Server, source)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build plantuml request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("plantuml server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("read plantuml response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("plantuml server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
