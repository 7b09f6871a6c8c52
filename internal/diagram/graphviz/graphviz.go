// Package graphviz renders DOT source to SVG with the embedded Graphviz
// engine (no external binary required).
package graphviz

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gv "github.com/goccy/go-graphviz"
)

// DefaultEngine is used when a block names no layout engine.
const DefaultEngine = "dot"

// Renderer lays out and renders DOT graphs in process.
type Renderer struct {
	logger  *slog.Logger
	timeout time.Duration
}

// Options configure the renderer.
type Options struct {
	Timeout time.Duration
}

// New constructs a renderer. If logger is nil the default slog logger is used.
func New(logger *slog.Logger, opts *Options) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := 15 * time.Second
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	return &Renderer{
		logger:  logger.With("component", "graphviz"),
		timeout: timeout,
	}
}

// RenderEngine renders the DOT source with the named layout engine. An empty
// engine selects DefaultEngine; unknown engines are rejected before layout.
func (r *Renderer) RenderEngine(ctx context.Context, source, engine string) (string, error) {
	layout, err := resolveLayout(engine)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	g, err := gv.New(ctx)
	if err != nil {
		return "", fmt.Errorf("init graphviz: %w", err)
	}
	defer g.Close()
	g.SetLayout(layout)

	graph, err := gv.ParseBytes([]byte(source))
	if err != nil {
		return "", fmt.Errorf("parse dot: %w", err)
	}
	defer func() {
		if cerr := graph.Close(); cerr != nil {
			r.logger.Warn("close graph", slog.Any("err", cerr))
		}
	}()

	start := time.Now()
	var buf bytes.Buffer
	if err := g.Render(ctx, graph, gv.SVG, &buf); err != nil {
		return "", fmt.Errorf("render svg: %w", err)
	}
	r.logger.Debug("graphviz render complete",
		slog.String("engine", string(layout)),
		slog.Duration("duration", time.Since(start)))

	return buf.String(), nil
}

func resolveLayout(engine string) (gv.Layout, error) {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "", DefaultEngine:
		return gv.DOT, nil
	case "neato":
		return gv.NEATO, nil
	case "fdp":
		return gv.FDP, nil
	case "sfdp":
		return gv.SFDP, nil
	case "circo":
		return gv.CIRCO, nil
	case "twopi":
		return gv.TWOPI, nil
	case "osage":
		return gv.OSAGE, nil
	case "patchwork":
		return gv.PATCHWORK, nil
	default:
		return "", fmt.Errorf("unsupported graphviz engine %q", engine)
	}
}
