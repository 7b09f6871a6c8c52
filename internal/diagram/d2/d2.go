// Package d2 compiles D2 diagram scripts to SVG with the embedded D2
// compiler.
package d2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"oss.terrastruct.com/d2/d2graph"
	"oss.terrastruct.com/d2/d2layouts/d2dagrelayout"
	"oss.terrastruct.com/d2/d2layouts/d2elklayout"
	"oss.terrastruct.com/d2/d2lib"
	"oss.terrastruct.com/d2/d2renderers/d2svg"
	"oss.terrastruct.com/d2/d2themes/d2themescatalog"
	d2log "oss.terrastruct.com/d2/lib/log"
	"oss.terrastruct.com/d2/lib/textmeasure"
)

// ErrEmptyDiagram is returned when the supplied diagram body is empty.
var ErrEmptyDiagram = errors.New("d2: empty diagram")

// Renderer compiles D2 scripts in process. Layout directives inside the
// script (or the D2_LAYOUT environment variable) pick the layout engine.
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
	timeout := 12 * time.Second
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	return &Renderer{
		logger:  logger.With("component", "d2"),
		timeout: timeout,
	}
}

// Render compiles the given D2 script into SVG text.
func (r *Renderer) Render(ctx context.Context, source string) (string, error) {
	if strings.TrimSpace(source) == "" {
		return "", ErrEmptyDiagram
	}

	ctx = d2log.With(ctx, r.logger)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ruler, err := textmeasure.NewRuler()
	if err != nil {
		return "", fmt.Errorf("init ruler: %w", err)
	}

	themeID := d2themescatalog.NeutralDefault.ID
	pad := int64(d2svg.DEFAULT_PADDING)
	renderOpts := &d2svg.RenderOpts{
		ThemeID: &themeID,
		Pad:     &pad,
	}

	start := time.Now()
	diagram, _, err := d2lib.Compile(ctx, source, &d2lib.CompileOptions{
		Ruler:          ruler,
		LayoutResolver: resolveLayout,
	}, renderOpts)
	if err != nil {
		return "", err
	}
	if diagram == nil {
		return "", errors.New("d2: compiler returned nil diagram")
	}

	svg, err := d2svg.Render(diagram, renderOpts)
	if err != nil {
		return "", fmt.Errorf("render svg: %w", err)
	}
	r.logger.Debug("d2 render complete", slog.Duration("duration", time.Since(start)))

	return string(svg), nil
}

func resolveLayout(engine string) (d2graph.LayoutGraph, error) {
	switch strings.ToLower(engine) {
	case "", "dagre":
		return func(ctx context.Context, g *d2graph.Graph) error {
			return d2dagrelayout.Layout(ctx, g, nil)
		}, nil
	case "elk":
		return func(ctx context.Context, g *d2graph.Graph) error {
			return d2elklayout.Layout(ctx, g, nil)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported d2 layout %q", engine)
	}
}
