// Package vega compiles Vega and Vega-Lite specifications to SVG.
//
// No Vega compiler exists for Go, so server-side compilation delegates to the
// configured Kroki service. Interactive blocks bypass compilation entirely and
// are re-encoded as JSON payloads for client-side vega-embed.
package vega

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oneWaveAdrian/mdviz/internal/diagram/kroki"
)

// ErrEmptySpec is returned when the supplied specification is empty.
var ErrEmptySpec = errors.New("vega: empty specification")

// Compiler turns Vega/Vega-Lite source into SVG via a Kroki service.
type Compiler struct {
	kroki  *kroki.Client
	logger *slog.Logger
}

// New constructs a compiler backed by the given Kroki client.
func New(client *kroki.Client, logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{
		kroki:  client,
		logger: logger.With("component", "vega"),
	}
}

// Compile renders the specification to SVG. Set lite for Vega-Lite sources.
func (c *Compiler) Compile(ctx context.Context, source string, lite bool) (string, error) {
	payload, err := SpecJSON(source)
	if err != nil {
		return "", err
	}
	diagramType := "vega"
	if lite {
		diagramType = "vegalite"
	}
	return c.kroki.Fetch(ctx, diagramType, kroki.DefaultFormat, payload)
}

// ParseSpec reads a specification written as either YAML or JSON into a
// generic map. YAML is a superset of JSON, so a single decoder covers both.
func ParseSpec(source string) (map[string]any, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ErrEmptySpec
	}
	var spec map[string]any
	if err := yaml.Unmarshal([]byte(source), &spec); err != nil {
		return nil, fmt.Errorf("parse vega spec: %w", err)
	}
	return spec, nil
}

// SpecJSON normalizes a YAML or JSON specification to compact JSON.
func SpecJSON(source string) (string, error) {
	spec, err := ParseSpec(source)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode vega spec: %w", err)
	}
	return string(raw), nil
}
