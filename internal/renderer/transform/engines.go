package transform

import (
	"log/slog"

	d2render "github.com/oneWaveAdrian/mdviz/internal/diagram/d2"
	"github.com/oneWaveAdrian/mdviz/internal/diagram/graphviz"
	"github.com/oneWaveAdrian/mdviz/internal/diagram/kroki"
	"github.com/oneWaveAdrian/mdviz/internal/diagram/plantuml"
	"github.com/oneWaveAdrian/mdviz/internal/diagram/vega"
)

// EngineOptions carries the tool locations used to assemble the default
// engine set.
type EngineOptions struct {
	// PlantUMLJar is the path to a local plantuml.jar. Takes precedence
	// over PlantUMLServer when both are set.
	PlantUMLJar string

	// PlantUMLServer is the base URL of a remote PlantUML server.
	PlantUMLServer string

	// KrokiServer is the base URL of the Kroki service. Empty means the
	// public instance.
	KrokiServer string

	// WorkDir is the scratch directory for subprocess renderers. Empty
	// means the system temp directory.
	WorkDir string
}

// DefaultEngines assembles the full engine set from the given tool
// locations. PlantUML stays nil when neither a jar nor a server is
// configured; all other engines are always available.
func DefaultEngines(opts EngineOptions, logger *slog.Logger) Engines {
	if logger == nil {
		logger = slog.Default()
	}

	krokiClient := kroki.New(opts.KrokiServer)

	engines := Engines{
		Graphviz: graphviz.New(logger, nil),
		Vega:     vega.New(krokiClient, logger),
		D2:       d2render.New(logger, nil),
		Kroki:    krokiClient,
	}

	if opts.PlantUMLJar != "" || opts.PlantUMLServer != "" {
		engines.PlantUML = plantuml.New(logger, plantuml.Options{
			JarPath: opts.PlantUMLJar,
			Server:  opts.PlantUMLServer,
			WorkDir: opts.WorkDir,
		})
	}

	return engines
}
