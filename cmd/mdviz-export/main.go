// Package main provides the mdviz static site export CLI.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/oneWaveAdrian/mdviz/internal/buildinfo"
	"github.com/oneWaveAdrian/mdviz/internal/cache"
	"github.com/oneWaveAdrian/mdviz/internal/config"
	"github.com/oneWaveAdrian/mdviz/internal/exporter"
	"github.com/oneWaveAdrian/mdviz/internal/renderer"
	"github.com/oneWaveAdrian/mdviz/internal/renderer/transform"
)

func main() {
	cfg := config.Default()
	config.ApplyEnvOverrides(&cfg)

	flags := pflag.NewFlagSet("mdviz-export", pflag.ExitOnError)
	flags.StringVarP(&cfg.RootDir, "root", "r", cfg.RootDir, "root directory containing markdown files to export")
	flags.StringVar(&cfg.StaticOutput, "out", cfg.StaticOutput, "output directory for generated static site")
	flags.StringVar(&cfg.AssetsDir, "assets", cfg.AssetsDir, "directory containing prepared static assets to copy")
	flags.StringVar(&cfg.CachePath, "cache", cfg.CachePath, "path to the on-disk diagram cache (empty = in-memory only)")
	flags.StringVar(&cfg.PlantUMLJar, "plantuml-jar", cfg.PlantUMLJar, "path to a local plantuml.jar")
	flags.StringVar(&cfg.PlantUMLServer, "plantuml-server", cfg.PlantUMLServer, "base URL of a PlantUML server (used when no jar is set)")
	flags.StringVar(&cfg.KrokiServer, "kroki-server", cfg.KrokiServer, "base URL of the Kroki service")
	flags.StringVar(&cfg.ImageDir, "image-dir", cfg.ImageDir, "directory receiving a copy of every rendered diagram SVG (empty = disabled)")
	flags.BoolVar(&cfg.OutputFirst, "output-first", cfg.OutputFirst, "place rendered diagrams before their source blocks by default")

	includeHidden := flags.Bool("hidden", false, "include hidden files when scanning the content tree")
	title := flags.String("title", "mdviz", "site title to use for exported pages")
	darkMode := flags.Bool("dark", cfg.DarkModeFirst, "enable dark mode by default in the exported site")
	clean := true
	flags.BoolVar(&clean, "clean", true, "wipe the output directory before exporting")
	minified := flags.Bool("minify", true, "minify exported HTML pages")
	assetPrefix := flags.String("asset-prefix", "assets", "relative directory name for copied assets within the export output")
	baseURL := flags.String("base-url", "", "optional absolute base URL for canonical link tags")

	if err := flags.Parse(os.Args[1:]); err != nil {
		slog.Error("flag parsing failed", slog.Any("err", err))
		os.Exit(1)
	}

	if err := config.Finalize(&cfg); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("starting mdviz-export", slog.String("version", buildinfo.Summary()))

	assetsOverride := ""
	if flags.Changed("assets") {
		assetsOverride = cfg.AssetsDir
	}

	engines := transform.DefaultEngines(transform.EngineOptions{
		PlantUMLJar:    cfg.PlantUMLJar,
		PlantUMLServer: cfg.PlantUMLServer,
		KrokiServer:    cfg.KrokiServer,
		WorkDir:        cfg.WorkDir,
	}, logger)

	var diagramCache cache.Store
	if cfg.CachePath != "" {
		bolt, err := cache.NewBolt(cfg.CachePath, logger)
		if err != nil {
			logger.Error("diagram cache init failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := bolt.Close(); err != nil {
				logger.Error("close diagram cache", slog.Any("err", err))
			}
		}()
		diagramCache = bolt
	}

	rendererSvc := renderer.NewService(renderer.Options{
		Engines:      engines,
		DiagramCache: diagramCache,
		Diagram: transform.Options{
			ImageDir:    cfg.ImageDir,
			OutputFirst: cfg.OutputFirst,
		},
		Logger: logger,
	})

	exp, err := exporter.New(logger, rendererSvc, engines)
	if err != nil {
		logger.Error("init exporter failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx := context.Background()
	if err := exp.Export(ctx, exporter.Options{
		Root:          cfg.RootDir,
		OutputDir:     cfg.StaticOutput,
		AssetsDir:     assetsOverride,
		IncludeHidden: *includeHidden,
		SiteTitle:     *title,
		DarkModeFirst: *darkMode,
		CleanOutput:   clean,
		Minify:        *minified,
		AssetPrefix:   *assetPrefix,
		BaseURL:       *baseURL,
	}); err != nil {
		logger.Error("export failed", slog.Any("err", err))
		os.Exit(1)
	}

	logger.Info("export succeeded", slog.String("output", cfg.StaticOutput))
}
