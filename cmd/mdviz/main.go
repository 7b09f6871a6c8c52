// Package main provides the mdviz preview server application entrypoint.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/oneWaveAdrian/mdviz/internal/buildinfo"
	"github.com/oneWaveAdrian/mdviz/internal/cache"
	"github.com/oneWaveAdrian/mdviz/internal/config"
	"github.com/oneWaveAdrian/mdviz/internal/content"
	"github.com/oneWaveAdrian/mdviz/internal/exporter"
	"github.com/oneWaveAdrian/mdviz/internal/renderer"
	"github.com/oneWaveAdrian/mdviz/internal/renderer/transform"
	"github.com/oneWaveAdrian/mdviz/internal/server"
)

func main() {
	cfg := config.Default()
	config.ApplyEnvOverrides(&cfg)

	flags := pflag.NewFlagSet("mdviz", pflag.ExitOnError)
	config.RegisterFlags(flags, &cfg)
	versionFlag := flags.Bool("version", false, "Print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		slog.Error("parse flags", slog.Any("err", err))
		os.Exit(1)
	}
	if *versionFlag {
		println(buildinfo.Summary())
		os.Exit(0)
	}
	if err := config.Finalize(&cfg); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	logLevel := slog.LevelWarn
	if cfg.Verbose {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger = logger.With("app", "mdviz")
	slog.SetDefault(logger)
	logger.Log(context.Background(), slog.LevelInfo-1, "starting mdviz", slog.String("version", buildinfo.Summary()))

	ctx := context.Background()
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engines := transform.DefaultEngines(transform.EngineOptions{
		PlantUMLJar:    cfg.PlantUMLJar,
		PlantUMLServer: cfg.PlantUMLServer,
		KrokiServer:    cfg.KrokiServer,
		WorkDir:        cfg.WorkDir,
	}, logger)

	diagramCache, closeCache, err := openDiagramCache(cfg.CachePath, logger)
	if err != nil {
		cancel()
		logger.Error("diagram cache init failed", slog.Any("err", err))
		//nolint:gocritic // exitAfterDefer: cancel() explicitly called before os.Exit
		os.Exit(1)
	}
	defer closeCache()

	rendererSvc := renderer.NewService(renderer.Options{
		Engines:      engines,
		DiagramCache: diagramCache,
		Diagram: transform.Options{
			ImageDir:    cfg.ImageDir,
			OutputFirst: cfg.OutputFirst,
		},
		Logger: logger,
	})

	contentSvc, err := content.NewService(ctx, cfg.RootDir, rendererSvc, logger, content.Options{})
	if err != nil {
		cancel()
		logger.Error("content service init failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := contentSvc.Close(); err != nil {
			logger.Error("close content service", slog.Any("err", err))
		}
	}()

	exp, err := exporter.New(logger, rendererSvc, engines)
	if err != nil {
		cancel()
		logger.Error("exporter init failed", slog.Any("err", err))
		os.Exit(1)
	}

	srv, err := server.New(cfg, logger, contentSvc, exp)
	if err != nil {
		cancel()
		logger.Error("server init failed", slog.Any("err", err))
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("shutdown complete")
			return
		}
		logger.Error("server error", slog.Any("err", err))
		os.Exit(1)
	}
}

// openDiagramCache returns an on-disk store when a cache path is configured,
// otherwise an in-memory one.
func openDiagramCache(path string, logger *slog.Logger) (cache.Store, func(), error) {
	if path == "" {
		return cache.NewMemory(), func() {}, nil
	}
	bolt, err := cache.NewBolt(path, logger)
	if err != nil {
		return nil, nil, err
	}
	return bolt, func() {
		if err := bolt.Close(); err != nil {
			logger.Error("close diagram cache", slog.Any("err", err))
		}
	}, nil
}
