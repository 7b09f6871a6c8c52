// Package config manages application configuration from environment variables and flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

const envPrefix = "MDVIZ_"

// Config holds runtime configuration for the preview server and exporter.
type Config struct {
	RootDir        string
	StaticOutput   string
	AssetsDir      string
	WorkDir        string
	ImageDir       string
	CachePath      string
	PlantUMLJar    string
	PlantUMLServer string
	KrokiServer    string
	Port           int
	AutoOpen       bool
	DarkModeFirst  bool
	OutputFirst    bool
	Verbose        bool
}

// Default returns ready-to-use defaults prior to env/flag overrides.
func Default() Config {
	return Config{
		RootDir:       ".",
		Port:          0, // 0 = auto-select random available port
		AutoOpen:      true,
		DarkModeFirst: true,
		StaticOutput:  "dist",
		AssetsDir:     "static",
		KrokiServer:   "https://kroki.io",
	}
}

// RegisterFlags attaches configuration flags to the provided FlagSet.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVarP(&cfg.RootDir, "root", "r", cfg.RootDir, "root directory containing markdown files")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "port to bind the HTTP server (0 = auto-assign, default: auto)")
	fs.BoolVar(&cfg.AutoOpen, "auto-open", cfg.AutoOpen, "open the browser automatically after start")
	fs.BoolVar(&cfg.DarkModeFirst, "dark", cfg.DarkModeFirst, "enable dark theme by default")
	fs.StringVar(&cfg.StaticOutput, "out", cfg.StaticOutput, "default output directory for static export")
	fs.StringVar(&cfg.AssetsDir, "assets", cfg.AssetsDir, "directory containing built frontend assets")
	fs.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "scratch directory for diagram tooling (default: system temp)")
	fs.StringVar(&cfg.ImageDir, "image-dir", cfg.ImageDir, "directory receiving a copy of every rendered diagram SVG (empty = disabled)")
	fs.BoolVar(&cfg.OutputFirst, "output-first", cfg.OutputFirst, "place rendered diagrams before their source blocks by default")
	fs.StringVar(&cfg.CachePath, "cache", cfg.CachePath, "path to the on-disk diagram cache (empty = in-memory only)")
	fs.StringVar(&cfg.PlantUMLJar, "plantuml-jar", cfg.PlantUMLJar, "path to a local plantuml.jar")
	fs.StringVar(&cfg.PlantUMLServer, "plantuml-server", cfg.PlantUMLServer, "base URL of a PlantUML server (used when no jar is set)")
	fs.StringVar(&cfg.KrokiServer, "kroki-server", cfg.KrokiServer, "base URL of the Kroki service")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "enable verbose logging (HTTP requests)")
}

// ApplyEnvOverrides reads supported environment variables and overrides cfg in place.
func ApplyEnvOverrides(cfg *Config) {
	applyStringEnv("ROOT", func(v string) { cfg.RootDir = v })
	applyIntEnv("PORT", func(v int) { cfg.Port = v })
	applyBoolEnv("AUTO_OPEN", func(v bool) { cfg.AutoOpen = v })
	applyBoolEnv("DARK", func(v bool) { cfg.DarkModeFirst = v })
	applyStringEnv("OUT", func(v string) { cfg.StaticOutput = v })
	applyStringEnv("ASSETS", func(v string) { cfg.AssetsDir = v })
	applyStringEnv("WORK_DIR", func(v string) { cfg.WorkDir = v })
	applyStringEnv("IMAGE_DIR", func(v string) { cfg.ImageDir = v })
	applyBoolEnv("OUTPUT_FIRST", func(v bool) { cfg.OutputFirst = v })
	applyStringEnv("CACHE", func(v string) { cfg.CachePath = v })
	applyStringEnv("PLANTUML_JAR", func(v string) { cfg.PlantUMLJar = v })
	applyStringEnv("PLANTUML_SERVER", func(v string) { cfg.PlantUMLServer = v })
	applyStringEnv("KROKI_SERVER", func(v string) { cfg.KrokiServer = v })
	applyBoolEnv("VERBOSE", func(v bool) { cfg.Verbose = v })
}

func applyStringEnv(key string, apply func(string)) {
	if raw, ok := lookupNonEmpty(key); ok {
		apply(raw)
	}
}

func applyIntEnv(key string, apply func(int)) {
	if raw, ok := lookupNonEmpty(key); ok {
		if value, err := strconv.Atoi(raw); err == nil {
			apply(value)
		}
	}
}

func applyBoolEnv(key string, apply func(bool)) {
	if raw, ok := lookupNonEmpty(key); ok {
		if value, err := strconv.ParseBool(raw); err == nil {
			apply(value)
		}
	}
}

func lookupNonEmpty(key string) (string, bool) {
	raw, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", false
	}
	return value, true
}

// Finalize validates and normalizes paths.
func Finalize(cfg *Config) error {
	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return fmt.Errorf("resolve root directory: %w", err)
	}
	cfg.RootDir = root

	// Allow port 0 for dynamic allocation, otherwise validate range
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}

	if cfg.StaticOutput == "" {
		cfg.StaticOutput = "dist"
	}

	if cfg.AssetsDir == "" {
		cfg.AssetsDir = "static"
	}
	assets, err := filepath.Abs(cfg.AssetsDir)
	if err != nil {
		return fmt.Errorf("resolve assets directory: %w", err)
	}
	cfg.AssetsDir = assets

	if cfg.WorkDir != "" {
		work, err := filepath.Abs(cfg.WorkDir)
		if err != nil {
			return fmt.Errorf("resolve work directory: %w", err)
		}
		cfg.WorkDir = work
	}

	if cfg.ImageDir != "" {
		images, err := filepath.Abs(cfg.ImageDir)
		if err != nil {
			return fmt.Errorf("resolve image directory: %w", err)
		}
		cfg.ImageDir = images
	}

	if cfg.CachePath != "" {
		cachePath, err := filepath.Abs(cfg.CachePath)
		if err != nil {
			return fmt.Errorf("resolve cache path: %w", err)
		}
		cfg.CachePath = cachePath
	}

	cfg.KrokiServer = strings.TrimRight(cfg.KrokiServer, "/")
	cfg.PlantUMLServer = strings.TrimRight(cfg.PlantUMLServer, "/")

	return nil
}
