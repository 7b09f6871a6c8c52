package exporter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"

	"github.com/oneWaveAdrian/mdviz/internal/renderer/transform"
)

// diagramEncoder turns fenced diagram blocks into data URI images so downstream
// renderers (PDF or text) don't need to understand custom nodes or run
// client-side scripts.
type diagramEncoder struct {
	engines transform.Engines
	logger  *slog.Logger
}

// encode rewrites diagram fences into Markdown image tags with embedded PNG
// data. If rendering fails, the original fence is left intact so the caller
// can still surface the source.
func (e *diagramEncoder) encode(raw []byte) ([]byte, error) {
	var (
		out          bytes.Buffer
		scanner      = bufio.NewScanner(bytes.NewReader(raw))
		inFence      bool
		fenceMarker  string
		fenceLang    string
		fenceOpen    string
		diagramLines bytes.Buffer
	)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !inFence {
			if marker, lang, ok := parseFenceStart(trimmed); ok {
				inFence = true
				fenceMarker = marker
				fenceLang = lang
				fenceOpen = line
				diagramLines.Reset()
				// Preserve non-diagram fences verbatim
				if !isDiagramFence(lang) {
					writeLine(&out, line)
				}
				continue
			}

			writeLine(&out, line)
			continue
		}

		// inside a fenced block
		if isFenceEnd(trimmed, fenceMarker) {
			if isDiagramFence(fenceLang) {
				if err := e.flush(&out, fenceLang, diagramLines.String()); err != nil {
					e.logger.Warn("encode diagram fence failed",
						slog.String("language", baseLanguage(fenceLang)),
						slog.Any("err", err))
					// Re-emit the fence untouched, attributes included.
					writeLine(&out, fenceOpen)
					out.Write(diagramLines.Bytes())
					writeLine(&out, fenceMarker)
				}
			} else {
				writeLine(&out, line)
			}
			inFence = false
			fenceMarker = ""
			fenceLang = ""
			fenceOpen = ""
			continue
		}

		if isDiagramFence(fenceLang) {
			writeLine(&diagramLines, line)
		} else {
			writeLine(&out, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Unclosed fence: emit buffered content as-is
	if inFence && isDiagramFence(fenceLang) {
		writeLine(&out, fenceOpen)
		out.Write(diagramLines.Bytes())
	}

	return out.Bytes(), nil
}

// flush renders one buffered diagram fence and appends it as a data URI image.
func (e *diagramEncoder) flush(out *bytes.Buffer, lang, source string) error {
	if strings.TrimSpace(source) == "" {
		return nil
	}
	if e == nil {
		return fmt.Errorf("diagram encoder unavailable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	base := baseLanguage(lang)
	if base == "mermaid" {
		pngData, err := renderMermaidWithCLI(source)
		if err != nil {
			return fmt.Errorf("render mermaid: %w", err)
		}
		return writeDataURI(out, "mermaid", pngData)
	}

	svg, err := e.renderSVG(ctx, base, source)
	if err != nil {
		return err
	}

	pngData, err := svgToPNG([]byte(svg))
	if err != nil {
		return fmt.Errorf("rasterize %s svg: %w", base, err)
	}
	return writeDataURI(out, base, pngData)
}

func (e *diagramEncoder) renderSVG(ctx context.Context, lang, source string) (string, error) {
	switch lang {
	case "d2":
		if e.engines.D2 == nil {
			return "", fmt.Errorf("d2 renderer unavailable")
		}
		return e.engines.D2.Render(ctx, source)
	case "plantuml", "puml":
		if e.engines.PlantUML == nil {
			return "", fmt.Errorf("plantuml renderer unavailable")
		}
		return e.engines.PlantUML.Render(ctx, source)
	case "dot", "graphviz", "viz":
		if e.engines.Graphviz == nil {
			return "", fmt.Errorf("graphviz renderer unavailable")
		}
		return e.engines.Graphviz.RenderEngine(ctx, source, "")
	case "vega", "vega-lite":
		if e.engines.Vega == nil {
			return "", fmt.Errorf("vega compiler unavailable")
		}
		return e.engines.Vega.Compile(ctx, source, lang == "vega-lite")
	default:
		return "", fmt.Errorf("unsupported diagram language: %s", lang)
	}
}

func writeDataURI(out *bytes.Buffer, label string, pngData []byte) error {
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData)
	_, err := fmt.Fprintf(out, "![%s diagram](%s)\n\n", label, dataURI)
	return err
}

func parseFenceStart(line string) (marker, lang string, ok bool) {
	if strings.HasPrefix(line, "```") {
		marker = line[:leadingCount(line, '`')]
		lang = strings.TrimSpace(strings.TrimPrefix(line, marker))
		ok = len(marker) >= 3
		return
	}

	if strings.HasPrefix(line, "~~~") {
		marker = line[:leadingCount(line, '~')]
		lang = strings.TrimSpace(strings.TrimPrefix(line, marker))
		ok = len(marker) >= 3
		return
	}

	return "", "", false
}

func isFenceEnd(line, marker string) bool {
	if marker == "" {
		return false
	}
	close := strings.Repeat(string(marker[0]), len(marker))
	return line == close
}

func isDiagramFence(lang string) bool {
	switch baseLanguage(lang) {
	case "d2", "mermaid", "plantuml", "puml", "dot", "graphviz", "viz", "vega", "vega-lite":
		return true
	default:
		return false
	}
}

// baseLanguage strips fence attributes, leaving only the language token.
func baseLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, " \t{"); i >= 0 {
		lang = lang[:i]
	}
	return lang
}

func leadingCount(line string, char rune) int {
	count := 0
	for _, r := range line {
		if r == char {
			count++
			continue
		}
		break
	}
	return count
}

func writeLine(buf *bytes.Buffer, line string) {
	buf.WriteString(line)
	buf.WriteByte('\n')
}

// svgToPNG rasterizes an SVG into a PNG byte slice suitable for embedding as a data URI.
func svgToPNG(svg []byte) ([]byte, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(svg))
	if err != nil {
		return nil, fmt.Errorf("parse svg: %w", err)
	}

	viewbox := icon.ViewBox
	width := int(math.Ceil(viewbox.W))
	height := int(math.Ceil(viewbox.H))
	if width <= 0 || height <= 0 {
		// Sensible default to avoid zero-sized canvases
		width, height = 800, 600
	}

	icon.SetTarget(0, 0, float64(width), float64(height))

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	scanner := rasterx.NewScannerGV(width, height, canvas, canvas.Bounds())
	raster := rasterx.NewDasher(width, height, scanner)
	icon.Draw(raster, 1.0)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func renderMermaidWithCLI(source string) ([]byte, error) {
	bin, err := exec.LookPath("mmdc")
	if err != nil {
		return nil, fmt.Errorf("mmdc not found: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "mermaid-cli-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	inPath := filepath.Join(tmpDir, "diagram.mmd")
	outPath := filepath.Join(tmpDir, "diagram.png")

	if err := os.WriteFile(inPath, []byte(source), 0o644); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin,
		"-i", inPath,
		"-o", outPath,
		"-b", "white",
		"-s", "2",
		"--quiet",
	)
	// mmdc writes temp files next to input; keep cwd in tmpdir
	cmd.Dir = tmpDir

	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("mmdc failed: %w; output: %s", err, string(output))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("mmdc produced empty png")
	}
	return data, nil
}
