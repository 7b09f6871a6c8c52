// Package kroki builds request URLs for, and fetches diagrams from, a Kroki
// rendering service.
package kroki

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
)

// DefaultServer is used when no Kroki server is configured.
const DefaultServer = "https://kroki.io"

// DefaultFormat is the output format used when a block does not request one.
const DefaultFormat = "svg"

// Client talks to a single Kroki server.
type Client struct {
	server string
	http   *http.Client
}

// New returns a client for the given server URL. An empty server selects
// DefaultServer.
func New(server string) *Client {
	server = strings.TrimRight(strings.TrimSpace(server), "/")
	if server == "" {
		server = DefaultServer
	}
	return &Client{
		server: server,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Server returns the configured server URL without a trailing slash.
func (c *Client) Server() string {
	return c.server
}

// EncodePayload compresses diagram source with DEFLATE and encodes it with
// URL-safe base64 (standard alphabet with + and / substituted), the encoding
// Kroki expects in GET request paths.
func EncodePayload(source string) (string, error) {
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("init deflate: %w", err)
	}
	if _, err := zw.Write([]byte(source)); err != nil {
		return "", fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("flush payload: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

// NormalizeType maps fence languages onto the diagram type names Kroki
// understands.
func NormalizeType(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "puml":
		return "plantuml"
	case "viz", "dot":
		return "graphviz"
	case "vega-lite":
		return "vegalite"
	case "":
		return ""
	default:
		return strings.ToLower(strings.TrimSpace(lang))
	}
}

// URL builds the GET request URL `{server}/{type}/{format}/{payload}` for the
// given diagram source. An empty format selects DefaultFormat.
func (c *Client) URL(diagramType, format, source string) (string, error) {
	diagramType = NormalizeType(diagramType)
	if diagramType == "" {
		return "", fmt.Errorf("diagram type is required")
	}
	if format == "" {
		format = DefaultFormat
	}
	payload, err := EncodePayload(source)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/%s", c.server, diagramType, format, payload), nil
}

// Fetch renders the diagram server-side and returns the response body. It is
// used by engines that have no in-process compiler.
func (c *Client) Fetch(ctx context.Context, diagramType, format, source string) (string, error) {
	url, err := c.URL(diagramType, format, source)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build kroki request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("kroki request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("read kroki response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("kroki server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
