// Package diagram defines the block descriptor for fenced diagram code and
// the content-addressed cache key derived from it.
package diagram

import (
	"encoding/hex"
	"io"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Attrs holds the free-form key/value attributes attached to a fenced code
// block (for example `hide`, `engine`, `output_first`). Keys are unique and
// order is irrelevant.
type Attrs map[string]string

// Has reports whether the attribute is present, regardless of its value.
func (a Attrs) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Get returns the attribute value, or the empty string when absent.
func (a Attrs) Get(key string) string {
	return a[key]
}

// IsTrue reports whether the attribute value is exactly "true".
func (a Attrs) IsTrue(key string) bool {
	return a[key] == "true"
}

// IsFalse reports whether the attribute value is exactly "false".
func (a Attrs) IsFalse(key string) bool {
	return a[key] == "false"
}

// Block describes one fenced code block candidate. It is created when the
// document is parsed and is read-only afterwards.
type Block struct {
	Language string
	Attrs    Attrs
	Source   string
}

// Kind identifies the renderer a block dispatches to.
type Kind int

// Recognized diagram kinds. KindNone marks blocks the enhancer leaves alone.
const (
	KindNone Kind = iota
	KindKroki
	KindMermaid
	KindWaveDrom
	KindPlantUML
	KindGraphviz
	KindVega
	KindVegaLite
	KindD2
)

// Classify decides which renderer, if any, handles the block. Blocks carrying
// a `literal` or `cmd` attribute belong to other enhancers and are never
// claimed. A `kroki` attribute routes any language to the Kroki service.
func Classify(b Block) Kind {
	if b.Attrs.Has("literal") || b.Attrs.Has("cmd") {
		return KindNone
	}
	if b.Attrs.Has("kroki") {
		return KindKroki
	}
	switch strings.ToLower(b.Language) {
	case "mermaid":
		return KindMermaid
	case "wavedrom":
		return KindWaveDrom
	case "plantuml", "puml":
		return KindPlantUML
	case "graphviz", "viz", "dot":
		return KindGraphviz
	case "vega":
		return KindVega
	case "vega-lite":
		return KindVegaLite
	case "d2":
		return KindD2
	default:
		return KindNone
	}
}

// CacheKey computes the content-addressed key for a block: a blake3 hash over
// the language, the normalized attribute set (sorted keys, NUL-delimited) and
// the source text. Identical inputs always yield the same key; any attribute
// or source change yields a new one.
func CacheKey(b Block) string {
	h := blake3.New()
	writeDelimited(h, b.Language)

	keys := make([]string, 0, len(b.Attrs))
	for k := range b.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeDelimited(h, k)
		writeDelimited(h, b.Attrs[k])
	}

	_, _ = io.WriteString(h, b.Source)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func writeDelimited(h io.Writer, s string) {
	_, _ = io.WriteString(h, s)
	_, _ = h.Write([]byte{0})
}
