// Package mdviz provides a markdown preview server and static site exporter
// with server-side diagram rendering.
//
// Regenerate the syntax highlighting stylesheet with:
//
//	go generate
package mdviz

//go:generate sh -c "go run ./tools/generate-chroma-css > static/vendor/chroma-github-dark.css"
