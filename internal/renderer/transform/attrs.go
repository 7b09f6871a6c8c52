package transform

import (
	"strings"

	"github.com/oneWaveAdrian/mdviz/internal/diagram"
)

// ParseInfo splits a fence info string into the language tag and the
// attribute map. Attributes follow the language, usually inside braces:
//
//	```plantuml {hide=false engine=circo .wide}
//
// Bare keys are treated as boolean "true", `.name` accumulates onto the
// `class` attribute and `#name` sets `id`. Keys are lowercased; values keep
// their case, with surrounding quotes stripped.
func ParseInfo(info string) (string, diagram.Attrs) {
	info = strings.TrimSpace(info)
	if info == "" {
		return "", nil
	}

	lang := info
	rest := ""
	if i := strings.IndexAny(info, " \t{"); i >= 0 {
		lang = strings.TrimSpace(info[:i])
		rest = strings.TrimSpace(info[i:])
	}

	return lang, parseAttrs(rest)
}

func parseAttrs(raw string) diagram.Attrs {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "{")
	raw = strings.TrimSuffix(raw, "}")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	attrs := make(diagram.Attrs)
	for _, token := range splitTokens(raw) {
		switch {
		case strings.HasPrefix(token, "."):
			name := strings.TrimPrefix(token, ".")
			if name == "" {
				continue
			}
			if existing := attrs["class"]; existing != "" {
				attrs["class"] = existing + " " + name
			} else {
				attrs["class"] = name
			}
		case strings.HasPrefix(token, "#"):
			if name := strings.TrimPrefix(token, "#"); name != "" {
				attrs["id"] = name
			}
		case strings.Contains(token, "="):
			key, value, _ := strings.Cut(token, "=")
			key = strings.ToLower(strings.TrimSpace(key))
			if key == "" {
				continue
			}
			attrs[key] = unquote(strings.TrimSpace(value))
		default:
			attrs[strings.ToLower(token)] = "true"
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

// splitTokens separates attribute tokens on whitespace and commas while
// keeping quoted values intact.
func splitTokens(raw string) []string {
	var (
		tokens  []string
		current strings.Builder
		quote   rune
	)
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range raw {
		switch {
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
			current.WriteRune(r)
		case r == ' ' || r == '\t' || r == ',':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func unquote(value string) string {
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}
