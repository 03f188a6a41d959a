// Package filter applies policy-directed rewrites to invocation arguments
// before they are forwarded to a provider.
package filter

import (
	"log/slog"
	"strconv"
	"strings"
)

// Op is the directive operation.
type Op string

const (
	// OpDrop removes the value at the path.
	OpDrop Op = "drop"
	// OpRedact replaces the value at the path with a token.
	OpRedact Op = "redact"
	// OpAllowlist keeps only the named subkeys of the object at the path.
	OpAllowlist Op = "allowlist"
)

// DefaultRedactionToken is used when a redact directive supplies no token.
const DefaultRedactionToken = "***REDACTED***"

// Directive is one rewrite instruction. Paths are dotted JSON paths with
// array-index segments (e.g. "query.filters.0.value").
type Directive struct {
	Op Op `json:"op"`
	// Path is the dotted path the directive applies to.
	Path string `json:"path"`
	// Token is the redaction replacement (redact only).
	Token string `json:"token,omitempty"`
	// Keys are the subkeys to keep (allowlist only).
	Keys []string `json:"keys,omitempty"`
}

// Apply returns a copy of args with all directives applied. It never fails:
// unknown paths are a no-op and malformed directives are logged and skipped,
// leaving the original value in place.
func Apply(args map[string]any, directives []Directive, logger *slog.Logger) map[string]any {
	if len(directives) == 0 {
		return args
	}

	out := deepCopyMap(args)
	for _, d := range directives {
		if d.Path == "" {
			logger.Warn("skipping filter directive with empty path", "op", d.Op)
			continue
		}
		segments := strings.Split(d.Path, ".")
		switch d.Op {
		case OpDrop:
			applyAt(out, segments, func(parent map[string]any, key string) {
				delete(parent, key)
			}, nil)
		case OpRedact:
			token := d.Token
			if token == "" {
				token = DefaultRedactionToken
			}
			applyAt(out, segments, func(parent map[string]any, key string) {
				if _, ok := parent[key]; ok {
					parent[key] = token
				}
			}, func(parent []any, idx int) {
				parent[idx] = token
			})
		case OpAllowlist:
			applyAt(out, segments, func(parent map[string]any, key string) {
				obj, ok := parent[key].(map[string]any)
				if !ok {
					return
				}
				kept := make(map[string]any, len(d.Keys))
				for _, k := range d.Keys {
					if v, exists := obj[k]; exists {
						kept[k] = v
					}
				}
				parent[key] = kept
			}, nil)
		default:
			logger.Warn("skipping unknown filter directive", "op", d.Op, "path", d.Path)
		}
	}
	return out
}

// applyAt walks segments to the parent container of the final segment and
// invokes the matching callback. Missing intermediate nodes end the walk.
func applyAt(root map[string]any, segments []string, onMap func(map[string]any, string), onSlice func([]any, int)) {
	var current any = root
	for i, seg := range segments {
		last := i == len(segments)-1

		switch node := current.(type) {
		case map[string]any:
			if last {
				if onMap != nil {
					onMap(node, seg)
				}
				return
			}
			next, ok := node[seg]
			if !ok {
				return
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return
			}
			if last {
				if onSlice != nil {
					onSlice(node, idx)
				}
				return
			}
			current = node[idx]
		default:
			return
		}
	}
}

// deepCopyMap clones nested maps and slices so rewrites never alias the
// caller's arguments.
func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
