// Package validate checks and sanitizes tool arguments before dispatch.
// The MCP SDK enforces JSON shape per tool; this package walks the raw
// argument tree for limits the schema cannot express: string length, nesting
// depth, collection size, control characters and injection markers.
package validate

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	// MaxStringLen is the longest accepted string argument.
	MaxStringLen = 10_000

	// MaxDepth is the deepest accepted JSON nesting.
	MaxDepth = 10

	// MaxCollection is the largest accepted array or object.
	MaxCollection = 1000
)

// Markers that have no business in free-text orchestration input. A match
// rejects the call rather than attempting to clean it.
var injectionMarkers = []string{
	"$(", "&&", "||", "rm -rf",
	"drop table", "delete from", "insert into", "union select",
	"' or '", "\" or \"",
}

// Walk validates an argument tree decoded from JSON. It returns the first
// violation found.
func Walk(args any) error {
	return walk(args, 1)
}

func walk(v any, depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("nesting exceeds %d levels", MaxDepth)
	}
	switch t := v.(type) {
	case nil, bool, float64, int, int64:
		return nil
	case string:
		return CheckString(t)
	case []any:
		if len(t) > MaxCollection {
			return fmt.Errorf("array of %d entries exceeds %d", len(t), MaxCollection)
		}
		for _, el := range t {
			if err := walk(el, depth+1); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		if len(t) > MaxCollection {
			return fmt.Errorf("object of %d entries exceeds %d", len(t), MaxCollection)
		}
		for k, el := range t {
			if err := CheckString(k); err != nil {
				return fmt.Errorf("key %q: %w", truncateForError(k), err)
			}
			if err := walk(el, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported argument type %T", v)
	}
}

// CheckString validates one string argument: length cap, control characters
// (tab, newline and carriage return allowed), injection markers.
func CheckString(s string) error {
	if len(s) > MaxStringLen {
		return fmt.Errorf("string of %d chars exceeds %d", len(s), MaxStringLen)
	}
	for _, r := range s {
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if unicode.IsControl(r) {
			return fmt.Errorf("control character U+%04X not allowed", r)
		}
	}
	lower := strings.ToLower(s)
	for _, marker := range injectionMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("disallowed sequence %q", marker)
		}
	}
	return nil
}

// SanitizeString strips NUL bytes and trims surrounding whitespace. Applied
// after validation on fields that flow into stored records.
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

// SanitizeStrings applies SanitizeString to each element, capping the slice
// at MaxCollection.
func SanitizeStrings(in []string) []string {
	if len(in) > MaxCollection {
		in = in[:MaxCollection]
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = SanitizeString(s)
	}
	return out
}

func truncateForError(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
