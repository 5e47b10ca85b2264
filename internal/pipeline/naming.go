package pipeline

import (
	"fmt"
	"strings"
	"unicode"
)

// OutputName is the deterministic file name of the layer at index.
func OutputName(index int, title string) string {
	return fmt.Sprintf("layer_%d_%s.geojson", index, SanitizeTitle(title))
}

// SanitizeTitle makes a layer title safe to embed in a file name. Whitespace,
// path separators and characters reserved on common filesystems become '_';
// control characters are dropped.
func SanitizeTitle(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '_'
		case unicode.IsControl(r):
			return -1
		case strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		default:
			return r
		}
	}, title)
	if strings.Trim(cleaned, "._") == "" {
		return "Unnamed_Layer"
	}
	return cleaned
}
