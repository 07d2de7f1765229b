package common

import (
	"strings"

	"github.com/jpillora/sizestr"
)

const (
	SymbolCheck = "✅"
	SymbolWarn  = "⚠️"
	SymbolCross = "❌"
	SymbolInfo  = "ℹ️"
)

// FormatFileSize renders a byte count in human units.
func FormatFileSize(size int64) string {
	if size < 0 {
		size = 0
	}
	return sizestr.ToString(size)
}

// FormatHeading returns a report section title underlined to its width.
func FormatHeading(title string) string {
	width := len([]rune(title))
	return title + "\n" + strings.Repeat("═", width) + "\n"
}

// FormatFlags joins flag names, or returns "None" for an empty set.
func FormatFlags(names []string) string {
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, ", ")
}
