package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

const ellipsis = "..."

// PadRight pads str with spaces to exactly width terminal cells, or
// truncates it with an ellipsis when it is wider.
func PadRight(str string, width int) string {
	w := runewidth.StringWidth(str)
	if w > width {
		return runewidth.Truncate(str, width, ellipsis)
	}
	return str + strings.Repeat(" ", width-w)
}
