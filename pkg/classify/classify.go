package classify

import (
	"path/filepath"
	"strings"
)

// Kind is the content kind of a received resource.
type Kind int

const (
	Unknown Kind = iota
	Slides
	Notes
)

var extensions = map[string]Kind{
	"pdf":      Slides,
	"md":       Notes,
	"markdown": Notes,
}

func (k Kind) String() string {
	switch k {
	case Slides:
		return "slides"
	case Notes:
		return "notes"
	default:
		return "unknown"
	}
}

// PromptTitle is the title shown when asking the user to load a file of this kind.
func (k Kind) PromptTitle() string {
	switch k {
	case Slides:
		return "New Presentation File"
	case Notes:
		return "New Markdown File"
	default:
		return ""
	}
}

// FromExtension maps a bare extension ("pdf", ".PDF") to a kind.
func FromExtension(ext string) (Kind, bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	kind, ok := extensions[ext]
	return kind, ok
}

// File classifies a resource by the extension of its name.
func File(name string) (Kind, bool) {
	return FromExtension(filepath.Ext(name))
}
