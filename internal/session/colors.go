package session

import "github.com/samber/lo"

// DefaultPalette is the fixed set of participant colors.
var DefaultPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4",
	"#FFEAA7", "#DDA0DD", "#98D8C8", "#F7DC6F",
	"#BB8FCE", "#85C1E9", "#F8B500", "#00CED1",
}

// NextColor returns the first palette entry not in used. Once the palette is
// exhausted colors repeat, indexed by the number of live participants.
func NextColor(palette, used []string) string {
	if len(palette) == 0 {
		return ""
	}
	if c, ok := lo.Find(palette, func(c string) bool { return !lo.Contains(used, c) }); ok {
		return c
	}
	return palette[len(used)%len(palette)]
}
