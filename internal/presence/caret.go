package presence

import "unicode/utf8"

// Block is one addressable unit of editor content.
type Block struct {
	ID   string
	Text string
}

// Locate maps a flat character offset over blocks to a block position. An
// offset on the boundary between two blocks stays at the end of the first.
func Locate(blocks []Block, offset int) (Position, bool) {
	if offset < 0 || len(blocks) == 0 {
		return Position{}, false
	}
	start := 0
	for _, b := range blocks {
		end := start + utf8.RuneCountInString(b.Text)
		if offset <= end {
			return Position{BlockID: b.ID, Offset: offset - start}, true
		}
		start = end
	}
	return Position{}, false
}

// MapCaret converts a caret (anchor == head) or selection into a Cursor.
// The cursor sits at head; a non-empty selection is attached with both ends.
func MapCaret(blocks []Block, anchor, head int) (Cursor, bool) {
	h, ok := Locate(blocks, head)
	if !ok {
		return Cursor{}, false
	}
	c := Cursor{BlockID: h.BlockID, Offset: h.Offset}
	if anchor != head {
		a, ok := Locate(blocks, anchor)
		if !ok {
			return Cursor{}, false
		}
		c.Selection = &Selection{Anchor: a, Head: h}
	}
	return c, true
}
