package knowledge

import "strings"

const (
	// DefaultChunkSize is the target chunk length in runes.
	DefaultChunkSize = 1500
	// DefaultChunkOverlap is how many runes consecutive chunks share, so a
	// statement split across a boundary still appears whole in one chunk.
	DefaultChunkOverlap = 200
)

// SplitText cuts text into overlapping rune-bounded chunks, preferring to
// break at a newline or space near the boundary. size <= 0 uses defaults;
// overlap is clamped below size.
func SplitText(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
		overlap = DefaultChunkOverlap
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 4
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= size {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// breakPoint searches backward from end for a newline, then a space, within
// the last tenth of the window. Falls back to the hard boundary.
func breakPoint(runes []rune, start, end int) int {
	limit := end - (end-start)/10
	for i := end - 1; i > limit; i-- {
		if runes[i] == '\n' {
			return i + 1
		}
	}
	for i := end - 1; i > limit; i-- {
		if runes[i] == ' ' {
			return i + 1
		}
	}
	return end
}
