package extract

import "strings"

// Chunk splits text into pieces of at most limit bytes for delivery to the
// sink. Splits prefer the last newline past the halfway point of the budget
// so fenced blocks and list items are less likely to be cut mid-line.
// Concatenating the chunks reproduces the input byte for byte.
func Chunk(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := limit
		if i := strings.LastIndexByte(text[:limit], '\n'); i > limit/2 {
			cut = i + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
