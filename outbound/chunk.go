// Package outbound maps a growing response text onto a chat transport that
// limits message size and edit rate.
package outbound

import "strings"

const (
	// DefaultMaxLen is the largest message, in runes, the transport accepts.
	DefaultMaxLen = 4000
	// DefaultMarker is appended to every chunk except the last.
	DefaultMarker = "\n…(continued)"
)

// Chunk is one message-sized piece of a text.
type Chunk struct {
	Content string
	Index   int
	IsFinal bool
}

// Split cuts text into chunks of at most maxLen runes. Non-final chunks end
// with marker. Cuts prefer the last newline that fits (the newline stays in
// the earlier chunk); a line longer than the budget is hard-split. Exactly
// one chunk, the last, is final. Removing each marker and concatenating the
// contents yields text again.
func Split(text string, maxLen int, marker string) []Chunk {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	m := []rune(marker)
	budget := maxLen - len(m)
	if budget < 1 {
		// No room for a marker.
		budget, m = maxLen, nil
	}

	runes := []rune(text)
	var chunks []Chunk
	for len(runes) > maxLen {
		cut := budget
		for i := budget - 1; i > 0; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, Chunk{Content: string(runes[:cut]) + string(m), Index: len(chunks)})
		runes = runes[cut:]
	}
	return append(chunks, Chunk{Content: string(runes), Index: len(chunks), IsFinal: true})
}

// Join reverses Split.
func Join(chunks []Chunk, marker string) string {
	var b strings.Builder
	for _, c := range chunks {
		if c.IsFinal {
			b.WriteString(c.Content)
			continue
		}
		b.WriteString(strings.TrimSuffix(c.Content, marker))
	}
	return b.String()
}
