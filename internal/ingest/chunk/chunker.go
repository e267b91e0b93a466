// Package chunk splits extracted document text into embedding-sized pieces.
package chunk

import (
	"unicode"
)

const (
	// DefaultMinChars is the lower bound of a non-final chunk, in runes.
	DefaultMinChars = 1800
	// DefaultMaxChars is the upper bound of any chunk, in runes.
	DefaultMaxChars = 2000
)

// Chunk captures one trimmed slice of the input with stable byte offsets.
type Chunk struct {
	Index   int
	Start   int
	End     int
	Content string
}

// Chunker splits text into non-overlapping chunks whose rune counts fall in
// [MinChars, MaxChars], except the last chunk which may be shorter.
type Chunker struct {
	MinChars int
	MaxChars int
}

// New constructs a chunker, replacing invalid bounds with defaults.
func New(minChars, maxChars int) Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if minChars <= 0 || minChars > maxChars {
		minChars = min(DefaultMinChars, maxChars*9/10)
	}
	return Chunker{MinChars: minChars, MaxChars: maxChars}
}

// boundary ranks split points from most to least preferred.
type boundary int

const (
	paragraphBoundary boundary = iota
	lineBoundary
	sentenceBoundary
	wordBoundary
)

// Split divides text into chunks. Whitespace at chunk edges is dropped, so the
// chunks concatenated reproduce the input modulo that whitespace.
// Whitespace-only input yields no chunks.
func (c Chunker) Split(text string) []Chunk {
	c = New(c.MinChars, c.MaxChars)

	runes := []rune(text)
	offsets := make([]int, 0, len(runes)+1)
	for idx := range text {
		offsets = append(offsets, idx)
	}
	offsets = append(offsets, len(text))

	var chunks []Chunk
	start := 0
	for {
		for start < len(runes) && unicode.IsSpace(runes[start]) {
			start++
		}
		if start >= len(runes) {
			break
		}

		cut := len(runes)
		if len(runes)-start > c.MaxChars {
			cut = c.pickCut(runes, start)
		}

		end := trimmedEnd(runes, start, cut)
		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Start:   offsets[start],
			End:     offsets[end],
			Content: text[offsets[start]:offsets[end]],
		})
		start = cut
	}

	return chunks
}

// pickCut returns the rune position to split at for a window beginning at start.
// It prefers the latest paragraph, then line, sentence and word boundary that keeps
// the trimmed chunk within bounds. Without one it hard cuts at MaxChars, which may
// split a word but never leaves a non-final chunk under MinChars.
func (c Chunker) pickCut(runes []rune, start int) int {
	hi := start + c.MaxChars
	for level := paragraphBoundary; level <= wordBoundary; level++ {
		for p := hi; p > start; p-- {
			if trimmedEnd(runes, start, p)-start < c.MinChars {
				break
			}
			if isBoundary(runes, start, p, level) {
				return p
			}
		}
	}

	return hi
}

// isBoundary reports whether splitting before runes[p] lands on the given boundary.
func isBoundary(runes []rune, start, p int, level boundary) bool {
	if p-1 < start || !unicode.IsSpace(runes[p-1]) {
		return false
	}

	switch level {
	case paragraphBoundary:
		return runes[p-1] == '\n' && p-2 >= start && runes[p-2] == '\n'
	case lineBoundary:
		return runes[p-1] == '\n'
	case sentenceBoundary:
		if p-2 < start {
			return false
		}
		switch runes[p-2] {
		case '.', '!', '?', '。', '！', '？':
			return true
		}
		return false
	default:
		return true
	}
}

// trimmedEnd walks back over trailing whitespace in runes[start:end].
func trimmedEnd(runes []rune, start, end int) int {
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	return end
}
