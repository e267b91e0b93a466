package chunk

import (
	"fmt"
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

// loremWords builds n unique space-separated words without sentence punctuation.
func loremWords(length int) string {
	var b strings.Builder
	for i := 0; b.Len() < length; i++ {
		fmt.Fprintf(&b, "lorem%04d ", i)
	}
	return b.String()[:length]
}

// stripSpace removes every whitespace rune.
func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// requireCovering verifies chunks are ordered, trimmed and reproduce the input.
func requireCovering(t *testing.T, text string, chunks []Chunk) {
	t.Helper()
	var joined strings.Builder
	prevEnd := 0
	for idx, c := range chunks {
		require.Equal(t, idx, c.Index)
		require.GreaterOrEqual(t, c.Start, prevEnd)
		require.Equal(t, text[c.Start:c.End], c.Content)
		require.Equal(t, strings.TrimSpace(c.Content), c.Content)
		require.True(t, utf8.ValidString(c.Content))
		joined.WriteString(c.Content)
		prevEnd = c.End
	}
	require.Equal(t, stripSpace(text), stripSpace(joined.String()))
}

// TestSplitEmpty verifies empty and whitespace-only inputs produce no chunks.
func TestSplitEmpty(t *testing.T) {
	c := New(DefaultMinChars, DefaultMaxChars)
	require.Empty(t, c.Split(""))
	require.Empty(t, c.Split(" \n\t \n"))
}

// TestSplitShortDocument verifies short input becomes a single trimmed chunk.
func TestSplitShortDocument(t *testing.T) {
	c := New(DefaultMinChars, DefaultMaxChars)
	chunks := c.Split("  hello world \n")
	require.Len(t, chunks, 1)
	require.Equal(t, "hello world", chunks[0].Content)
	require.Equal(t, 2, chunks[0].Start)
	require.Equal(t, 13, chunks[0].End)
}

// TestSplitLoremThreeChunks verifies 4500 characters of unpunctuated words split into three chunks.
func TestSplitLoremThreeChunks(t *testing.T) {
	text := loremWords(4500)
	c := New(DefaultMinChars, DefaultMaxChars)

	chunks := c.Split(text)
	require.Len(t, chunks, 3)
	for _, chunk := range chunks[:2] {
		n := utf8.RuneCountInString(chunk.Content)
		require.GreaterOrEqual(t, n, DefaultMinChars)
		require.LessOrEqual(t, n, DefaultMaxChars)
	}
	require.LessOrEqual(t, utf8.RuneCountInString(chunks[2].Content), DefaultMaxChars)
	requireCovering(t, text, chunks)
}

// TestSplitPrefersParagraph verifies a paragraph break inside the window wins over later sentences.
func TestSplitPrefersParagraph(t *testing.T) {
	first := strings.Repeat("a", 30) + ". " + strings.Repeat("b", 50)
	second := strings.Repeat("c", 20) + ". " + strings.Repeat("d", 60)
	text := first + "\n\n" + second

	c := New(80, 100)
	chunks := c.Split(text)
	require.Len(t, chunks, 2)
	require.Equal(t, first, chunks[0].Content)
	require.Equal(t, second, chunks[1].Content)
	requireCovering(t, text, chunks)
}

// TestSplitPrefersSentence verifies a sentence end is chosen over a later word boundary.
func TestSplitPrefersSentence(t *testing.T) {
	text := strings.Repeat("x", 84) + ". yy zz " + strings.Repeat("w", 40)
	c := New(80, 100)

	chunks := c.Split(text)
	require.Len(t, chunks, 2)
	require.Equal(t, strings.Repeat("x", 84)+".", chunks[0].Content)
	requireCovering(t, text, chunks)
}

// TestSplitHardCut verifies text without any boundary is cut at the upper bound.
func TestSplitHardCut(t *testing.T) {
	text := strings.Repeat("é", 250)
	c := New(80, 100)

	chunks := c.Split(text)
	require.Len(t, chunks, 3)
	require.Equal(t, 100, utf8.RuneCountInString(chunks[0].Content))
	require.Equal(t, 100, utf8.RuneCountInString(chunks[1].Content))
	require.Equal(t, 50, utf8.RuneCountInString(chunks[2].Content))
	requireCovering(t, text, chunks)
}

// TestSplitBoundsProperty verifies every non-final chunk respects the bounds on mixed text.
func TestSplitBoundsProperty(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&b, "Sentence number %d has some words in it", i)
		switch i % 7 {
		case 0:
			b.WriteString(".\n\n")
		case 3:
			b.WriteString("\n")
		default:
			b.WriteString(". ")
		}
	}
	text := b.String()

	for _, bounds := range [][2]int{{1800, 2000}, {200, 260}, {50, 60}} {
		c := New(bounds[0], bounds[1])
		chunks := c.Split(text)
		require.NotEmpty(t, chunks)
		for idx, chunk := range chunks {
			n := utf8.RuneCountInString(chunk.Content)
			require.LessOrEqual(t, n, bounds[1])
			if idx < len(chunks)-1 {
				require.GreaterOrEqual(t, n, bounds[0])
			}
		}
		requireCovering(t, text, chunks)
	}
}

// TestNewDefaults verifies invalid bounds fall back to sane values.
func TestNewDefaults(t *testing.T) {
	c := New(0, 0)
	require.Equal(t, DefaultMinChars, c.MinChars)
	require.Equal(t, DefaultMaxChars, c.MaxChars)

	c = New(500, 100)
	require.Equal(t, 90, c.MinChars)
	require.Equal(t, 100, c.MaxChars)
}

// TestSplitLongWordStraddlingLowerBound verifies a word spanning [min, max] forces a hard cut
// instead of a short chunk ending before it.
func TestSplitLongWordStraddlingLowerBound(t *testing.T) {
	text := strings.Repeat("w ", 850) + strings.Repeat("x", 600) + " " + strings.Repeat("y ", 1000)
	c := New(DefaultMinChars, DefaultMaxChars)

	chunks := c.Split(text)
	require.GreaterOrEqual(t, len(chunks), 2)
	for idx, chunk := range chunks {
		n := utf8.RuneCountInString(chunk.Content)
		require.LessOrEqual(t, n, DefaultMaxChars)
		if idx < len(chunks)-1 {
			require.GreaterOrEqual(t, n, DefaultMinChars, "chunk %d", idx)
		}
	}
	require.Equal(t, DefaultMaxChars, utf8.RuneCountInString(chunks[0].Content))
	requireCovering(t, text, chunks)
}
