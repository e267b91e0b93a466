// Package layout rebuilds reading-order text from positioned OCR tokens.
package layout

import (
	"strings"
	"unicode/utf8"
)

// Token is one recognized word with its pixel position inside a page image.
type Token struct {
	Top   int
	Left  int
	Width int
	Text  string
}

// Reconstruct renders tokens, in their emission order, into text whose line
// breaks and inter-word spacing approximate the visual layout of the image.
//
// It is a pure function: the same token slice always yields the same output.
func Reconstruct(tokens []Token) string {
	if len(tokens) == 0 {
		return ""
	}

	pps := PixelsPerSpace(tokens)
	margin := leftMargin(tokens)

	var out strings.Builder
	pixelTop := 0
	pixelLeft := margin
	pixelLeftActual := margin
	lineStart := true

	for i, tok := range tokens {
		if i > 0 && pixelLeft > tok.Left && tok.Top > pixelTop {
			out.WriteByte('\n')
			pixelLeft = margin
			pixelLeftActual = margin
			lineStart = true
		}
		pixelTop = tok.Top

		var spaces int
		if lineStart {
			// indentation relative to the region margin, may be zero
			spaces = max(0, (tok.Left-margin)/pps)
		} else {
			spaces = max(1, (tok.Left-pixelLeft)/pps)
			spacesActual := max(1, (tok.Left-pixelLeftActual)/pps)
			if spaces > 2 && spacesActual > 4 && pixelLeftActual < pixelLeft {
				spaces = spacesActual
			}
		}

		out.WriteString(strings.Repeat(" ", spaces))
		out.WriteString(tok.Text)

		pixelLeft = tok.Left + tok.Width
		pixelLeftActual += spaces*pps + utf8.RuneCountInString(tok.Text)*pps
		lineStart = false
	}

	return out.String()
}

// PixelsPerSpace estimates how many pixels one space character spans.
//
// For each consecutive pair where the next token starts right of the previous
// token's right edge, it measures next.Left minus (prev.Left + rune count of
// prev.Text) and keeps the minimum. The unit is that minimum minus one.
// When no such pair exists, or the unit would not be positive, the mean glyph
// width of the region is used instead. The result is always at least 1.
func PixelsPerSpace(tokens []Token) int {
	minGap := -1
	for i := 1; i < len(tokens); i++ {
		prev, next := tokens[i-1], tokens[i]
		if next.Left <= prev.Left+prev.Width {
			continue
		}

		gap := next.Left - (prev.Left + utf8.RuneCountInString(prev.Text))
		if minGap < 0 || gap < minGap {
			minGap = gap
		}
	}

	if minGap >= 0 {
		if pps := minGap - 1; pps > 0 {
			return pps
		}
	}

	return meanGlyphWidth(tokens)
}

// meanGlyphWidth returns the average pixel width of one rune across tokens.
func meanGlyphWidth(tokens []Token) int {
	var width, runes int
	for _, tok := range tokens {
		if tok.Width <= 0 {
			continue
		}
		width += tok.Width
		runes += utf8.RuneCountInString(tok.Text)
	}
	if runes == 0 || width < runes {
		return 1
	}
	return width / runes
}

// leftMargin returns the smallest left offset among tokens.
func leftMargin(tokens []Token) int {
	margin := tokens[0].Left
	for _, tok := range tokens[1:] {
		if tok.Left < margin {
			margin = tok.Left
		}
	}
	return margin
}
