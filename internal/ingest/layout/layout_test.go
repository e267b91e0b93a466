package layout

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleTSV = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
	"1\t1\t0\t0\t0\t0\t0\t0\t1000\t400\t-1\t\n" +
	"4\t1\t1\t1\t1\t0\t100\t100\t500\t30\t-1\t\n" +
	"5\t1\t1\t1\t1\t1\t100\t100\t50\t30\t96.1\tHello\n" +
	"5\t1\t1\t1\t1\t2\t170\t100\t60\t30\t95.0\tworld\n" +
	"5\t1\t1\t1\t1\t3\t300\t100\t40\t30\t93.2\t   \n" +
	"5\t1\t1\t1\t2\t1\t100\t150\t40\t30\t91.0\tnext\n" +
	"5\t1\t1\t1\t2\t2\tbad\t150\t40\t30\t91.0\tbroken\n" +
	"5\t1\t1\t1\t2\t3\t160\t150\t40\t30\t90.0\tline\n"

// TestParseTSVKeepsWordRows verifies only non-blank level-5 rows become tokens.
func TestParseTSVKeepsWordRows(t *testing.T) {
	tokens, err := ParseTSV(sampleTSV)
	require.NoError(t, err)
	require.Equal(t, []Token{
		{Top: 100, Left: 100, Width: 50, Text: "Hello"},
		{Top: 100, Left: 170, Width: 60, Text: "world"},
		{Top: 150, Left: 100, Width: 40, Text: "next"},
		{Top: 150, Left: 160, Width: 40, Text: "line"},
	}, tokens)
}

// TestParseTSVMissingColumn verifies a header without required columns is rejected.
func TestParseTSVMissingColumn(t *testing.T) {
	_, err := ParseTSV("level\ttop\tleft\ttext\n5\t1\t2\tx\n")
	require.Error(t, err)
	require.Contains(t, err.Error(), "width")
}

// TestParseTSVEmpty verifies empty recognizer output yields no tokens.
func TestParseTSVEmpty(t *testing.T) {
	tokens, err := ParseTSV("")
	require.NoError(t, err)
	require.Empty(t, tokens)
}

// TestReconstructEmpty verifies zero tokens produce empty output.
func TestReconstructEmpty(t *testing.T) {
	require.Equal(t, "", Reconstruct(nil))
}

// TestReconstructSingleToken verifies a lone token is returned without leading spaces.
func TestReconstructSingleToken(t *testing.T) {
	out := Reconstruct([]Token{{Top: 40, Left: 300, Width: 80, Text: "Invoice"}})
	require.Equal(t, "Invoice", out)
}

// TestReconstructLinesAndSpacing verifies line wraps and gap-proportional spacing.
func TestReconstructLinesAndSpacing(t *testing.T) {
	tokens, err := ParseTSV(sampleTSV)
	require.NoError(t, err)

	// gaps: 170-(100+5)=65 and 160-(100+4)=56, so one space spans 55 pixels
	require.Equal(t, 55, PixelsPerSpace(tokens))
	require.Equal(t, "Hello world\nnext line", Reconstruct(tokens))
}

// TestReconstructWideGap verifies a wide horizontal gap expands to several spaces.
func TestReconstructWideGap(t *testing.T) {
	tokens := []Token{
		{Top: 10, Left: 0, Width: 30, Text: "Name"},
		{Top: 10, Left: 41, Width: 30, Text: "Bob"},
		{Top: 10, Left: 271, Width: 30, Text: "Age"},
	}
	// min gap is 41-(0+4)=37 so one space spans 36 pixels
	require.Equal(t, 36, PixelsPerSpace(tokens))

	out := Reconstruct(tokens)
	// (271-71)/36 = 5 spaces before the last column
	require.Equal(t, "Name Bob"+strings.Repeat(" ", 5)+"Age", out)
}

// TestReconstructIndentedLine verifies indentation is measured from the region margin.
func TestReconstructIndentedLine(t *testing.T) {
	tokens := []Token{
		{Top: 10, Left: 20, Width: 40, Text: "alpha"},
		{Top: 10, Left: 80, Width: 40, Text: "beta"},
		{Top: 40, Left: 60, Width: 40, Text: "gamma"},
	}
	pps := PixelsPerSpace(tokens)
	require.Equal(t, 54, pps)

	out := Reconstruct(tokens)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "alpha beta", lines[0])
	require.Equal(t, "gamma", lines[1])
}

// TestReconstructDegenerateCalibration verifies overlapping tokens fall back to the mean glyph width.
func TestReconstructDegenerateCalibration(t *testing.T) {
	tokens := []Token{
		{Top: 10, Left: 0, Width: 50, Text: "abcde"},
		{Top: 10, Left: 40, Width: 50, Text: "fghij"},
	}
	require.Equal(t, 10, PixelsPerSpace(tokens))
	require.Equal(t, "abcde fghij", Reconstruct(tokens))
}

// TestReconstructIdempotent verifies repeated runs over the same tokens agree.
func TestReconstructIdempotent(t *testing.T) {
	tokens, err := ParseTSV(sampleTSV)
	require.NoError(t, err)

	first := Reconstruct(tokens)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, Reconstruct(tokens))
	}
}

// TestReconstructDriftCorrection verifies the accumulated cursor wins when the visual cursor runs ahead.
func TestReconstructDriftCorrection(t *testing.T) {
	tokens := []Token{
		{Top: 10, Left: 0, Width: 20, Text: "aa"},
		{Top: 10, Left: 25, Width: 500, Text: "b"},
		{Top: 10, Left: 800, Width: 10, Text: "c"},
	}
	require.Equal(t, 22, PixelsPerSpace(tokens))

	// visual count (800-525)/22=12, accumulated count (800-88)/22=32
	require.Equal(t, "aa b"+strings.Repeat(" ", 32)+"c", Reconstruct(tokens))
}
