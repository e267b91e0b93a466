package layout

import (
	"strconv"
	"strings"

	errors "github.com/Laisky/errors/v2"
)

// wordLevel is the tesseract hierarchy level of a single recognized word.
const wordLevel = "5"

var requiredColumns = []string{"level", "top", "left", "width", "text"}

// ParseTSV reads tesseract TSV output and returns its word-level tokens in
// emission order. Aggregate rows (page, block, paragraph, line), blank words
// and malformed rows are skipped.
func ParseTSV(raw string) ([]Token, error) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, nil
	}

	columns := make(map[string]int)
	for idx, name := range strings.Split(lines[0], "\t") {
		columns[strings.TrimSpace(name)] = idx
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return nil, errors.Errorf("tsv header missing column %q", name)
		}
	}

	tokens := make([]Token, 0, len(lines))
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		tok, ok := parseRow(fields, columns)
		if !ok {
			continue
		}
		tokens = append(tokens, tok)
	}

	return tokens, nil
}

// parseRow converts one TSV row into a token, reporting false for rows that
// are not words or cannot be parsed.
func parseRow(fields []string, columns map[string]int) (Token, bool) {
	get := func(name string) (string, bool) {
		idx := columns[name]
		if idx >= len(fields) {
			return "", false
		}
		return fields[idx], true
	}

	level, ok := get("level")
	if !ok || strings.TrimSpace(level) != wordLevel {
		return Token{}, false
	}
	text, ok := get("text")
	if !ok || strings.TrimSpace(text) == "" {
		return Token{}, false
	}

	var (
		tok  = Token{Text: strings.TrimSpace(text)}
		dest = map[string]*int{"top": &tok.Top, "left": &tok.Left, "width": &tok.Width}
	)
	for name, ptr := range dest {
		raw, ok := get(name)
		if !ok {
			return Token{}, false
		}
		value, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Token{}, false
		}
		*ptr = value
	}

	return tok, true
}
