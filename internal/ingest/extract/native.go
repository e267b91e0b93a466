package extract

import (
	"bytes"
	"context"

	errors "github.com/Laisky/errors/v2"
	"github.com/ledongthuc/pdf"
)

// NativeTextLayer reads the PDF text layer in-process, for hosts without poppler.
// Its output keeps page order but not column layout.
type NativeTextLayer struct{}

// ExtractPages returns the plain text of every page. Null pages yield "".
func (NativeTextLayer) ExtractPages(ctx context.Context, content []byte) ([]string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, errors.Wrap(err, "open pdf")
	}

	total := reader.NumPage()
	pages := make([]string, 0, total)
	for idx := 1; idx <= total; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}

		page := reader.Page(idx)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, errors.Wrapf(err, "read text of page %d", idx)
		}
		pages = append(pages, text)
	}

	return pages, nil
}
