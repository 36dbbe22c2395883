package extract

import (
	"bytes"

	"github.com/dslipak/pdf"

	"github.com/zakupai/etl/internal/faults"
)

// dslipakTextLayer reads the native text layer via dslipak/pdf.
type dslipakTextLayer struct{}

// Pages returns one string per page. A page whose text cannot be read
// yields an empty string rather than failing the document; the OCR
// fallback covers it.
func (dslipakTextLayer) Pages(raw []byte) (pages []string, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = faults.Newf(faults.KindUnreadablePDF, "pdf parser panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, faults.Wrap(faults.KindUnreadablePDF, err)
	}

	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	if len(pages) == 0 {
		return nil, faults.New(faults.KindUnreadablePDF, "document has no pages")
	}
	return pages, nil
}

var _ TextLayer = dslipakTextLayer{}
