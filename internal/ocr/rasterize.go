package ocr

import (
	"image"

	"github.com/gen2brain/go-fitz"

	"github.com/zakupai/etl/internal/faults"
)

// pdfNativeDPI is the base resolution PDF coordinates assume.
const pdfNativeDPI = 72.0

// Renderer rasterises PDF pages into images for OCR.
type Renderer interface {
	// Render returns one RGB image per page, in page order.
	Render(pdf []byte) ([]image.Image, error)
}

// FitzRenderer renders pages through MuPDF at a fixed scale over the
// PDF's native 72 DPI.
type FitzRenderer struct {
	// Scale multiplies the native DPI: 2.0 renders at ~144 DPI.
	Scale float64
}

// NewFitzRenderer creates a renderer; a non-positive scale falls back
// to 2.0.
func NewFitzRenderer(scale float64) *FitzRenderer {
	if scale <= 0 {
		scale = 2.0
	}
	return &FitzRenderer{Scale: scale}
}

// Render rasterises every page of the document.
func (r *FitzRenderer) Render(pdf []byte) ([]image.Image, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, faults.Wrap(faults.KindUnreadablePDF, err)
	}
	defer doc.Close()

	dpi := pdfNativeDPI * r.Scale
	pages := make([]image.Image, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		img, err := doc.ImageDPI(i, dpi)
		if err != nil {
			return nil, faults.Wrap(faults.KindUnreadablePDF, err)
		}
		pages = append(pages, img)
	}
	return pages, nil
}

var _ Renderer = (*FitzRenderer)(nil)
