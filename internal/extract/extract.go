// Package extract produces UTF-8 text from PDF bytes.
//
// Extraction first reads the PDF's native text layer; when the yield is
// below the configured threshold, pages are rasterised and sent to the
// OCR engine. Pages that already carried text keep their text-layer
// output, so a partially scanned document comes back as "mixed".
package extract

import (
	"context"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/faults"
	"github.com/zakupai/etl/internal/ocr"
)

// Mode reports how the text of a document was obtained.
type Mode string

const (
	// ModeTextLayer means the native text layer was sufficient.
	ModeTextLayer Mode = "text_layer"

	// ModeOCR means every page went through OCR.
	ModeOCR Mode = "ocr"

	// ModeMixed means some pages kept text-layer output and the rest
	// went through OCR.
	ModeMixed Mode = "mixed"
)

// pageSeparator joins per-page text fragments.
const pageSeparator = "\n\n"

// Result is a successful extraction.
type Result struct {
	// Text is the trimmed, non-empty extracted text.
	Text string

	// Mode reports the extraction path taken.
	Mode Mode

	// Pages is the page count seen during extraction.
	Pages int
}

// TextLayer reads the native text layer of a PDF, one string per page.
type TextLayer interface {
	Pages(pdf []byte) ([]string, error)
}

// Config holds extractor configuration.
type Config struct {
	// TextThresholdChars is the minimum non-whitespace yield of the
	// text layer below which OCR runs.
	TextThresholdChars int

	// Languages is the OCR language set, e.g. ["rus", "eng"].
	Languages []string

	// PSM is the page segmentation mode forwarded to the OCR engine.
	PSM string

	// OCRTimeout bounds the OCR pass over one PDF.
	OCRTimeout time.Duration
}

// Deps are the extractor's collaborators. Nil TextLayer and Renderer
// default to the dslipak/pdf and MuPDF implementations.
type Deps struct {
	TextLayer TextLayer
	Renderer  ocr.Renderer
	Engine    ocr.Engine
}

// Extractor turns PDF bytes into text.
type Extractor struct {
	cfg       Config
	textLayer TextLayer
	renderer  ocr.Renderer
	engine    ocr.Engine
	logger    *zap.Logger
}

// New creates an Extractor.
func New(cfg Config, deps Deps, logger *zap.Logger) *Extractor {
	if cfg.TextThresholdChars == 0 {
		cfg.TextThresholdChars = 200
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"rus", "eng"}
	}
	if cfg.PSM == "" {
		cfg.PSM = "auto"
	}
	if cfg.OCRTimeout <= 0 {
		cfg.OCRTimeout = 120 * time.Second
	}
	if deps.TextLayer == nil {
		deps.TextLayer = dslipakTextLayer{}
	}
	if deps.Renderer == nil {
		deps.Renderer = ocr.NewFitzRenderer(2.0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		cfg:       cfg,
		textLayer: deps.TextLayer,
		renderer:  deps.Renderer,
		engine:    deps.Engine,
		logger:    logger,
	}
}

// Extract produces text for one PDF. The text is trimmed and never
// empty; an empty extraction is a failure (empty_after_ocr).
func (e *Extractor) Extract(ctx context.Context, pdf []byte) (Result, error) {
	pages, layerErr := e.textLayer.Pages(pdf)
	if layerErr != nil {
		e.logger.Debug("text layer unreadable, falling back to ocr", zap.Error(layerErr))
		pages = nil
	}

	yield := nonWhitespaceCount(strings.Join(pages, ""))
	if yield >= e.cfg.TextThresholdChars {
		text := strings.TrimSpace(strings.Join(pages, pageSeparator))
		if text != "" {
			return Result{Text: text, Mode: ModeTextLayer, Pages: len(pages)}, nil
		}
	}

	images, err := e.renderer.Render(pdf)
	if err != nil {
		return Result{}, err
	}
	if len(images) == 0 {
		return Result{}, faults.New(faults.KindUnreadablePDF, "document has no pages")
	}

	ocrCtx, cancel := context.WithTimeout(ctx, e.cfg.OCRTimeout)
	defer cancel()

	// A page keeps its text-layer output when it carries a fair share
	// of the threshold on its own; only the rest goes through OCR.
	perPageMin := e.cfg.TextThresholdChars / len(images)
	if perPageMin < 1 {
		perPageMin = 1
	}

	parts := make([]string, len(images))
	ocrPages := 0
	for i, img := range images {
		if i < len(pages) && nonWhitespaceCount(pages[i]) >= perPageMin {
			parts[i] = pages[i]
			continue
		}
		text, err := e.engine.Recognize(ocrCtx, img, e.cfg.Languages, e.cfg.PSM)
		if err != nil {
			return Result{}, err
		}
		parts[i] = text
		ocrPages++
	}

	text := strings.TrimSpace(strings.Join(parts, pageSeparator))
	if text == "" {
		return Result{}, faults.New(faults.KindEmptyAfterOCR, "no text recognised in any page")
	}

	mode := ModeOCR
	if ocrPages < len(images) {
		mode = ModeMixed
	}

	e.logger.Debug("extracted via ocr",
		zap.Int("pages", len(images)),
		zap.Int("ocr_pages", ocrPages),
		zap.String("mode", string(mode)),
	)
	return Result{Text: text, Mode: mode, Pages: len(images)}, nil
}

// nonWhitespaceCount counts non-whitespace runes.
func nonWhitespaceCount(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
