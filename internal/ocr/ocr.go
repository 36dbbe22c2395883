// Package ocr bridges the ETL core to an external OCR engine.
//
// Rasterisation happens locally via MuPDF (go-fitz); recognition is
// delegated to a tesseract HTTP sidecar, the same way embeddings are
// delegated to an external service.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/faults"
)

// Engine recognises text in a rasterised page image.
type Engine interface {
	// Recognize runs OCR over img with the given language set and page
	// segmentation mode, returning the recognised text.
	Recognize(ctx context.Context, img image.Image, languages []string, psm string) (string, error)

	// Ready reports whether the engine can accept work.
	Ready(ctx context.Context) error
}

// Config holds HTTP OCR engine configuration.
type Config struct {
	// BaseURL is the OCR sidecar base URL.
	BaseURL string

	// Timeout bounds a single Recognize call. OCR over a dense page is
	// slow; the default is 120s.
	Timeout time.Duration
}

// HTTPEngine talks to a tesseract HTTP sidecar.
type HTTPEngine struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewHTTPEngine creates an HTTP-backed OCR engine.
func NewHTTPEngine(cfg Config, logger *zap.Logger) (*HTTPEngine, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ocr base URL required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPEngine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// ocrResponse is the sidecar's recognition payload.
type ocrResponse struct {
	Text string `json:"text"`
}

// Recognize encodes img as PNG and posts it to the sidecar.
func (e *HTTPEngine) Recognize(ctx context.Context, img image.Image, languages []string, psm string) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", faults.Wrap(faults.KindOCRFailed, err)
	}

	q := url.Values{}
	q.Set("langs", strings.Join(languages, "+"))
	q.Set("psm", psm)
	endpoint := fmt.Sprintf("%s/ocr?%s", strings.TrimSuffix(e.cfg.BaseURL, "/"), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", faults.Wrap(faults.KindOCRFailed, err)
	}
	req.Header.Set("Content-Type", "image/png")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return "", faults.Wrap(faults.KindOCRFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", faults.Newf(faults.KindOCRFailed,
			"sidecar returned %d: %s", resp.StatusCode, string(body))
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", faults.Wrap(faults.KindOCRFailed, err)
	}

	e.logger.Debug("ocr page recognised",
		zap.Int("chars", len(out.Text)),
		zap.Duration("duration", time.Since(start)),
	)
	return out.Text, nil
}

// Ready probes the sidecar's health endpoint.
func (e *HTTPEngine) Ready(ctx context.Context) error {
	endpoint := strings.TrimSuffix(e.cfg.BaseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return faults.Wrap(faults.KindOCRFailed, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindOCRFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return faults.Newf(faults.KindOCRFailed, "sidecar health returned %d", resp.StatusCode)
	}
	return nil
}

var _ Engine = (*HTTPEngine)(nil)
