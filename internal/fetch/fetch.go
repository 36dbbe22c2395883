// Package fetch downloads attachment bytes into size-capped buffers.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/faults"
)

// Config holds fetcher configuration.
type Config struct {
	// MaxBytes caps the downloaded buffer. Streams exceeding it abort
	// without reading past the cap.
	MaxBytes int64

	// Timeout bounds the whole download, connect included.
	Timeout time.Duration

	// AuthHeader, when set, is sent as the Authorization header.
	AuthHeader string
}

// Result is a completed download.
type Result struct {
	Data        []byte
	ContentType string
}

// Fetcher materialises remote byte streams into bounded buffers.
type Fetcher struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates a Fetcher. A nil logger is replaced with a no-op one.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 50 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Fetch downloads rawURL into memory. One attempt; retry policy belongs
// to the caller.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, faults.Newf(faults.KindValidation, "not an absolute http(s) URL: %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err)
	}
	if f.cfg.AuthHeader != "" {
		req.Header.Set("Authorization", f.cfg.AuthHeader)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, faults.HTTPStatusFault(resp.StatusCode,
			fmt.Sprintf("GET %s returned %d", rawURL, resp.StatusCode))
	}

	// Reject declared-oversize bodies before reading a single byte.
	if resp.ContentLength > f.cfg.MaxBytes {
		return nil, faults.Newf(faults.KindTooLarge,
			"declared %d bytes exceeds cap %d", resp.ContentLength, f.cfg.MaxBytes)
	}

	data, err := readCapped(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, faults.Newf(faults.KindEmpty, "GET %s returned empty body", rawURL)
	}

	f.logger.Debug("fetched attachment",
		zap.String("url", rawURL),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)),
	)

	return &Result{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// readCapped reads at most maxBytes from r. One extra byte is probed to
// distinguish an exact-cap body from an oversize one; on overflow the
// read is aborted immediately.
func readCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if n > maxBytes {
		return nil, faults.Newf(faults.KindTooLarge, "stream exceeded cap %d", maxBytes)
	}
	return buf.Bytes(), nil
}

// classifyTransportError maps transport failures onto the taxonomy:
// deadline/cancel to timeout/cancelled, everything else to network.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return faults.Wrap(faults.KindCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.KindTimeout, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return faults.Wrap(faults.KindTimeout, err)
	}
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return faults.Wrap(faults.KindTimeout, err)
	}
	return faults.Wrap(faults.KindNetwork, err)
}
