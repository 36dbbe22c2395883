// Package feed adapts the upstream procurement lot feed. Lots are
// immutable snapshots; the adapter only reads, never writes.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/faults"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnavailable indicates the feed could not be reached or
	// answered with a server error.
	ErrUnavailable = errors.New("lot feed unavailable")

	// ErrAuthRejected indicates the feed rejected our credentials.
	ErrAuthRejected = errors.New("lot feed rejected credentials")
)

// AttachmentRef points at one downloadable attachment of a lot.
type AttachmentRef struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Lot is one procurement line item as emitted by the feed.
type Lot struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Amount      float64         `json:"amount"`
	CustomerBIN string          `json:"customer_bin"`
	Attachments []AttachmentRef `json:"files"`
}

// Config holds configuration for the lot feed client.
type Config struct {
	// BaseURL is the feed root, e.g. https://ows.goszakup.gov.kz.
	BaseURL string

	// Token is the bearer token sent on every request. Secret.
	Token string

	// Timeout bounds a single feed call.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("%w: base URL: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Client reads lots from the upstream feed over HTTP.
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewClient creates a lot feed client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Fetch returns up to limit lots updated after since. A zero since
// means no time filter.
func (c *Client) Fetch(ctx context.Context, since time.Time, limit int) ([]Lot, error) {
	if limit <= 0 {
		return nil, faults.Newf(faults.KindValidation, "limit must be positive, got %d", limit)
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		q.Set("updated_after", since.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/v3/lots?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var payload struct {
		Items []Lot `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}

	c.logger.Debug("fetched lots",
		zap.Int("count", len(payload.Items)),
		zap.Duration("duration", time.Since(start)),
	)
	return payload.Items, nil
}
