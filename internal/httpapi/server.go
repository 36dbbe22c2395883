// Package httpapi provides the HTTP API for ingestion control and
// semantic search.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zakupai/etl/internal/extract"
	"github.com/zakupai/etl/internal/faults"
	"github.com/zakupai/etl/internal/fetch"
	"github.com/zakupai/etl/internal/index"
	"github.com/zakupai/etl/internal/search"
	"github.com/zakupai/etl/internal/unpack"
)

// Searcher answers semantic queries.
type Searcher interface {
	Search(ctx context.Context, params search.Params) ([]search.Result, error)
}

// Fetcher downloads a remote attachment.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Result, error)
}

// Extractor turns PDF bytes into text.
type Extractor interface {
	Extract(ctx context.Context, pdf []byte) (extract.Result, error)
}

// DocIndexer persists one extracted document.
type DocIndexer interface {
	Index(ctx context.Context, lotID, fileName, fileType, content string) (index.Result, error)
}

// HealthChecker probes one subsystem.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ReadyChecker probes the OCR sidecar.
type ReadyChecker interface {
	Ready(ctx context.Context) error
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// MaxBytes caps direct uploads and mirrors the fetcher's cap.
	MaxBytes int64
}

// Deps are the services the handlers call.
type Deps struct {
	Search    Searcher
	Fetcher   Fetcher
	Extractor Extractor
	Indexer   DocIndexer
	OCR       ReadyChecker

	// Docs is the primary health dependency: the API reports ok only
	// while the relational store answers.
	Docs HealthChecker

	// Vectors and Embedder degrade health without failing it.
	Vectors  HealthChecker
	Embedder HealthChecker

	// Gatherer backs GET /metrics.
	Gatherer prometheus.Gatherer
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer creates the HTTP server and registers its routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) (*Server, error) {
	if deps.Search == nil || deps.Indexer == nil {
		return nil, fmt.Errorf("search and indexer dependencies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 50 << 20
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, deps: deps, cfg: cfg, logger: logger}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/search", s.handleSearch)

	etl := s.echo.Group("/etl")
	etl.POST("/upload-url", s.handleUploadURL)
	etl.POST("/upload", s.handleUpload)
	etl.GET("/ocr", s.handleOCRStatus)

	if s.deps.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}),
		))
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// ErrorBody is the uniform error response.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// writeFault maps an error kind onto its HTTP status.
func (s *Server) writeFault(c echo.Context, err error) error {
	kind := faults.KindOf(err)
	return c.JSON(faults.HTTPStatus(kind), ErrorBody{
		Error:  string(kind),
		Detail: err.Error(),
	})
}

// UploadResponse is the response body for both upload endpoints.
type UploadResponse struct {
	Status     string  `json:"status"`
	DocID      int64   `json:"doc_id"`
	FileName   string  `json:"file_name"`
	FileSizeMB float64 `json:"file_size_mb"`
	Message    string  `json:"message"`

	// EmbeddingPending warns that a row was persisted but its vector
	// was not; reconciliation will repair it.
	EmbeddingPending bool `json:"embedding_pending"`
}

// UploadURLRequest is the request body for POST /etl/upload-url.
type UploadURLRequest struct {
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
	LotID    string `json:"lot_id"`
}

func (s *Server) handleUploadURL(c echo.Context) error {
	var req UploadURLRequest
	if err := c.Bind(&req); err != nil {
		return s.writeFault(c, faults.New(faults.KindValidation, "invalid request body"))
	}
	switch {
	case req.FileURL == "":
		return s.writeFault(c, faults.New(faults.KindValidation, "file_url is required"))
	case req.FileName == "":
		return s.writeFault(c, faults.New(faults.KindValidation, "file_name is required"))
	case req.LotID == "":
		return s.writeFault(c, faults.New(faults.KindValidation, "lot_id is required"))
	}

	ctx := c.Request().Context()
	fetched, err := s.deps.Fetcher.Fetch(ctx, req.FileURL)
	if err != nil {
		return s.writeFault(c, err)
	}
	return s.ingestBuffer(c, req.LotID, req.FileName, fetched.Data)
}

func (s *Server) handleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return s.writeFault(c, faults.New(faults.KindValidation, "multipart field 'file' is required"))
	}
	if fileHeader.Size > s.cfg.MaxBytes {
		return s.writeFault(c, faults.Newf(faults.KindTooLarge,
			"file is %d bytes, cap is %d", fileHeader.Size, s.cfg.MaxBytes))
	}

	f, err := fileHeader.Open()
	if err != nil {
		return s.writeFault(c, faults.Wrap(faults.KindInternal, err))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxBytes+1))
	if err != nil {
		return s.writeFault(c, faults.Wrap(faults.KindInternal, err))
	}
	if int64(len(data)) > s.cfg.MaxBytes {
		return s.writeFault(c, faults.Newf(faults.KindTooLarge, "file exceeds %d bytes", s.cfg.MaxBytes))
	}

	lotID := c.FormValue("lot_id")
	if lotID == "" {
		lotID = "manual"
	}
	return s.ingestBuffer(c, lotID, fileHeader.Filename, data)
}

// ingestBuffer runs unpack, extract and index for a buffer already in
// hand and renders the upload response. A failed embedding after a
// successful insert still answers 200; reconciliation will repair it.
func (s *Server) ingestBuffer(c echo.Context, lotID, fileName string, data []byte) error {
	ctx := c.Request().Context()
	sizeMB := float64(len(data)) / (1 << 20)

	it, err := unpack.Open(fileName, data, s.cfg.MaxBytes)
	if err != nil {
		return s.writeFault(c, err)
	}

	var last index.Result
	inserted, duplicates := 0, 0
	pending := false
	for it.Next() {
		unit := it.Unit()
		extracted, err := s.deps.Extractor.Extract(ctx, unit.Data)
		if err != nil {
			return s.writeFault(c, err)
		}

		res, err := s.deps.Indexer.Index(ctx, lotID, unit.Name, "pdf", extracted.Text)
		if err != nil {
			if !res.EmbeddingPending {
				return s.writeFault(c, err)
			}
			pending = true
		}
		last = res
		switch res.Action {
		case index.ActionInserted:
			inserted++
		case index.ActionDuplicateKept:
			duplicates++
		}
	}
	if err := it.Err(); err != nil {
		return s.writeFault(c, err)
	}

	msg := fmt.Sprintf("%d inserted, %d duplicate", inserted, duplicates)
	if pending {
		msg += ", embedding pending"
	}
	return c.JSON(http.StatusOK, UploadResponse{
		Status:           "success",
		DocID:            last.DocID,
		FileName:         fileName,
		FileSizeMB:       sizeMB,
		Message:          msg,
		EmbeddingPending: pending,
	})
}

// SearchRequest is the request body for POST /search.
type SearchRequest struct {
	Query      string `json:"query"`
	TopK       *int   `json:"top_k"`
	Collection string `json:"collection"`
}

// SearchResponse is the response body for POST /search.
type SearchResponse struct {
	Query      string             `json:"query"`
	Results    []SearchResultItem `json:"results"`
	TotalFound int                `json:"total_found"`
}

// SearchResultItem is one hit in the search response.
type SearchResultItem struct {
	DocID          int64          `json:"doc_id"`
	FileName       string         `json:"file_name"`
	Score          float64        `json:"score"`
	Metadata       map[string]any `json:"metadata"`
	ContentPreview string         `json:"content_preview"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return s.writeFault(c, faults.New(faults.KindValidation, "invalid request body"))
	}

	params := search.Params{Query: req.Query, Collection: req.Collection}
	if req.TopK != nil {
		// An explicit zero is a client error; only an absent top_k
		// falls back to the default.
		if *req.TopK == 0 {
			return s.writeFault(c, faults.New(faults.KindValidation, "top_k must be at least 1"))
		}
		params.TopK = *req.TopK
	}

	results, err := s.deps.Search.Search(c.Request().Context(), params)
	if err != nil {
		return s.writeFault(c, err)
	}

	items := make([]SearchResultItem, 0, len(results))
	for _, r := range results {
		items = append(items, SearchResultItem{
			DocID:          r.DocID,
			FileName:       r.FileName,
			Score:          r.Score,
			Metadata:       r.Metadata,
			ContentPreview: r.Preview,
		})
	}
	return c.JSON(http.StatusOK, SearchResponse{
		Query:      req.Query,
		Results:    items,
		TotalFound: len(items),
	})
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Subsystems map[string]string `json:"subsystems"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	subsystems := make(map[string]string)
	probe := func(name string, hc HealthChecker) bool {
		if hc == nil {
			return true
		}
		if err := hc.Health(ctx); err != nil {
			subsystems[name] = err.Error()
			return false
		}
		subsystems[name] = "ok"
		return true
	}

	dbOK := probe("postgres", s.deps.Docs)
	vectorsOK := probe("qdrant", s.deps.Vectors)
	embedderOK := probe("embedder", s.deps.Embedder)

	switch {
	case !dbOK:
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Subsystems: subsystems})
	case !vectorsOK || !embedderOK:
		return c.JSON(http.StatusOK, HealthResponse{Status: "degraded", Subsystems: subsystems})
	default:
		return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Subsystems: subsystems})
	}
}

// OCRStatusResponse is the response body for GET /etl/ocr.
type OCRStatusResponse struct {
	Status       string `json:"status"`
	OCRAvailable bool   `json:"ocr_available"`
}

func (s *Server) handleOCRStatus(c echo.Context) error {
	if s.deps.OCR == nil {
		return c.JSON(http.StatusOK, OCRStatusResponse{Status: "unavailable"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := s.deps.OCR.Ready(ctx); err != nil {
		return c.JSON(http.StatusOK, OCRStatusResponse{Status: "unavailable"})
	}
	return c.JSON(http.StatusOK, OCRStatusResponse{Status: "ready", OCRAvailable: true})
}
