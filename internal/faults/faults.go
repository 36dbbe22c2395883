// Package faults defines the closed error taxonomy for the ETL core.
//
// Every failure that crosses a component boundary is classified into a Kind.
// Kinds drive three policies: whether a worker retries the operation, which
// HTTP status a handler returns, and how batch reports aggregate failures.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a failure class from the error taxonomy.
type Kind string

const (
	// KindValidation indicates client-fixable bad input.
	KindValidation Kind = "validation"

	// KindTooLarge indicates an input exceeding the configured size cap.
	KindTooLarge Kind = "too_large"

	// KindUnsupportedType indicates a buffer that is neither PDF nor ZIP.
	KindUnsupportedType Kind = "unsupported_type"

	// KindNetwork indicates a connect, read, or DNS failure.
	KindNetwork Kind = "network"

	// KindTimeout indicates a per-call deadline was exceeded.
	KindTimeout Kind = "timeout"

	// KindHTTPStatus indicates a non-2xx upstream response. The status
	// code is carried on the Fault and decides retriability.
	KindHTTPStatus Kind = "http_status"

	// KindEmpty indicates a zero-byte upstream response.
	KindEmpty Kind = "empty"

	// KindCorruptArchive indicates an invalid ZIP header.
	KindCorruptArchive Kind = "corrupt_archive"

	// KindArchiveBomb indicates declared uncompressed size beyond the bomb cap.
	KindArchiveBomb Kind = "archive_bomb"

	// KindNoPDFInArchive indicates a ZIP with no eligible PDF entries.
	KindNoPDFInArchive Kind = "no_pdf_in_archive"

	// KindUnreadablePDF indicates a PDF that could not be parsed or rendered.
	KindUnreadablePDF Kind = "unreadable_pdf"

	// KindOCRFailed indicates the OCR engine returned an error.
	KindOCRFailed Kind = "ocr_failed"

	// KindEmptyAfterOCR indicates OCR ran but produced no text.
	KindEmptyAfterOCR Kind = "empty_after_ocr"

	// KindEmbedUnavailable indicates the embedder could not be reached.
	KindEmbedUnavailable Kind = "embed_unavailable"

	// KindDimMismatch indicates the embedder returned a vector whose
	// dimension differs from the configured one.
	KindDimMismatch Kind = "embedding_dim_mismatch"

	// KindVectorUnavailable indicates the vector store could not be reached.
	KindVectorUnavailable Kind = "vector_store_unavailable"

	// KindDBUnavailable indicates the relational store could not be reached.
	KindDBUnavailable Kind = "db_unavailable"

	// KindCancelled indicates a cooperative stop aborted the operation.
	KindCancelled Kind = "cancelled"

	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = "internal"
)

// Fault is an error carrying a taxonomy Kind.
type Fault struct {
	// K is the failure class.
	K Kind

	// Code is the upstream HTTP status code, set only for KindHTTPStatus.
	Code int

	// Detail is a short human-readable description.
	Detail string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	switch {
	case f.Detail != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.K, f.Detail, f.Err)
	case f.Detail != "":
		return fmt.Sprintf("%s: %s", f.K, f.Detail)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.K, f.Err)
	default:
		return string(f.K)
	}
}

// Unwrap returns the wrapped cause for errors.Is / errors.As.
func (f *Fault) Unwrap() error {
	return f.Err
}

// New creates a Fault with a detail message and no cause.
func New(kind Kind, detail string) error {
	return &Fault{K: kind, Detail: detail}
}

// Newf creates a Fault with a formatted detail message.
func Newf(kind Kind, format string, args ...any) error {
	return &Fault{K: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error. Returns nil for a nil error.
// Context cancellation and deadline errors override the given kind so a
// cooperative stop is never misreported as an upstream failure.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		kind = KindCancelled
	} else if errors.Is(err, context.DeadlineExceeded) && kind != KindCancelled {
		kind = KindTimeout
	}
	return &Fault{K: kind, Err: err}
}

// HTTPStatusFault creates a Fault for a non-2xx upstream response.
func HTTPStatusFault(code int, detail string) error {
	return &Fault{K: KindHTTPStatus, Code: code, Detail: detail}
}

// KindOf classifies an arbitrary error. Unclassified non-nil errors map
// to KindInternal; nil maps to the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.K
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retriable reports whether a worker should retry the failed operation.
// For KindHTTPStatus only 5xx responses are retriable; 4xx means the
// request itself is wrong and repeating it cannot help.
func Retriable(err error) bool {
	var f *Fault
	if !errors.As(err, &f) {
		return false
	}
	switch f.K {
	case KindNetwork, KindTimeout, KindOCRFailed,
		KindEmbedUnavailable, KindVectorUnavailable, KindDBUnavailable:
		return true
	case KindHTTPStatus:
		return f.Code >= 500
	default:
		return false
	}
}

// HTTPStatus maps a failure kind to the status code the API surface
// returns for it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnsupportedType:
		return http.StatusBadRequest
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindEmbedUnavailable, KindVectorUnavailable, KindDBUnavailable:
		return http.StatusServiceUnavailable
	case KindNetwork, KindTimeout, KindHTTPStatus, KindEmpty,
		KindCorruptArchive, KindArchiveBomb, KindNoPDFInArchive,
		KindUnreadablePDF, KindOCRFailed, KindEmptyAfterOCR:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
