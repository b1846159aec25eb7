package attach

import (
	"errors"
	"net/http"

	"media-intake/internal/pipeline"
	"media-intake/internal/quarantine"
	"media-intake/internal/scan"
	"media-intake/internal/storage"
	"media-intake/internal/validate"
)

// Stable error codes for API responses. Rejections carry their own reason
// codes; these cover everything past validation.
const (
	CodeMalwareBlocked   = "malware_blocked"
	CodeScanUnavailable  = "scan_unavailable"
	CodeStorageFailure   = "storage_failure"
	CodeProcessingFailed = "processing_failed"
	CodeInternal         = "internal_error"
)

// Code maps an Attach error to its stable API error code.
func Code(err error) string {
	var rej *validate.Rejection
	switch {
	case errors.As(err, &rej):
		return string(rej.Reason)
	case errors.Is(err, scan.ErrMalwareDetected):
		return CodeMalwareBlocked
	case errors.Is(err, scan.ErrScanUnavailable):
		return CodeScanUnavailable
	case errors.Is(err, quarantine.ErrQuarantine), errors.Is(err, storage.ErrTransient):
		return CodeStorageFailure
	case errors.Is(err, pipeline.ErrNormalizationFailed):
		return CodeProcessingFailed
	default:
		return CodeInternal
	}
}

// Status maps an Attach error to an HTTP status. Client-caused rejections
// and detections are 422; infrastructure failures that may clear up are
// 503; anything else is 500.
func Status(err error) int {
	switch Code(err) {
	case CodeScanUnavailable, CodeStorageFailure:
		return http.StatusServiceUnavailable
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}
