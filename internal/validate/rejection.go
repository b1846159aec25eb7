package validate

import "fmt"

// Reason is the stable, user-facing category of a validation rejection.
type Reason string

const (
	// ReasonInvalidFile covers malformed, oversized, or unparseable files.
	ReasonInvalidFile Reason = "invalid_file"
	// ReasonInvalidSignature covers extension/MIME coherence failures.
	ReasonInvalidSignature Reason = "invalid_signature"
	// ReasonInvalidDimensions covers pixel bound violations.
	ReasonInvalidDimensions Reason = "invalid_dimensions"
	// ReasonMaliciousPayload covers embedded code and bomb-ratio violations.
	ReasonMaliciousPayload Reason = "malicious_payload"
)

// Rejection is a typed validation failure. Every gate in the validator
// returns one of these, never a bare error, so callers can map failures to
// stable user-facing codes.
type Rejection struct {
	Reason Reason
	Detail string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("validation rejected (%s): %s: %v", r.Reason, r.Detail, r.Err)
	}
	return fmt.Sprintf("validation rejected (%s): %s", r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

func reject(reason Reason, format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
