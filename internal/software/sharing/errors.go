package sharing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"fleet-track/internal/domain/geo"
)

// Severity decides what an error does to the running session.
type Severity string

const (
	// SeverityFatal stops sharing and stays visible until cleared or restarted.
	SeverityFatal Severity = "fatal"
	// SeveritySticky is surfaced but sharing continues; the next good send clears it.
	SeveritySticky Severity = "sticky"
	// SeverityTransient is a warning retried on the next tick.
	SeverityTransient Severity = "transient"
)

// Error codes surfaced through ShareError.Code.
const (
	CodeInvalidSample       = "invalid_sample"
	CodeAuthRejected        = "auth_rejected"
	CodeDriverNotFound      = "driver_not_found"
	CodePayloadRejected     = "payload_rejected"
	CodeSendFailed          = "send_failed"
	CodePermissionDenied    = "permission_denied"
	CodeAcquireTimeout      = "acquire_timeout"
	CodePositionUnavailable = "position_unavailable"
)

var (
	ErrDriverRequired = errors.New("driver id is required")
	ErrAlreadySharing = errors.New("already sharing for another driver")
)

// ShareError is the typed last-error of a sharing session.
type ShareError struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Err      error    `json:"-"`
}

func (e *ShareError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ShareError) Unwrap() error { return e.Err }

func (e *ShareError) Fatal() bool { return e != nil && e.Severity == SeverityFatal }

// statusCoder is satisfied by transport errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// classifySend maps a failed location send onto the error taxonomy.
func classifySend(err error) *ShareError {
	var coded statusCoder
	if errors.As(err, &coded) {
		switch coded.HTTPStatus() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &ShareError{Severity: SeverityFatal, Code: CodeAuthRejected, Message: "session rejected, sign in again", Err: err}
		case http.StatusNotFound:
			return &ShareError{Severity: SeverityFatal, Code: CodeDriverNotFound, Message: "driver profile not found, contact admin", Err: err}
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return &ShareError{Severity: SeveritySticky, Code: CodePayloadRejected, Message: "server rejected the location payload", Err: err}
		}
	}
	return &ShareError{Severity: SeverityTransient, Code: CodeSendFailed, Message: "could not send location, retrying", Err: err}
}

// classifyAcquire maps a device acquisition failure onto the error taxonomy.
func classifyAcquire(err error) *ShareError {
	switch {
	case errors.Is(err, geo.ErrPermissionDenied):
		return &ShareError{Severity: SeverityFatal, Code: CodePermissionDenied, Message: "location permission denied, enable it to share", Err: err}
	case errors.Is(err, geo.ErrAcquireTimeout), errors.Is(err, context.DeadlineExceeded):
		return &ShareError{Severity: SeverityTransient, Code: CodeAcquireTimeout, Message: "location request timed out, retrying", Err: err}
	default:
		return &ShareError{Severity: SeverityTransient, Code: CodePositionUnavailable, Message: "position unavailable", Err: err}
	}
}

func invalidSample(err error) *ShareError {
	return &ShareError{Severity: SeveritySticky, Code: CodeInvalidSample, Message: "location sample out of range, not sent", Err: err}
}
