// internal/apperr/errors.go
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can decide how to surface it without
// inspecting message text.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindAuthentication Kind = "authentication"
	KindTimeout        Kind = "timeout"
	KindExtraction     Kind = "extraction"
	KindInternal       Kind = "internal"
)

// Sentinel causes. These are wrapped inside an *Error so both errors.Is and
// KindOf work on the same value.
var (
	ErrNoCookies             = errors.New("no cookies supplied")
	ErrNoCredentials         = errors.New("no credentials configured")
	ErrTwoFactorRequired     = errors.New("2FA required, cannot auto-refresh")
	ErrTwoFactorCodeRequired = errors.New("2FA code required")
	ErrLoginRedirect         = errors.New("redirected to login")
)

// Error is the typed failure carried through the scraper.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "refresh.wait_origin".
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": " + string(e.Kind) + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Configuration reports missing or unusable setup (no cookies, no credentials).
func Configuration(op, msg string, err error) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Msg: msg, Err: err}
}

// Authentication reports rejected credentials or an unexpected 2FA challenge.
func Authentication(op, msg string, err error) *Error {
	return &Error{Kind: KindAuthentication, Op: op, Msg: msg, Err: err}
}

// Timeout reports a bounded wait that ran out.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Msg: "timed out", Err: err}
}

// Extraction reports a row or page level anomaly. These are normally absorbed
// by the extractor and only logged.
func Extraction(op, msg string, err error) *Error {
	return &Error{Kind: KindExtraction, Op: op, Msg: msg, Err: err}
}

// Internal wraps anything else.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// FromContext converts a context failure into a Timeout error for op. Any
// other error is returned unchanged.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op, err)
	}
	return err
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the status code the API answers with.
func HTTPStatus(k Kind) int {
	switch k {
	case KindConfiguration:
		return http.StatusServiceUnavailable
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
