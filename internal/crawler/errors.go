package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a page failure for retry decisions.
type ErrorKind string

const (
	// KindTransient marks failures worth retrying: timeouts, 5xx, resets.
	KindTransient ErrorKind = "transient"
	// KindStructural marks failures retrying cannot fix: 404s, login
	// walls, rejected content.
	KindStructural ErrorKind = "structural"
	// KindSecurity marks content rejected by security screening.
	KindSecurity ErrorKind = "security"
)

// PageError wraps a per-page failure with its retry classification.
type PageError struct {
	URL  string
	Kind ErrorKind
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable page failure.
func Transient(url string, err error) error {
	return &PageError{URL: url, Kind: KindTransient, Err: err}
}

// Structural wraps err as a permanent page failure.
func Structural(url string, err error) error {
	return &PageError{URL: url, Kind: KindStructural, Err: err}
}

// Security wraps err as a security-screening rejection.
func Security(url string, err error) error {
	return &PageError{URL: url, Kind: KindSecurity, Err: err}
}

// KindOf extracts the classification. Unclassified errors default to
// transient so network-level failures get the retry budget.
func KindOf(err error) ErrorKind {
	var pe *PageError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// ErrorFromStatus converts a non-success HTTP status into a classified
// page error, or nil for 2xx.
func ErrorFromStatus(url string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return Transient(url, fmt.Errorf("status %d", status))
	case status >= 500:
		return Transient(url, fmt.Errorf("status %d", status))
	default:
		return Structural(url, fmt.Errorf("status %d", status))
	}
}
