package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindConnectionRefused Kind = "connection_refused"
	KindHTTPStatus        Kind = "http_status"
	KindMalformed         Kind = "malformed"
)

var (
	ErrTimeout           = errors.New("fetcher: timeout")
	ErrConnectionRefused = errors.New("fetcher: connection refused")
	ErrHTTPStatus        = errors.New("fetcher: unexpected http status")
	ErrMalformed         = errors.New("fetcher: malformed payload")
)

// FetchError is returned by every fetch operation.
type FetchError struct {
	Kind       Kind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	case KindTimeout:
		return fmt.Sprintf("fetch %s: timed out: %v", e.URL, e.Err)
	case KindConnectionRefused:
		return fmt.Sprintf("fetch %s: connection failed: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrConnectionRefused:
		return e.Kind == KindConnectionRefused
	case ErrHTTPStatus:
		return e.Kind == KindHTTPStatus
	case ErrMalformed:
		return e.Kind == KindMalformed
	}
	return false
}

// Unauthorized reports whether the source rejected our credentials.
func (e *FetchError) Unauthorized() bool {
	return e.Kind == KindHTTPStatus &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// Retryable reports whether another attempt could succeed. Credential
// rejections are surfaced immediately.
func Retryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return !fe.Unauthorized()
	}
	return !errors.Is(err, context.Canceled)
}

// Describe renders an operator-facing message for a fetch failure.
func Describe(err error) string {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return err.Error()
	}
	switch fe.Kind {
	case KindTimeout:
		return "metrics endpoint did not respond in time"
	case KindConnectionRefused:
		return "metrics endpoint refused the connection or is unreachable"
	case KindHTTPStatus:
		if fe.Unauthorized() {
			return fmt.Sprintf("metrics endpoint rejected credentials (HTTP %d)", fe.StatusCode)
		}
		return fmt.Sprintf("metrics endpoint returned HTTP %d", fe.StatusCode)
	case KindMalformed:
		return "metrics endpoint returned an unreadable payload"
	}
	return fe.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classifyTransport maps a client.Do error onto a FetchError. Anything that
// is not a timeout (refused, reset, DNS) counts as a connection failure.
func classifyTransport(rawURL string, err error) *FetchError {
	if isTimeout(err) {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	return &FetchError{Kind: KindConnectionRefused, URL: rawURL, Err: err}
}
