package ficapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrAuthentication = errors.New("fic: authentication failed")
	ErrRateLimited    = errors.New("fic: rate limited")
	ErrNotFound       = errors.New("fic: not found")
	ErrGone           = errors.New("fic: gone")
	ErrValidation     = errors.New("fic: validation failed")
	ErrTransient      = errors.New("fic: transient failure")
	ErrUnexpected     = errors.New("fic: unexpected response")
)

// APIError is returned for every failed remote call. errors.Is matches it
// against the sentinel in Kind.
type APIError struct {
	Kind       error
	Op         string
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Kind, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// IsPermanentlyGone reports whether err means the remote subscription no
// longer exists (404 or 410). Deletion flows treat both as success.
func IsPermanentlyGone(err error) bool {
	return errors.Is(err, ErrGone) || errors.Is(err, ErrNotFound)
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuthentication
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusGone:
		return ErrGone
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity, status == http.StatusConflict:
		return ErrValidation
	case status >= 500:
		return ErrTransient
	default:
		return ErrUnexpected
	}
}

func newStatusError(op string, status int, header http.Header, body []byte) *APIError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	e := &APIError{
		Kind:    kindForStatus(status),
		Op:      op,
		Status:  status,
		Message: msg,
	}
	if e.Kind == ErrRateLimited {
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
