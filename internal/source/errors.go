package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies an adapter failure for the fallback decision.
type Kind string

const (
	KindTimeout        Kind = "timeout"
	KindTransport      Kind = "transport"
	KindRateLimited    Kind = "rate_limited"
	KindDataFormat     Kind = "data_format"
	KindNoData         Kind = "no_data"
	KindAuthentication Kind = "authentication"
	KindUnknown        Kind = "unknown"
)

var (
	// ErrTransport indicates a network failure worth retrying.
	ErrTransport = errors.New("transport error")
	// ErrDataFormat indicates a malformed or incomplete payload.
	ErrDataFormat = errors.New("malformed payload")
	// ErrNoData indicates the provider has nothing published for the request.
	ErrNoData = errors.New("no data published")
	// ErrAuthentication indicates rejected or missing credentials.
	ErrAuthentication = errors.New("authentication rejected")
	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("rate limited by provider")
)

var kindSentinels = map[Kind]error{
	KindTransport:      ErrTransport,
	KindDataFormat:     ErrDataFormat,
	KindNoData:         ErrNoData,
	KindAuthentication: ErrAuthentication,
	KindRateLimited:    ErrRateLimited,
}

// Error is a classified adapter failure.
type Error struct {
	Kind       Kind
	Source     string
	RetryAfter time.Duration
	Err        error
}

// NewError wraps err with a kind.
func NewError(kind Kind, sourceID string, err error) *Error {
	return &Error{Kind: kind, Source: sourceID, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, sourceID, format string, args ...any) *Error {
	return NewError(kind, sourceID, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf classifies any error returned by an adapter.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransport
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// RetryAfter extracts the provider-requested delay, if any.
func RetryAfter(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
