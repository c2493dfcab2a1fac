// Package syncerr classifies failures raised by adapters, the credential store
// and the ingest pipeline so the orchestrator can map them to job transitions.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

type Kind int

const (
	KindTransientNetwork Kind = iota
	KindTimeout
	KindRateLimited
	KindMalformed
	KindCredentialsInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindMalformed:
		return "malformed_response"
	case KindCredentialsInvalid:
		return "credentials_invalid"
	default:
		return "transient_network"
	}
}

var (
	ErrCredentialsInvalid = errors.New("credentials invalid")
	ErrRateLimited        = errors.New("rate limited")
	ErrTimeout            = errors.New("timeout")
	ErrTransient          = errors.New("transient failure")
	ErrMalformed          = errors.New("malformed response")
)

type Error struct {
	Kind       Kind
	Provider   string
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets callers match a kind with errors.Is(err, syncerr.ErrCredentialsInvalid).
func (e *Error) Is(target error) bool {
	switch target {
	case ErrCredentialsInvalid:
		return e.Kind == KindCredentialsInvalid
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrTransient:
		return e.Kind == KindTransientNetwork
	case ErrMalformed:
		return e.Kind == KindMalformed
	}
	return false
}

func New(kind Kind, provider, op string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

func CredentialsInvalid(provider, op string, err error) *Error {
	return New(KindCredentialsInvalid, provider, op, err)
}

func Malformed(provider, op string, err error) *Error {
	return New(KindMalformed, provider, op, err)
}

func RateLimited(provider, op string, retryAfter time.Duration, err error) *Error {
	e := New(KindRateLimited, provider, op, err)
	e.RetryAfter = retryAfter
	return e
}

// FromTransport classifies an error returned by an HTTP round trip.
func FromTransport(provider, op string, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return New(KindTimeout, provider, op, err)
	}
	return New(KindTransientNetwork, provider, op, err)
}

// KindOf returns the kind of err. Unclassified errors count as transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransientNetwork
}

// IsFatal reports whether err must fail the job without retry.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindCredentialsInvalid
}

func IsRetryable(err error) bool {
	return err != nil && !IsFatal(err)
}

// RetryAfter returns the provider-requested delay, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func Wrapf(kind Kind, provider, op, format string, args ...interface{}) *Error {
	return New(kind, provider, op, fmt.Errorf(format, args...))
}
