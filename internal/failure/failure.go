// Package failure holds the tagged error type returned by the storage and
// provider adapters and the classifier that maps it onto retry policy.
package failure

import (
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNetwork           Kind = "network"
	KindTimeout           Kind = "timeout"
	KindHTTPStatus        Kind = "http_status"
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindProviderFailed    Kind = "provider_failed"
)

// Error is a failure tagged by the layer that observed it. Status is only
// meaningful for KindHTTPStatus.
type Error struct {
	Kind   Kind
	Status int
	Op     string
	Cause  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Kind == KindHTTPStatus {
		msg = fmt.Sprintf("http status %d", e.Status)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

func HTTPStatus(status int, op string, cause error) *Error {
	if cause == nil {
		cause = fmt.Errorf("%s", http.StatusText(status))
	}
	return &Error{Kind: KindHTTPStatus, Status: status, Op: op, Cause: cause}
}

func Network(op string, cause error) *Error {
	return New(KindNetwork, op, cause)
}

func Timeout(op string, cause error) *Error {
	return New(KindTimeout, op, cause)
}

func Validation(op string, cause error) *Error {
	return New(KindValidation, op, cause)
}

func NotFound(op string, cause error) *Error {
	return New(KindNotFound, op, cause)
}

func UnsupportedFormat(op string, cause error) *Error {
	return New(KindUnsupportedFormat, op, cause)
}

func ProviderFailed(op string, cause error) *Error {
	return New(KindProviderFailed, op, cause)
}
