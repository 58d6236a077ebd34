package failure

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
)

type Category string

const (
	Transient Category = "transient"
	Permanent Category = "permanent"
)

type Code string

const (
	CodeTimeout     Code = "timeout"
	CodeRateLimit   Code = "rate_limit"
	CodeNetwork     Code = "network"
	CodeServerError Code = "server_error"
	CodeUnknown     Code = "unknown"

	CodeNotFound          Code = "not_found"
	CodeUnauthorized      Code = "unauthorized"
	CodeForbidden         Code = "forbidden"
	CodeValidation        Code = "validation"
	CodeUnsupportedFormat Code = "unsupported_format"
	CodeProviderFailed    Code = "provider_failed"
)

var categories = map[Code]Category{
	CodeTimeout:     Transient,
	CodeRateLimit:   Transient,
	CodeNetwork:     Transient,
	CodeServerError: Transient,
	CodeUnknown:     Transient,

	CodeNotFound:          Permanent,
	CodeUnauthorized:      Permanent,
	CodeForbidden:         Permanent,
	CodeValidation:        Permanent,
	CodeUnsupportedFormat: Permanent,
	CodeProviderFailed:    Permanent,
}

// Codes returns every known code.
func Codes() []Code {
	out := make([]Code, 0, len(categories))
	for c := range categories {
		out = append(out, c)
	}
	return out
}

// Category returns the category of c. Unrecognised codes are transient.
func (c Code) Category() Category {
	if cat, ok := categories[c]; ok {
		return cat
	}
	return Transient
}

var messages = map[Code]string{
	CodeTimeout:           "Image processing timed out",
	CodeRateLimit:         "Image provider rate limit reached",
	CodeNetwork:           "Network error during image processing",
	CodeServerError:       "Image provider unavailable",
	CodeUnknown:           "Image processing failed",
	CodeNotFound:          "Item or image not found",
	CodeUnauthorized:      "Image provider rejected credentials",
	CodeForbidden:         "Image provider denied access",
	CodeValidation:        "Item is not eligible for processing",
	CodeUnsupportedFormat: "Unsupported image format",
	CodeProviderFailed:    "Image provider could not process the image",
}

// Message is the fixed client-facing text for c.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return messages[CodeUnknown]
}

// Classify maps err to a code and its category. nil classifies as unknown.
func Classify(err error) (Code, Category) {
	code := classifyCode(err)
	return code, code.Category()
}

func classifyCode(err error) Code {
	if err == nil {
		return CodeUnknown
	}

	var fe *Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case KindTimeout:
			return CodeTimeout
		case KindNetwork:
			return CodeNetwork
		case KindHTTPStatus:
			return codeForStatus(fe.Status)
		case KindValidation:
			return CodeValidation
		case KindNotFound:
			return CodeNotFound
		case KindUnsupportedFormat:
			return CodeUnsupportedFormat
		case KindProviderFailed:
			return CodeProviderFailed
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	if isNetwork(err) {
		return CodeNetwork
	}
	return CodeUnknown
}

func codeForStatus(status int) Code {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimit
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusRequestTimeout:
		return CodeTimeout
	case status >= 500 && status <= 599:
		return CodeServerError
	case status >= 400 && status <= 499:
		return CodeValidation
	}
	return CodeUnknown
}

func isNetwork(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// FromTransport tags a raw client error as timeout or network when it is
// one, and returns nil when it is neither.
func FromTransport(op string, err error) *Error {
	if err == nil {
		return nil
	}
	switch classifyCode(err) {
	case CodeTimeout:
		return Timeout(op, err)
	case CodeNetwork:
		return Network(op, err)
	}
	return nil
}
