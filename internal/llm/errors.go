package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies transport failures for retry and fallback decisions.
type Kind string

const (
	KindConfig   Kind = "config"   // missing endpoint/model; never retried
	KindTimeout  Kind = "timeout"  // deadline exceeded
	KindNetwork  Kind = "network"  // socket / DNS failure
	KindUpstream Kind = "upstream" // 429 and 5xx
	KindHTTP     Kind = "http"     // other 4xx; never retried
	KindParse    Kind = "parse"    // malformed response body
)

// Error is the unified transport error. The scheduler makes routing
// decisions on Kind and HTTPStatus; no other error type crosses the
// transport boundary.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("llm %s error (status=%d): %s", e.Kind, e.HTTPStatus, msg)
	}
	return fmt.Sprintf("llm %s error: %s", e.Kind, msg)
}

func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindUpstream, KindParse:
		return true
	default:
		return false
	}
}

func NewConfigError(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

func NewParseError(format string, args ...any) *Error {
	return &Error{Kind: KindParse, Message: fmt.Sprintf(format, args...)}
}

// ErrorFromHTTPStatus maps a non-2xx response to a kind. 429 and 5xx are
// upstream (retryable, fallback-eligible); the remaining 4xx are hard
// client errors.
func ErrorFromHTTPStatus(status int, message string) *Error {
	switch {
	case status == 429:
		return &Error{Kind: KindUpstream, Message: message, HTTPStatus: status}
	case status >= 500:
		return &Error{Kind: KindUpstream, Message: message, HTTPStatus: status}
	case status >= 400:
		return &Error{Kind: KindHTTP, Message: message, HTTPStatus: status}
	default:
		// Unexpected non-2xx outside the 4xx/5xx ranges; treat as upstream.
		return &Error{Kind: KindUpstream, Message: message, HTTPStatus: status}
	}
}

// WrapTransportError classifies a client-side failure from net/http.
func WrapTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindNetwork, Message: "request canceled"}
	}
	return &Error{Kind: KindNetwork, Message: err.Error()}
}

// AsError extracts a transport *Error, defaulting unknown errors to a
// non-retryable config kind so they are surfaced rather than retried.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindConfig, Message: err.Error()}
}
