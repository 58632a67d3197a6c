package chatnet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/layr8/chatnet/internal/wire"
)

// Request is a logical request sent to the chat backend.
type Request struct {
	Method       string
	PathAndQuery string
	Headers      Headers
	Body         []byte

	// Timeout bounds the wait for the response. Zero selects the
	// service's default request timeout.
	Timeout time.Duration
}

// NewRequest builds a request with the given headers added in map order.
func NewRequest(method, pathAndQuery string, headers map[string]string, body []byte, timeout time.Duration) *Request {
	return &Request{
		Method:       method,
		PathAndQuery: pathAndQuery,
		Headers:      NewHeaders(headers),
		Body:         body,
		Timeout:      timeout,
	}
}

func (r *Request) validate() error {
	if r == nil {
		return &ValidationError{Field: "request", Reason: "is nil"}
	}
	if strings.TrimSpace(r.Method) == "" {
		return &ValidationError{Field: "method", Reason: "must not be empty"}
	}
	if strings.TrimSpace(r.PathAndQuery) == "" {
		return &ValidationError{Field: "path", Reason: "must not be empty"}
	}
	if r.Timeout < 0 {
		return &ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	var bad error
	r.Headers.Each(func(name, value string) {
		if bad != nil {
			return
		}
		if name == "" || strings.ContainsAny(name, ":\r\n") {
			bad = &ValidationError{Field: "headers", Reason: fmt.Sprintf("invalid header name %q", name)}
		} else if strings.ContainsAny(value, "\r\n") {
			bad = &ValidationError{Field: "headers", Reason: fmt.Sprintf("invalid value for header %q", name)}
		}
	})
	return bad
}

// toWire converts the request into its wire form under the given correlation ID.
func (r *Request) toWire(id uint64) *wire.Request {
	headers := make([]string, 0, r.Headers.Len())
	r.Headers.Each(func(name, value string) {
		headers = append(headers, wire.JoinHeader(name, value))
	})
	return &wire.Request{
		Verb:    r.Method,
		Path:    r.PathAndQuery,
		Body:    r.Body,
		ID:      id,
		Headers: headers,
	}
}

// Response is a logical response received from the chat backend.
// Body is never nil; an empty body is an empty slice.
type Response struct {
	Status  int
	Message string
	Headers Headers
	Body    []byte
}

// DecodeJSON decodes the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if len(r.Body) == 0 {
		return errors.New("response has no body")
	}
	return json.Unmarshal(r.Body, v)
}

// responseFromWire converts a decoded wire response.
func responseFromWire(w *wire.Response) *Response {
	resp := &Response{
		Status:  int(w.Status),
		Message: w.Message,
		Body:    w.Body,
	}
	if resp.Body == nil {
		resp.Body = []byte{}
	}
	for _, line := range w.Headers {
		if name, value, ok := wire.SplitHeader(line); ok {
			resp.Headers.Set(name, value)
		}
	}
	return resp
}

// ResponseAndDebugInfo pairs a response with the connection diagnostics
// captured when it was obtained.
type ResponseAndDebugInfo struct {
	Response  *Response
	DebugInfo DebugInfo
}
