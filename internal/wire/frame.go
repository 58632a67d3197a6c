// Package wire encodes and decodes the binary frames exchanged with the chat
// backend over a WebSocket connection.
//
// A frame is a protobuf message:
//
//	WebSocketMessage        { type = 1 (enum); request = 2; response = 3 }
//	WebSocketRequestMessage { verb = 1; path = 2; body = 3; id = 4; headers = 5 (repeated) }
//	WebSocketResponseMessage{ id = 1; status = 2; message = 3; body = 4; headers = 5 (repeated) }
//
// Headers travel as "name:value" strings in the order they were supplied.
package wire

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameType identifies the payload carried by a Frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeRequest
	FrameTypeResponse
)

// String returns the string representation of FrameType
func (t FrameType) String() string {
	switch t {
	case FrameTypeRequest:
		return "REQUEST"
	case FrameTypeResponse:
		return "RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Field numbers, shared between encoder and decoder.
const (
	fieldMessageType     protowire.Number = 1
	fieldMessageRequest  protowire.Number = 2
	fieldMessageResponse protowire.Number = 3

	fieldRequestVerb    protowire.Number = 1
	fieldRequestPath    protowire.Number = 2
	fieldRequestBody    protowire.Number = 3
	fieldRequestID      protowire.Number = 4
	fieldRequestHeaders protowire.Number = 5

	fieldResponseID      protowire.Number = 1
	fieldResponseStatus  protowire.Number = 2
	fieldResponseMessage protowire.Number = 3
	fieldResponseBody    protowire.Number = 4
	fieldResponseHeaders protowire.Number = 5
)

// Request is the request half of a frame. It is used both for requests the
// client sends and for requests pushed by the server.
type Request struct {
	Verb    string
	Path    string
	Body    []byte
	ID      uint64
	Headers []string
}

// Response is the response half of a frame.
type Response struct {
	ID      uint64
	Status  uint32
	Message string
	Headers []string
	Body    []byte
}

// Frame is a single message on the wire. Exactly one of Request or Response
// is set, matching Type.
type Frame struct {
	Type     FrameType
	Request  *Request
	Response *Response
}

// ErrInvalidFrame is returned by Encode for frames that cannot be represented.
var ErrInvalidFrame = errors.New("invalid frame")

// DecodeError describes malformed wire data. Offset is the byte position in
// the outer frame at which decoding stopped.
type DecodeError struct {
	Field  string
	Offset int
	Reason string

	// ResponseID is the correlation ID of a response frame that failed to
	// decode after its ID had been read.
	ResponseID    uint64
	HasResponseID bool
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at offset %d: %s", e.Field, e.Offset, e.Reason)
}

// Encode encodes the frame into bytes.
func (f *Frame) Encode() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldMessageType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))

	switch f.Type {
	case FrameTypeRequest:
		if f.Request == nil {
			return nil, fmt.Errorf("%w: request frame without request", ErrInvalidFrame)
		}
		sub, err := encodeRequest(f.Request)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldMessageRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	case FrameTypeResponse:
		if f.Response == nil {
			return nil, fmt.Errorf("%w: response frame without response", ErrInvalidFrame)
		}
		sub, err := encodeResponse(f.Response)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldMessageResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	default:
		return nil, fmt.Errorf("%w: type %s", ErrInvalidFrame, f.Type)
	}
	return b, nil
}

func encodeRequest(r *Request) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldRequestVerb, protowire.BytesType)
	b = protowire.AppendString(b, r.Verb)
	b = protowire.AppendTag(b, fieldRequestPath, protowire.BytesType)
	b = protowire.AppendString(b, r.Path)
	if r.Body != nil {
		b = protowire.AppendTag(b, fieldRequestBody, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Body)
	}
	b = protowire.AppendTag(b, fieldRequestID, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ID)
	for _, h := range r.Headers {
		if err := checkHeaderLine(h); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldRequestHeaders, protowire.BytesType)
		b = protowire.AppendString(b, h)
	}
	return b, nil
}

func encodeResponse(r *Response) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldResponseID, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ID)
	b = protowire.AppendTag(b, fieldResponseStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status))
	if r.Message != "" {
		b = protowire.AppendTag(b, fieldResponseMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	if r.Body != nil {
		b = protowire.AppendTag(b, fieldResponseBody, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Body)
	}
	for _, h := range r.Headers {
		if err := checkHeaderLine(h); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldResponseHeaders, protowire.BytesType)
		b = protowire.AppendString(b, h)
	}
	return b, nil
}

func checkHeaderLine(h string) error {
	name, _, ok := strings.Cut(h, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: header %q is not name:value", ErrInvalidFrame, h)
	}
	return nil
}

// Decode decodes bytes into the frame. On failure it returns a *DecodeError
// and leaves f unspecified.
func (f *Frame) Decode(data []byte) error {
	*f = Frame{}
	var (
		sawType bool
		reqAt   = -1
		respAt  = -1
		reqRaw  []byte
		respRaw []byte
	)

	off := 0
	for off < len(data) {
		num, typ, n := protowire.ConsumeTag(data[off:])
		if n < 0 {
			return parseError("frame", off, n)
		}
		off += n

		switch {
		case num == fieldMessageType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data[off:])
			if n < 0 {
				return parseError("type", off, n)
			}
			f.Type = FrameType(v)
			sawType = true
			off += n
		case num == fieldMessageRequest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data[off:])
			if n < 0 {
				return parseError("request", off, n)
			}
			reqAt, reqRaw = off+n-len(v), v
			off += n
		case num == fieldMessageResponse && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data[off:])
			if n < 0 {
				return parseError("response", off, n)
			}
			respAt, respRaw = off+n-len(v), v
			off += n
		default:
			n := protowire.ConsumeFieldValue(num, typ, data[off:])
			if n < 0 {
				return parseError("frame", off, n)
			}
			off += n
		}
	}

	if !sawType {
		return &DecodeError{Field: "type", Offset: off, Reason: "missing"}
	}

	switch f.Type {
	case FrameTypeRequest:
		if reqAt < 0 {
			return &DecodeError{Field: "request", Offset: off, Reason: "missing for REQUEST frame"}
		}
		req, err := decodeRequest(reqRaw, reqAt)
		if err != nil {
			return err
		}
		f.Request = req
	case FrameTypeResponse:
		if respAt < 0 {
			return &DecodeError{Field: "response", Offset: off, Reason: "missing for RESPONSE frame"}
		}
		resp, err := decodeResponse(respRaw, respAt)
		if err != nil {
			return err
		}
		f.Response = resp
	default:
		return &DecodeError{Field: "type", Offset: 0, Reason: fmt.Sprintf("unsupported frame type %d", int(f.Type))}
	}
	return nil
}

func decodeRequest(data []byte, base int) (*Request, error) {
	r := &Request{}
	off := 0
	for off < len(data) {
		num, typ, n := protowire.ConsumeTag(data[off:])
		if n < 0 {
			return nil, parseError("request", base+off, n)
		}
		off += n

		var err error
		switch {
		case num == fieldRequestVerb && typ == protowire.BytesType:
			r.Verb, n, err = consumeString("request.verb", data, off, base)
		case num == fieldRequestPath && typ == protowire.BytesType:
			r.Path, n, err = consumeString("request.path", data, off, base)
		case num == fieldRequestBody && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(data[off:])
			if n < 0 {
				return nil, parseError("request.body", base+off, n)
			}
			r.Body = append([]byte{}, v...)
		case num == fieldRequestID && typ == protowire.VarintType:
			r.ID, n = protowire.ConsumeVarint(data[off:])
			if n < 0 {
				return nil, parseError("request.id", base+off, n)
			}
		case num == fieldRequestHeaders && typ == protowire.BytesType:
			var h string
			h, n, err = consumeHeader("request.headers", data, off, base)
			r.Headers = append(r.Headers, h)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data[off:])
			if n < 0 {
				return nil, parseError("request", base+off, n)
			}
		}
		if err != nil {
			return nil, err
		}
		off += n
	}
	return r, nil
}

func decodeResponse(data []byte, base int) (*Response, error) {
	r := &Response{}
	sawID, sawStatus := false, false
	fail := func(err error) (*Response, error) {
		var de *DecodeError
		if sawID && errors.As(err, &de) {
			de.ResponseID, de.HasResponseID = r.ID, true
		}
		return nil, err
	}
	statusAt := base
	off := 0
	for off < len(data) {
		num, typ, n := protowire.ConsumeTag(data[off:])
		if n < 0 {
			return fail(parseError("response", base+off, n))
		}
		off += n

		var err error
		switch {
		case num == fieldResponseID && typ == protowire.VarintType:
			r.ID, n = protowire.ConsumeVarint(data[off:])
			if n < 0 {
				return fail(parseError("response.id", base+off, n))
			}
			sawID = true
		case num == fieldResponseStatus && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data[off:])
			if n < 0 {
				return fail(parseError("response.status", base+off, n))
			}
			if v > 0xFFFFFFFF {
				return fail(&DecodeError{Field: "response.status", Offset: base + off, Reason: "overflows uint32"})
			}
			r.Status = uint32(v)
			sawStatus = true
			statusAt = base + off
		case num == fieldResponseMessage && typ == protowire.BytesType:
			r.Message, n, err = consumeString("response.message", data, off, base)
		case num == fieldResponseBody && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(data[off:])
			if n < 0 {
				return fail(parseError("response.body", base+off, n))
			}
			r.Body = append([]byte{}, v...)
		case num == fieldResponseHeaders && typ == protowire.BytesType:
			var h string
			h, n, err = consumeHeader("response.headers", data, off, base)
			r.Headers = append(r.Headers, h)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data[off:])
			if n < 0 {
				return fail(parseError("response", base+off, n))
			}
		}
		if err != nil {
			return fail(err)
		}
		off += n
	}

	if !sawStatus {
		return fail(&DecodeError{Field: "response.status", Offset: base + off, Reason: "missing"})
	}
	if r.Status < 100 || r.Status > 599 {
		return fail(&DecodeError{Field: "response.status", Offset: statusAt, Reason: fmt.Sprintf("invalid status %d", r.Status)})
	}
	if r.Body == nil {
		r.Body = []byte{}
	}
	return r, nil
}

func consumeString(field string, data []byte, off, base int) (string, int, error) {
	v, n := protowire.ConsumeString(data[off:])
	if n < 0 {
		return "", 0, parseError(field, base+off, n)
	}
	return v, n, nil
}

func consumeHeader(field string, data []byte, off, base int) (string, int, error) {
	h, n, err := consumeString(field, data, off, base)
	if err != nil {
		return "", 0, err
	}
	if _, _, ok := strings.Cut(h, ":"); !ok {
		return "", 0, &DecodeError{Field: field, Offset: base + off, Reason: fmt.Sprintf("header %q has no ':' separator", h)}
	}
	return h, n, nil
}

func parseError(field string, offset, n int) error {
	return &DecodeError{Field: field, Offset: offset, Reason: protowire.ParseError(n).Error()}
}

// SplitHeader splits a "name:value" header line, trimming the value.
func SplitHeader(line string) (name, value string, ok bool) {
	name, value, ok = strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(name), strings.TrimSpace(value), true
}

// JoinHeader formats a header line.
func JoinHeader(name, value string) string {
	return name + ":" + value
}
