package wire_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/layr8/chatnet/internal/wire"
)

func TestFrame_RequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  wire.Request
	}{
		{
			name: "request with body and headers",
			req: wire.Request{
				Verb:    "PUT",
				Path:    "/v1/messages/+15551234567",
				Body:    []byte("content"),
				ID:      42,
				Headers: []string{"content-type:application/octet-stream", "forwarded:1.1.1.1"},
			},
		},
		{
			name: "request without body",
			req: wire.Request{
				Verb: "GET",
				Path: "/v1/keepalive",
				ID:   1,
			},
		},
		{
			name: "header order is preserved",
			req: wire.Request{
				Verb:    "GET",
				Path:    "/test",
				ID:      7,
				Headers: []string{"Zeta:1", "alpha:2", "Mid:3"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := wire.Frame{Type: wire.FrameTypeRequest, Request: &tt.req}
			data, err := in.Encode()
			require.NoError(t, err)

			var out wire.Frame
			require.NoError(t, out.Decode(data))
			assert.Equal(t, wire.FrameTypeRequest, out.Type)
			require.NotNil(t, out.Request)
			assert.Equal(t, tt.req.Verb, out.Request.Verb)
			assert.Equal(t, tt.req.Path, out.Request.Path)
			assert.Equal(t, tt.req.ID, out.Request.ID)
			assert.Equal(t, tt.req.Headers, out.Request.Headers)
			assert.Equal(t, tt.req.Body, out.Request.Body)
		})
	}
}

func TestFrame_ResponseRoundTrip(t *testing.T) {
	resp := wire.Response{
		ID:      9,
		Status:  200,
		Message: "OK",
		Headers: []string{"content-type:application/octet-stream", "forwarded:1.1.1.1"},
		Body:    []byte("content"),
	}
	data, err := (&wire.Frame{Type: wire.FrameTypeResponse, Response: &resp}).Encode()
	require.NoError(t, err)

	var out wire.Frame
	require.NoError(t, out.Decode(data))
	require.NotNil(t, out.Response)
	assert.Equal(t, resp, *out.Response)
}

func TestFrame_ResponseEmptyBodyIsNotNil(t *testing.T) {
	data, err := (&wire.Frame{
		Type:     wire.FrameTypeResponse,
		Response: &wire.Response{ID: 1, Status: 204},
	}).Encode()
	require.NoError(t, err)

	var out wire.Frame
	require.NoError(t, out.Decode(data))
	assert.NotNil(t, out.Response.Body)
	assert.Empty(t, out.Response.Body)
}

func TestFrame_EncodeRejectsInvalidFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame wire.Frame
	}{
		{name: "unknown type", frame: wire.Frame{Type: wire.FrameTypeUnknown}},
		{name: "request type without request", frame: wire.Frame{Type: wire.FrameTypeRequest}},
		{name: "response type without response", frame: wire.Frame{Type: wire.FrameTypeResponse}},
		{
			name: "header without separator",
			frame: wire.Frame{Type: wire.FrameTypeRequest, Request: &wire.Request{
				Verb: "GET", Path: "/", Headers: []string{"broken"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.frame.Encode()
			require.Error(t, err)
			assert.True(t, errors.Is(err, wire.ErrInvalidFrame))
		})
	}
}

func TestFrame_DecodeMalformed(t *testing.T) {
	valid, err := (&wire.Frame{
		Type:     wire.FrameTypeResponse,
		Response: &wire.Response{ID: 3, Status: 200, Message: "OK", Body: []byte("content")},
	}).Encode()
	require.NoError(t, err)

	responseWithStatus := func(status uint64) []byte {
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.VarintType)
		sub = protowire.AppendVarint(sub, 5)
		sub = protowire.AppendTag(sub, 2, protowire.VarintType)
		sub = protowire.AppendVarint(sub, status)
		var b []byte
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 2)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		return protowire.AppendBytes(b, sub)
	}

	withoutStatus := func() []byte {
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.VarintType)
		sub = protowire.AppendVarint(sub, 5)
		var b []byte
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 2)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		return protowire.AppendBytes(b, sub)
	}()

	tests := []struct {
		name      string
		data      []byte
		wantField string
	}{
		{name: "truncated", data: valid[:len(valid)-3], wantField: "response"},
		{name: "missing type", data: []byte{}, wantField: "type"},
		{name: "missing status", data: withoutStatus, wantField: "response.status"},
		{name: "status below range", data: responseWithStatus(42), wantField: "response.status"},
		{name: "status above range", data: responseWithStatus(700), wantField: "response.status"},
		{name: "garbage tag", data: []byte{0xff, 0xff, 0xff}, wantField: "frame"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f wire.Frame
			err := f.Decode(tt.data)
			require.Error(t, err)

			var decErr *wire.DecodeError
			require.True(t, errors.As(err, &decErr), "got %T", err)
			assert.Equal(t, tt.wantField, decErr.Field)
			assert.GreaterOrEqual(t, decErr.Offset, 0)
		})
	}
}

func TestFrame_DecodeSkipsUnknownFields(t *testing.T) {
	data, err := (&wire.Frame{
		Type:     wire.FrameTypeResponse,
		Response: &wire.Response{ID: 1, Status: 200, Message: "OK"},
	}).Encode()
	require.NoError(t, err)

	data = protowire.AppendTag(data, 15, protowire.BytesType)
	data = protowire.AppendString(data, "future extension")

	var out wire.Frame
	require.NoError(t, out.Decode(data))
	assert.Equal(t, uint32(200), out.Response.Status)
}

func TestSplitHeader(t *testing.T) {
	name, value, ok := wire.SplitHeader("X-Signal-Timestamp: 1700000000000")
	require.True(t, ok)
	assert.Equal(t, "X-Signal-Timestamp", name)
	assert.Equal(t, "1700000000000", value)

	_, _, ok = wire.SplitHeader("no separator")
	assert.False(t, ok)

	assert.Equal(t, "a:b", wire.JoinHeader("a", "b"))
}

func TestFrame_DecodeErrorCarriesResponseID(t *testing.T) {
	var sub []byte
	sub = protowire.AppendTag(sub, 1, protowire.VarintType)
	sub = protowire.AppendVarint(sub, 77)
	sub = protowire.AppendTag(sub, 5, protowire.BytesType)
	sub = protowire.AppendString(sub, "no-separator")
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 2)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, sub)

	var f wire.Frame
	err := f.Decode(b)

	var decErr *wire.DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, "response.headers", decErr.Field)
	assert.True(t, decErr.HasResponseID)
	assert.Equal(t, uint64(77), decErr.ResponseID)
}
