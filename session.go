package chatnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/layr8/chatnet/internal/wire"
)

const keepAlivePath = "/v1/keepalive"

type roundTripResult struct {
	resp *Response
	err  error
}

// session is one live transport connection plus the table of requests
// waiting on it. Sessions are never reused: a reconnect builds a new one.
type session struct {
	id        string
	t         transport
	log       *slog.Logger
	onError   ErrorHandler
	threshold int

	// set once connected
	ipType IPType
	info   string

	nextID  atomic.Uint64
	pending sync.Map // request ID -> chan roundTripResult
	faults  atomic.Int32

	serverRequestFn func(s *session, req *wire.Request)
	droppedFn       func(s *session, err error)
	failedFn        func(s *session, err error)

	done     chan struct{}
	downOnce sync.Once
	downErr  error
}

func newSession(t transport, log *slog.Logger, onError ErrorHandler, threshold int) *session {
	s := &session{
		id:        uuid.New().String(),
		t:         t,
		onError:   onError,
		threshold: threshold,
		done:      make(chan struct{}),
	}
	s.log = log.With("session", s.id)
	t.setFrameHandler(s.handleFrame)
	t.onDisconnect(s.drop)
	return s
}

// alive reports whether the session still accepts requests.
func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// roundTrip sends req under a fresh correlation ID and waits for the
// matching response, the timeout, ctx, or the session going down.
func (s *session) roundTrip(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	id := s.nextID.Add(1)
	data, err := (&wire.Frame{Type: wire.FrameTypeRequest, Request: req.toWire(id)}).Encode()
	if err != nil {
		return nil, &CodecError{Field: "request", Cause: err}
	}

	ch := make(chan roundTripResult, 1)
	s.pending.Store(id, ch)

	select {
	case <-s.done:
		if _, ok := s.pending.LoadAndDelete(id); ok {
			return nil, s.downErr
		}
		r := <-ch
		return r.resp, r.err
	default:
	}

	if err := s.t.send(data); err != nil {
		s.drop(err)
		if _, ok := s.pending.LoadAndDelete(id); ok {
			return nil, &TransportFault{Session: s.id, Cause: err}
		}
		r := <-ch
		return r.resp, r.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-timer.C:
		if _, ok := s.pending.LoadAndDelete(id); !ok {
			r := <-ch
			return r.resp, r.err
		}
		s.log.Debug("request timed out", "request_id", id, "path", req.PathAndQuery, "timeout", timeout)
		s.noteFault()
		return nil, &TimeoutError{ID: id, Timeout: timeout}
	case <-ctx.Done():
		if _, ok := s.pending.LoadAndDelete(id); !ok {
			r := <-ch
			return r.resp, r.err
		}
		return nil, ctx.Err()
	}
}

// sendResponse answers a server-initiated request.
func (s *session) sendResponse(id uint64, status int, message string) error {
	if !s.alive() {
		return &InactiveFault{Reason: "session closed", Cause: s.downErr}
	}
	data, err := (&wire.Frame{
		Type:     wire.FrameTypeResponse,
		Response: &wire.Response{ID: id, Status: uint32(status), Message: message, Body: []byte{}},
	}).Encode()
	if err != nil {
		return &CodecError{Field: "response", Cause: err}
	}
	if err := s.t.send(data); err != nil {
		s.drop(err)
		return &TransportFault{Session: s.id, Cause: err}
	}
	return nil
}

// handleFrame is called by the transport's read loop for every inbound frame.
func (s *session) handleFrame(data []byte) {
	var f wire.Frame
	if err := f.Decode(data); err != nil {
		de := &wire.DecodeError{Field: "frame"}
		errors.As(err, &de)
		cerr := &CodecError{Field: de.Field, Offset: de.Offset, Cause: err}

		if de.HasResponseID {
			if ch, ok := s.pending.LoadAndDelete(de.ResponseID); ok {
				ch.(chan roundTripResult) <- roundTripResult{err: cerr}
				s.noteFault()
				return
			}
		}
		s.report(AsyncError{Kind: ErrMalformedFrame, Cause: cerr, Raw: data})
		s.noteFault()
		return
	}

	switch f.Type {
	case wire.FrameTypeResponse:
		ch, ok := s.pending.LoadAndDelete(f.Response.ID)
		if !ok {
			s.report(AsyncError{Kind: ErrLateResponse, RequestID: f.Response.ID})
			return
		}
		s.faults.Store(0)
		ch.(chan roundTripResult) <- roundTripResult{resp: responseFromWire(f.Response)}
	case wire.FrameTypeRequest:
		if s.serverRequestFn != nil {
			s.serverRequestFn(s, f.Request)
		}
	}
}

// noteFault counts a request-scoped failure. Once threshold consecutive
// failures accumulate the session is declared failed.
func (s *session) noteFault() {
	if s.threshold <= 0 {
		return
	}
	n := int(s.faults.Add(1))
	if n < s.threshold {
		return
	}
	fault := &ServiceFault{Reason: fmt.Sprintf("%d consecutive request failures", n)}
	s.log.Warn("session failure threshold reached", "failures", n)
	if s.failedFn != nil {
		s.failedFn(s, fault)
	} else {
		s.close(&InactiveFault{Reason: "session failed", Cause: fault})
	}
}

// drop handles an unexpected loss of the connection. The owner hears about
// it before pending requests are failed, so it still sees this session as current.
func (s *session) drop(err error) {
	if !s.markDown(&TransportFault{Session: s.id, Cause: err}) {
		s.failPending()
		return
	}
	s.log.Warn("connection dropped", "error", err)
	_ = s.t.close()
	if s.droppedFn != nil {
		s.droppedFn(s, err)
	}
	s.failPending()
}

// close tears the session down on purpose; pending requests receive reason.
func (s *session) close(reason error) error {
	if !s.shutdown(reason) {
		return nil
	}
	return s.t.close()
}

// shutdown marks the session down and fails every pending request with the
// first recorded cause. It reports whether this call did the marking.
func (s *session) shutdown(cause error) bool {
	first := s.markDown(cause)
	s.failPending()
	return first
}

func (s *session) markDown(cause error) bool {
	first := false
	s.downOnce.Do(func() {
		first = true
		s.downErr = cause
		close(s.done)
	})
	return first
}

func (s *session) failPending() {
	s.pending.Range(func(key, _ any) bool {
		if ch, ok := s.pending.LoadAndDelete(key); ok {
			ch.(chan roundTripResult) <- roundTripResult{err: s.downErr}
		}
		return true
	})
}

func (s *session) keepAliveLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			req := &Request{Method: "GET", PathAndQuery: keepAlivePath}
			if _, err := s.roundTrip(context.Background(), req, timeout); err != nil {
				if !s.alive() {
					return
				}
				s.report(AsyncError{Kind: ErrKeepAliveFailed, Path: keepAlivePath, Cause: err})
			}
		}
	}
}

func (s *session) report(e AsyncError) {
	e.Session = s.id
	e.Timestamp = time.Now()
	if s.onError != nil {
		s.onError(e)
	}
}
