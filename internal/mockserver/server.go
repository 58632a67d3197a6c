// Package mockserver implements a small chat backend that speaks the
// binary request/response frames of the chat WebSocket. It answers every
// request with 200 OK, can push envelopes to connected clients and records
// their acknowledgements.
package mockserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/layr8/chatnet/internal/wire"
)

const (
	keepAlivePath  = "/v1/keepalive"
	messagePath    = "/api/v1/message"
	queueEmptyPath = "/api/v1/queue/empty"
)

// Ack is a client's response to a pushed request.
type Ack struct {
	RequestID uint64
	Path      string
	Status    uint32
	Message   string
}

// Handler answers a client request. Returning nil leaves the request
// unanswered.
type Handler func(req *wire.Request) *wire.Response

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for connection and frame events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithBasicAuth rejects upgrades that do not carry these credentials.
func WithBasicAuth(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
		s.requireAuth = true
	}
}

// WithQueueEmpty pushes a queue-empty request to every client right after
// it connects.
func WithQueueEmpty() Option {
	return func(s *Server) {
		s.queueEmpty = true
	}
}

// WithHandler replaces the default request handler.
func WithHandler(h Handler) Option {
	return func(s *Server) {
		s.handler = h
	}
}

type peer struct {
	conn   net.Conn
	remote string

	wmu sync.Mutex
}

func (p *peer) write(f *wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return wsutil.WriteServerBinary(p.conn, data)
}

// Server is an http.Handler that upgrades requests to chat sessions.
type Server struct {
	log         *slog.Logger
	handler     Handler
	requireAuth bool
	username    string
	password    string
	queueEmpty  bool

	nextID atomic.Uint64
	wg     sync.WaitGroup

	mu       sync.Mutex
	peers    map[*peer]struct{}
	pushed   map[uint64]string
	acks     []Ack
	requests int
	closed   bool
}

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{
		log:    slog.New(slog.DiscardHandler),
		peers:  make(map[*peer]struct{}),
		pushed: make(map[uint64]string),
	}
	s.handler = s.defaultResponse
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP authenticates and upgrades the request, then serves the session
// until the client goes away or the server is closed.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.requireAuth {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.username || pass != s.password {
			s.log.Warn("rejected upgrade", "remote", r.RemoteAddr, "reason", "bad credentials")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	p := &peer{conn: conn, remote: r.RemoteAddr}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	s.log.Info("client connected", "remote", p.remote, "user_agent", r.UserAgent())

	s.wg.Add(1)
	go s.serve(p)
}

func (s *Server) serve(p *peer) {
	defer s.wg.Done()
	defer s.remove(p)

	if s.queueEmpty {
		if _, err := s.push(p, queueEmptyPath, nil, nil); err != nil {
			s.log.Warn("queue empty push failed", "remote", p.remote, "error", err)
			return
		}
	}

	for {
		data, err := wsutil.ReadClientBinary(p.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) {
				s.log.Debug("read failed", "remote", p.remote, "error", err)
			}
			return
		}

		var f wire.Frame
		if err := f.Decode(data); err != nil {
			s.log.Warn("malformed frame", "remote", p.remote, "error", err)
			continue
		}

		switch f.Type {
		case wire.FrameTypeRequest:
			s.answer(p, f.Request)
		case wire.FrameTypeResponse:
			s.recordAck(f.Response)
		}
	}
}

func (s *Server) answer(p *peer, req *wire.Request) {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()

	s.log.Debug("request", "remote", p.remote, "verb", req.Verb, "path", req.Path, "id", req.ID)

	resp := s.handler(req)
	if resp == nil {
		return
	}
	resp.ID = req.ID
	if err := p.write(&wire.Frame{Type: wire.FrameTypeResponse, Response: resp}); err != nil {
		s.log.Warn("write response failed", "remote", p.remote, "id", req.ID, "error", err)
	}
}

func (s *Server) defaultResponse(req *wire.Request) *wire.Response {
	if req.Path == keepAlivePath {
		return &wire.Response{Status: http.StatusOK, Message: "OK"}
	}
	body, _ := json.Marshal(map[string]any{
		"verb":      req.Verb,
		"path":      req.Path,
		"body_size": len(req.Body),
	})
	return &wire.Response{
		Status:  http.StatusOK,
		Message: "OK",
		Headers: []string{wire.JoinHeader("content-type", "application/json")},
		Body:    body,
	}
}

func (s *Server) recordAck(resp *wire.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.pushed[resp.ID]
	if !ok {
		s.log.Warn("response to unknown request", "id", resp.ID)
		return
	}
	delete(s.pushed, resp.ID)
	s.acks = append(s.acks, Ack{RequestID: resp.ID, Path: path, Status: resp.Status, Message: resp.Message})
}

func (s *Server) push(p *peer, path string, headers []string, body []byte) (uint64, error) {
	id := s.nextID.Add(1)
	s.mu.Lock()
	s.pushed[id] = path
	s.mu.Unlock()

	err := p.write(&wire.Frame{
		Type: wire.FrameTypeRequest,
		Request: &wire.Request{
			Verb:    http.MethodPut,
			Path:    path,
			Body:    body,
			ID:      id,
			Headers: headers,
		},
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pushed, id)
		s.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// Deliver pushes an envelope to every connected client and returns the
// request IDs it was sent under.
func (s *Server) Deliver(envelope []byte) []uint64 {
	headers := []string{wire.JoinHeader("x-signal-timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))}

	var ids []uint64
	for _, p := range s.snapshot() {
		id, err := s.push(p, messagePath, headers, envelope)
		if err != nil {
			s.log.Warn("deliver failed", "remote", p.remote, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// DropAll closes every client connection without a close handshake.
func (s *Server) DropAll() {
	for _, p := range s.snapshot() {
		p.conn.Close()
	}
}

// PeerCount returns the number of connected clients.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// RequestCount returns how many client requests have been received.
func (s *Server) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Acks returns the acknowledgements received so far.
func (s *Server) Acks() []Ack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Ack, len(s.acks))
	copy(out, s.acks)
	return out
}

// Close sends a close frame to every client and waits for their sessions
// to end.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, p := range s.snapshot() {
		p.wmu.Lock()
		_ = wsutil.WriteServerMessage(p.conn, ws.OpClose, nil)
		p.wmu.Unlock()
		p.conn.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) snapshot() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Server) remove(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	p.conn.Close()
	s.log.Info("client disconnected", "remote", p.remote)
}

// String describes the server configuration for startup logs.
func (s *Server) String() string {
	return fmt.Sprintf("mockserver(auth=%t, queue_empty=%t)", s.requireAuth, s.queueEmpty)
}
