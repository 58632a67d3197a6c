package chatnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/layr8/chatnet/internal/wire"
)

// State is the lifecycle state of a ChatService.
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Credentials authenticate a session with the chat backend.
type Credentials struct {
	Username string
	Password string
}

// ChatService is a connection-oriented request/response channel to the chat
// backend. It multiplexes concurrent requests over one session and replaces
// the session transparently when the connection drops.
type ChatService struct {
	network  *Network
	opts     serviceOptions
	onError  ErrorHandler
	log      *slog.Logger
	registry *handlerRegistry

	// lifecycle serializes connect, disconnect and reconnect.
	lifecycle sync.Mutex

	mu            sync.Mutex
	state         State
	authenticated bool
	creds         *Credentials
	proxy         *ProxyConfig // route captured at connect
	sess          *session
	backoff       *backoff

	diag diagnostics

	disconnectFn func(error)
	reconnectFn  func()
}

func newChatService(n *Network, o serviceOptions, onError ErrorHandler) *ChatService {
	return &ChatService{
		network:  n,
		opts:     o,
		onError:  onError,
		log:      n.opts.logger.With("component", "chat"),
		registry: newHandlerRegistry(),
		backoff:  o.reconnect.newBackoff(),
	}
}

// State returns the current lifecycle state.
func (c *ChatService) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticated reports whether the current session was opened with credentials.
func (c *ChatService) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated && c.state == StateConnected
}

// DebugInfo returns the latest connection diagnostics.
func (c *ChatService) DebugInfo() DebugInfo {
	return c.diag.snapshot()
}

// OnServerMessage registers a handler for requests the backend pushes.
// Handlers must be registered before connecting.
func (c *ChatService) OnServerMessage(kind ServerMessageKind, fn HandlerFunc, opts ...HandlerOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnecting || c.state == StateConnected {
		return ErrAlreadyConnected
	}
	return c.registry.register(kind, fn, opts...)
}

// OnDisconnect registers a callback for when the session drops unexpectedly.
func (c *ChatService) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectFn = fn
}

// OnReconnect registers a callback for when a replacement session is up.
func (c *ChatService) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectFn = fn
}

// ConnectUnauthenticated opens a session without credentials.
func (c *ChatService) ConnectUnauthenticated(ctx context.Context) error {
	return c.connect(ctx, nil)
}

// ConnectAuthenticated opens a session that identifies the account.
func (c *ChatService) ConnectAuthenticated(ctx context.Context, creds Credentials) error {
	if creds.Username == "" {
		return ErrCredentialsRequired
	}
	return c.connect(ctx, &creds)
}

func (c *ChatService) connect(ctx context.Context, creds *Credentials) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateDisconnecting:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	route := c.network.Proxy()
	s, err := c.dialSession(ctx, route, creds)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateFailed
		return err
	}
	c.sess = s
	c.state = StateConnected
	c.authenticated = creds != nil
	c.creds = creds
	c.proxy = route
	c.backoff.reset()
	c.diag.recordConnected(s.ipType, s.info)
	return nil
}

// Disconnect closes the session. Requests still in flight fail with an
// InactiveFault. Calling Disconnect on a service that is not connected is a
// no-op.
func (c *ChatService) Disconnect() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state != StateConnected && c.state != StateFailed {
		c.mu.Unlock()
		return nil
	}
	s := c.sess
	c.sess = nil
	c.state = StateDisconnecting
	c.mu.Unlock()

	var err error
	if s != nil {
		err = s.close(&InactiveFault{Reason: "disconnected", Cause: ErrDisconnected})
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.authenticated = false
	c.mu.Unlock()

	c.log.Info("disconnected")
	return err
}

// Send issues req and waits for the matching response. A connection lost
// mid-request is replaced and the request retried, all within req's timeout.
func (c *ChatService) Send(ctx context.Context, req *Request) (*ResponseAndDebugInfo, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.sess == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	s := c.sess
	c.mu.Unlock()

	if err := req.validate(); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.opts.requestTimeout
	}
	start := time.Now()
	deadline := start.Add(timeout)

	// Reconnects share the request's deadline.
	rctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for retries := 0; ; retries++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &TimeoutError{Timeout: timeout}
		}

		resp, err := s.roundTrip(ctx, req, remaining)
		if err == nil {
			elapsed := time.Since(start)
			c.diag.recordRoundTrip(elapsed)
			info := c.diag.snapshot()
			info.Duration = elapsed
			return &ResponseAndDebugInfo{Response: resp, DebugInfo: info}, nil
		}

		var te *TimeoutError
		if errors.As(err, &te) {
			te.Timeout = timeout
			return nil, te
		}
		var tf *TransportFault
		if !errors.As(err, &tf) || retries >= c.opts.reconnect.MaxAttempts {
			return nil, err
		}

		s, err = c.reconnect(rctx, s)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, &TimeoutError{Timeout: timeout}
			}
			return nil, err
		}
	}
}

// reconnect replaces failed with a fresh session. Concurrent callers that
// lost the same session share one replacement.
func (c *ChatService) reconnect(ctx context.Context, failed *session) (*session, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		return nil, &InactiveFault{Reason: "service is " + state.String(), Cause: ErrDisconnected}
	}
	if c.sess != nil && c.sess != failed && c.sess.alive() {
		s := c.sess
		c.mu.Unlock()
		return s, nil
	}
	route, creds := c.proxy, c.creds
	c.mu.Unlock()

	_ = failed.close(&InactiveFault{Reason: "replaced by reconnect"})

	var lastErr error
	for attempt := 1; attempt <= c.opts.reconnect.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.backoff.wait(ctx); err != nil {
				return nil, err
			}
		}
		// The caller gave up; the service stays Connected and the next
		// Send starts over.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.diag.recordReconnect()
		c.log.Info("reconnecting", "attempt", attempt, "max_attempts", c.opts.reconnect.MaxAttempts)

		s, err := c.dialSession(ctx, route, creds)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		c.backoff.reset()

		c.mu.Lock()
		if c.state != StateConnected {
			c.mu.Unlock()
			_ = s.close(&InactiveFault{Reason: "service no longer connected"})
			return nil, &InactiveFault{Reason: "service no longer connected", Cause: ErrDisconnected}
		}
		c.sess = s
		reconnectFn := c.reconnectFn
		c.mu.Unlock()

		c.diag.recordConnected(s.ipType, s.info)
		c.log.Info("reconnected", "attempt", attempt)
		if reconnectFn != nil {
			reconnectFn()
		}
		return s, nil
	}

	c.mu.Lock()
	c.state = StateFailed
	c.sess = nil
	c.mu.Unlock()

	c.log.Error("giving up on reconnect", "attempts", c.opts.reconnect.MaxAttempts, "error", lastErr)
	return nil, &InactiveFault{Reason: "reconnect attempts exhausted", Cause: lastErr}
}

// dialSession opens a transport and wraps it in a session.
func (c *ChatService) dialSession(ctx context.Context, route *ProxyConfig, creds *Credentials) (*session, error) {
	n := c.network
	conn := &connector{
		resolver:     n.resolver,
		proxy:        route,
		proxyRootCAs: n.opts.proxyRootCAs,
		dial:         n.opts.dial,
	}
	ep := n.Endpoint()
	t := newWSTransport(ep, n.userAgent, creds, n.opts.rootCAs, n.opts.connectTimeout, conn)

	s := newSession(t, c.log, c.onError, c.opts.faultThreshold)
	s.serverRequestFn = c.handleServerRequest
	s.droppedFn = c.sessionDropped
	s.failedFn = c.sessionFailed

	if err := t.connect(ctx); err != nil {
		c.log.Warn("connect failed", "url", ep.URL(), "route", conn.route(), "error", err)
		return nil, err
	}

	remote := "unknown"
	if addr := t.remoteAddr(); addr != nil {
		remote = addr.String()
	}
	s.ipType = ipTypeOf(t.remoteAddr())
	s.info = fmt.Sprintf("%s via %s, remote %s, session %s", ep.URL(), conn.route(), remote, s.id)
	c.log.Info("connected", "url", ep.URL(), "route", conn.route(), "remote", remote, "session", s.id, "authenticated", creds != nil)

	if c.opts.keepAliveInterval > 0 {
		go s.keepAliveLoop(c.opts.keepAliveInterval, c.opts.requestTimeout)
	}
	return s, nil
}

// sessionDropped runs on the transport's read loop when the socket goes away.
// The next Send triggers the reconnect.
func (c *ChatService) sessionDropped(s *session, err error) {
	c.mu.Lock()
	current := c.sess == s && c.state == StateConnected
	if current && c.opts.reconnect.MaxAttempts == 0 {
		c.state = StateFailed
		c.sess = nil
	}
	disconnectFn := c.disconnectFn
	c.mu.Unlock()

	if !current {
		return
	}
	s.report(AsyncError{Kind: ErrConnectionDropped, Cause: err})
	if disconnectFn != nil {
		disconnectFn(err)
	}
}

// sessionFailed moves the service to Failed after too many consecutive
// request faults. Every other pending request gets an InactiveFault.
func (c *ChatService) sessionFailed(s *session, fault error) {
	c.mu.Lock()
	if c.sess == s {
		c.state = StateFailed
		c.sess = nil
	}
	c.mu.Unlock()

	c.log.Error("session failed", "session", s.id, "error", fault)
	_ = s.close(&InactiveFault{Reason: "session failed", Cause: fault})
}

func (c *ChatService) handleServerRequest(s *session, req *wire.Request) {
	msg, err := parseServerRequest(req)
	if err != nil {
		s.report(AsyncError{Kind: ErrUnhandledRequest, RequestID: req.ID, Path: req.Path, Cause: err})
		return
	}

	entry, ok := c.registry.lookup(msg.Kind)
	if !ok {
		s.report(AsyncError{
			Kind:      ErrUnhandledRequest,
			RequestID: req.ID,
			Path:      req.Path,
			Cause:     fmt.Errorf("no handler registered for %s", msg.Kind),
		})
		return
	}

	if msg.Kind == IncomingMessage {
		if _, found := deliveryTimestamp(req.Headers); !found {
			c.log.Warn("server delivered message without a timestamp", "session", s.id, "request_id", req.ID)
		}
		msg.ackFn = func() error {
			return s.sendResponse(msg.RequestID, http.StatusOK, "OK")
		}
		if !entry.manualAck {
			if err := msg.Ack(); err != nil {
				c.log.Warn("failed to ack message", "session", s.id, "request_id", req.ID, "error", err)
			}
		}
	}

	go entry.fn(msg)
}
