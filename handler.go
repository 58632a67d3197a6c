package chatnet

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/layr8/chatnet/internal/wire"
)

const (
	serverMessagePath    = "/api/v1/message"
	serverQueueEmptyPath = "/api/v1/queue/empty"
	timestampHeader      = "x-signal-timestamp"
)

// ServerMessageKind identifies a request pushed by the backend.
type ServerMessageKind int

const (
	// IncomingMessage delivers an envelope that must be acknowledged.
	IncomingMessage ServerMessageKind = iota
	// QueueEmpty signals that all queued envelopes have been delivered.
	QueueEmpty
)

func (k ServerMessageKind) String() string {
	switch k {
	case IncomingMessage:
		return "IncomingMessage"
	case QueueEmpty:
		return "QueueEmpty"
	default:
		return fmt.Sprintf("ServerMessageKind(%d)", int(k))
	}
}

// ServerMessage is a request the backend pushed over an open session.
type ServerMessage struct {
	Kind                    ServerMessageKind
	RequestID               uint64
	Envelope                []byte
	ServerDeliveryTimestamp time.Time

	ackFn   func() error
	ackOnce sync.Once
	ackErr  error
}

// Ack acknowledges an IncomingMessage to the backend. Only meaningful when
// the handler was registered with WithManualAck(); repeated calls are no-ops.
func (m *ServerMessage) Ack() error {
	if m.ackFn == nil {
		return nil
	}
	m.ackOnce.Do(func() {
		m.ackErr = m.ackFn()
	})
	return m.ackErr
}

// HandlerFunc is the signature for server message handlers.
type HandlerFunc func(msg *ServerMessage)

type handlerEntry struct {
	fn        HandlerFunc
	manualAck bool
}

type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[ServerMessageKind]handlerEntry
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[ServerMessageKind]handlerEntry),
	}
}

func (r *handlerRegistry) register(kind ServerMessageKind, fn HandlerFunc, opts ...HandlerOption) error {
	if fn == nil {
		return errors.New("handler must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for %s", kind)
	}

	o := handlerDefaults()
	for _, opt := range opts {
		opt(&o)
	}

	r.handlers[kind] = handlerEntry{
		fn:        fn,
		manualAck: o.manualAck,
	}
	return nil
}

func (r *handlerRegistry) lookup(kind ServerMessageKind) (handlerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.handlers[kind]
	return entry, ok
}

// parseServerRequest classifies a pushed request. Only PUT to the message
// and queue-empty paths is understood.
func parseServerRequest(req *wire.Request) (*ServerMessage, error) {
	if req.Verb != http.MethodPut {
		return nil, fmt.Errorf("server request used unexpected verb %s", req.Verb)
	}

	switch req.Path {
	case serverQueueEmptyPath:
		return &ServerMessage{Kind: QueueEmpty, RequestID: req.ID}, nil
	case serverMessagePath:
		// The body is not checked: an empty envelope is just a malformed
		// one and still has to be acked or it is redelivered forever.
		envelope := req.Body
		if envelope == nil {
			envelope = []byte{}
		}
		millis, _ := deliveryTimestamp(req.Headers)
		return &ServerMessage{
			Kind:                    IncomingMessage,
			RequestID:               req.ID,
			Envelope:                envelope,
			ServerDeliveryTimestamp: time.UnixMilli(int64(millis)),
		}, nil
	case "":
		return nil, errors.New("server request missing path")
	default:
		return nil, fmt.Errorf("server sent an unknown request: %s", req.Path)
	}
}

// deliveryTimestamp returns the last parseable timestamp header.
func deliveryTimestamp(headers []string) (uint64, bool) {
	var (
		ts    uint64
		found bool
	)
	for _, line := range headers {
		name, value, ok := wire.SplitHeader(line)
		if !ok || !strings.EqualFold(name, timestampHeader) {
			continue
		}
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			ts, found = v, true
		}
	}
	return ts, found
}
