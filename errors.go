package chatnet

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Sentinel errors for service state.
var (
	ErrNotConnected        = errors.New("chat service is not connected")
	ErrAlreadyConnected    = errors.New("chat service is already connected")
	ErrCredentialsRequired = errors.New("authenticated connect requires credentials")
	ErrTimeout             = errors.New("request timed out")
	ErrDisconnected        = errors.New("chat service disconnected")
)

// ErrorKind tags every error this package returns so callers can switch on
// the fault class without enumerating concrete types.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfiguration
	KindValidation
	KindCredentialsRequired
	KindAlreadyConnected
	KindNotConnected
	KindConnect
	KindTransient
	KindTimeout
	KindCodec
	KindService
	KindInactive
)

var errorKindNames = [...]string{
	KindUnknown:             "Unknown",
	KindConfiguration:       "Configuration",
	KindValidation:          "Validation",
	KindCredentialsRequired: "CredentialsRequired",
	KindAlreadyConnected:    "AlreadyConnected",
	KindNotConnected:        "NotConnected",
	KindConnect:             "Connect",
	KindTransient:           "Transient",
	KindTimeout:             "Timeout",
	KindCodec:               "Codec",
	KindService:             "Service",
	KindInactive:            "Inactive",
}

func (k ErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// KindOf classifies err. Errors from outside this package yield KindUnknown.
func KindOf(err error) ErrorKind {
	var k interface{ Kind() ErrorKind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, ErrCredentialsRequired):
		return KindCredentialsRequired
	case errors.Is(err, ErrAlreadyConnected):
		return KindAlreadyConnected
	case errors.Is(err, ErrNotConnected):
		return KindNotConnected
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrDisconnected):
		return KindInactive
	}
	return KindUnknown
}

// ConfigurationError reports an invalid local setting, such as a proxy port
// out of range. It never involves the network.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigurationError) Kind() ErrorKind { return KindConfiguration }

// ValidationError reports a malformed request rejected before any I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// ConnectError represents a failure to establish the initial connection.
// Stage is one of "resolve", "dial", "proxy" or "handshake".
type ConnectError struct {
	URL   string
	Stage string
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection error [%s] during %s: %v", e.URL, e.Stage, e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

func (e *ConnectError) Kind() ErrorKind { return KindConnect }

// TransportFault is a mid-session socket failure. The service retries these
// internally and only surfaces one once its reconnect policy is exhausted.
type TransportFault struct {
	Session string
	Cause   error
}

func (e *TransportFault) Error() string {
	return fmt.Sprintf("transport fault on session %s: %v", e.Session, e.Cause)
}

func (e *TransportFault) Unwrap() error { return e.Cause }

func (e *TransportFault) Kind() ErrorKind { return KindTransient }

// TimeoutError is returned when no response arrives within the request's deadline.
type TimeoutError struct {
	ID      uint64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %d: no response within %s", e.ID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

func (e *TimeoutError) Kind() ErrorKind { return KindTimeout }

// CodecError reports malformed wire data. It is scoped to a single request.
type CodecError struct {
	Field  string
	Offset int
	Cause  error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec error in %s at offset %d: %v", e.Field, e.Offset, e.Cause)
}

func (e *CodecError) Unwrap() error { return e.Cause }

func (e *CodecError) Kind() ErrorKind { return KindCodec }

// ServiceFault is the general chat service failure, used when no more
// specific kind applies.
type ServiceFault struct {
	Reason string
	Cause  error
}

func (e *ServiceFault) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("chat service error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("chat service error: %s", e.Reason)
}

func (e *ServiceFault) Unwrap() error { return e.Cause }

func (e *ServiceFault) Kind() ErrorKind { return KindService }

// InactiveFault signals that the session was torn down, either by an
// explicit Disconnect or because reconnecting was given up on, as opposed
// to a single request failing.
type InactiveFault struct {
	Reason string
	Cause  error
}

func (e *InactiveFault) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("chat service inactive: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("chat service inactive: %s", e.Reason)
}

func (e *InactiveFault) Unwrap() error { return e.Cause }

func (e *InactiveFault) Kind() ErrorKind { return KindInactive }

// AsyncErrorKind classifies errors that cannot be returned to a caller.
type AsyncErrorKind int

const (
	ErrLateResponse      AsyncErrorKind = iota // response for a request that already timed out or was never sent
	ErrMalformedFrame                          // inbound frame couldn't be decoded
	ErrUnhandledRequest                        // server request with unknown verb or path, or no handler registered
	ErrKeepAliveFailed                         // keep-alive request failed
	ErrConnectionDropped                       // connection dropped with no request in flight
)

var asyncErrorKindNames = [...]string{
	ErrLateResponse:      "ErrLateResponse",
	ErrMalformedFrame:    "ErrMalformedFrame",
	ErrUnhandledRequest:  "ErrUnhandledRequest",
	ErrKeepAliveFailed:   "ErrKeepAliveFailed",
	ErrConnectionDropped: "ErrConnectionDropped",
}

func (k AsyncErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(asyncErrorKindNames) {
		return asyncErrorKindNames[k]
	}
	return fmt.Sprintf("AsyncErrorKind(%d)", k)
}

// AsyncError represents an error that could not be delivered to a direct caller.
// These errors are routed to the ErrorHandler provided at service creation.
type AsyncError struct {
	Kind      AsyncErrorKind
	Session   string
	RequestID uint64
	Path      string // request path, if known
	Cause     error
	Raw       []byte // raw frame (for decode failures)
	Timestamp time.Time
}

func (e *AsyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v (session=%s id=%d path=%s)", e.Kind, e.Cause, e.Session, e.RequestID, e.Path)
	}
	return fmt.Sprintf("%s (session=%s id=%d path=%s)", e.Kind, e.Session, e.RequestID, e.Path)
}

func (e *AsyncError) Unwrap() error {
	return e.Cause
}

// ErrorHandler is called for every error that cannot be returned to a
// direct caller. It MUST be provided when creating a chat service.
type ErrorHandler func(AsyncError)

// LogErrors returns an ErrorHandler that logs all async errors to the given logger.
func LogErrors(logger *slog.Logger) ErrorHandler {
	return func(e AsyncError) {
		attrs := []any{
			"session", e.Session,
			"request_id", e.RequestID,
			"path", e.Path,
		}
		if e.Cause != nil {
			attrs = append(attrs, "error", e.Cause)
		}
		logger.Warn("[chatnet] "+e.Kind.String(), attrs...)
	}
}
