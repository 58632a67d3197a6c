package chatnet

import (
	"crypto/x509"
	"log/slog"
	"net/netip"
	"time"
)

// NetworkOption configures a Network.
type NetworkOption func(*networkOptions)

type networkOptions struct {
	logger         *slog.Logger
	endpoint       *Endpoint
	rootCAs        *x509.CertPool
	proxyRootCAs   *x509.CertPool
	staticHosts    map[string][]netip.Addr
	ipv6           bool
	dial           DialContextFunc
	connectTimeout time.Duration
}

func networkDefaults() networkOptions {
	return networkOptions{
		logger:         discardLogger(),
		connectTimeout: 10 * time.Second,
	}
}

// WithLogger sets the structured logger used by the network and its services.
func WithLogger(l *slog.Logger) NetworkOption {
	return func(o *networkOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEndpoint overrides the environment's default chat endpoint.
func WithEndpoint(ep Endpoint) NetworkOption {
	return func(o *networkOptions) {
		o.endpoint = &ep
	}
}

// WithRootCAs sets the trust anchors for the chat endpoint's certificate.
// Nil uses the system roots.
func WithRootCAs(pool *x509.CertPool) NetworkOption {
	return func(o *networkOptions) {
		o.rootCAs = pool
	}
}

// WithProxyRootCAs sets the trust anchors for TLS proxies.
func WithProxyRootCAs(pool *x509.CertPool) NetworkOption {
	return func(o *networkOptions) {
		o.proxyRootCAs = pool
	}
}

// WithStaticHosts pins host names to fixed addresses, bypassing DNS.
func WithStaticHosts(hosts map[string][]netip.Addr) NetworkOption {
	return func(o *networkOptions) {
		o.staticHosts = hosts
	}
}

// WithIPv6 allows connecting to IPv6 addresses.
func WithIPv6(enabled bool) NetworkOption {
	return func(o *networkOptions) {
		o.ipv6 = enabled
	}
}

// WithDialContext replaces the function used to open raw TCP connections.
func WithDialContext(fn DialContextFunc) NetworkOption {
	return func(o *networkOptions) {
		o.dial = fn
	}
}

// WithConnectTimeout bounds proxy and WebSocket handshakes.
func WithConnectTimeout(d time.Duration) NetworkOption {
	return func(o *networkOptions) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// ServiceOption configures a ChatService.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	requestTimeout    time.Duration
	keepAliveInterval time.Duration
	reconnect         ReconnectPolicy
	faultThreshold    int
}

func serviceDefaults() serviceOptions {
	return serviceOptions{
		requestTimeout:    10 * time.Second,
		keepAliveInterval: 30 * time.Second,
		reconnect:         DefaultReconnectPolicy(),
		faultThreshold:    3,
	}
}

// WithRequestTimeout sets the timeout used by requests that don't carry one.
func WithRequestTimeout(d time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithKeepAlive sets the keep-alive interval. Zero disables keep-alives.
func WithKeepAlive(interval time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		o.keepAliveInterval = interval
	}
}

// WithReconnectPolicy replaces the default reconnect policy.
func WithReconnectPolicy(p ReconnectPolicy) ServiceOption {
	return func(o *serviceOptions) {
		o.reconnect = p
	}
}

// WithFaultThreshold sets how many consecutive timeouts or codec errors mark
// the session failed. Zero disables the check.
func WithFaultThreshold(n int) ServiceOption {
	return func(o *serviceOptions) {
		o.faultThreshold = n
	}
}

// HandlerOption configures handler behavior.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	manualAck bool
}

func handlerDefaults() handlerOptions {
	return handlerOptions{
		manualAck: false,
	}
}

// WithManualAck disables auto-acknowledgment for a handler.
// The handler must call msg.Ack() explicitly after successful processing.
func WithManualAck() HandlerOption {
	return func(o *handlerOptions) {
		o.manualAck = true
	}
}
