package chatnet

import (
	"errors"
	"log/slog"
	"net"
	"sync"
)

// Network holds the settings shared by the chat services it creates: the
// environment, the user agent and the proxy. Services copy what they need
// when they connect and share no mutable state with each other.
type Network struct {
	env       Environment
	userAgent string
	opts      networkOptions
	service   serviceOptions
	resolver  *resolver

	mu    sync.RWMutex
	proxy *ProxyConfig
}

// NewNetwork creates a Network for the given environment. userAgent is sent
// on every connection handshake.
func NewNetwork(env Environment, userAgent string, opts ...NetworkOption) (*Network, error) {
	if env != Staging && env != Production {
		return nil, &ConfigurationError{Field: "environment", Value: env.String(), Reason: "must be staging or production"}
	}

	o := networkDefaults()
	for _, opt := range opts {
		opt(&o)
	}
	if o.dial == nil {
		d := &net.Dialer{Timeout: o.connectTimeout}
		o.dial = d.DialContext
	}

	return &Network{
		env:       env,
		userAgent: userAgent,
		opts:      o,
		service:   serviceDefaults(),
		resolver:  newResolver(o.staticHosts, o.ipv6),
	}, nil
}

// Environment returns the environment the network was created for.
func (n *Network) Environment() Environment {
	return n.env
}

// Endpoint returns the chat endpoint services connect to.
func (n *Network) Endpoint() Endpoint {
	if n.opts.endpoint != nil {
		return *n.opts.endpoint
	}
	return n.env.Endpoint()
}

// SetProxy routes future connections through a TLS-forwarding proxy.
// On invalid input the previous setting is kept. Sessions that are already
// connected keep the route they were opened with.
func (n *Network) SetProxy(host string, port int) error {
	return n.SetProxyConfig(ProxyConfig{Scheme: ProxySchemeTLS, Host: host, Port: port})
}

// SetProxyConfig is SetProxy for any supported proxy scheme.
func (n *Network) SetProxyConfig(p ProxyConfig) error {
	if err := p.validate(); err != nil {
		return err
	}
	n.mu.Lock()
	n.proxy = &p
	n.mu.Unlock()
	n.opts.logger.Info("proxy configured", "route", p.String())
	return nil
}

// ClearProxy makes future connections direct.
func (n *Network) ClearProxy() {
	n.mu.Lock()
	n.proxy = nil
	n.mu.Unlock()
}

// Proxy returns a copy of the current proxy setting, or nil.
func (n *Network) Proxy() *ProxyConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.proxy == nil {
		return nil
	}
	p := *n.proxy
	return &p
}

// NewChatService creates an unconnected chat service. The onError handler
// receives errors that cannot be returned to a caller, such as responses
// that arrive after their request timed out.
func (n *Network) NewChatService(onError ErrorHandler, opts ...ServiceOption) (*ChatService, error) {
	if onError == nil {
		return nil, errors.New("ErrorHandler must not be nil")
	}

	o := n.service
	for _, opt := range opts {
		opt(&o)
	}
	if o.reconnect.MaxAttempts < 0 {
		return nil, &ConfigurationError{Field: "reconnect attempts", Value: "negative", Reason: "must be >= 0"}
	}

	return newChatService(n, o, onError), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
