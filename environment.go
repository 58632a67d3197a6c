package chatnet

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Environment selects the backend a Network talks to.
type Environment int

const (
	Staging Environment = iota
	Production
)

func (e Environment) String() string {
	switch e {
	case Staging:
		return "staging"
	case Production:
		return "production"
	default:
		return fmt.Sprintf("Environment(%d)", int(e))
	}
}

// ParseEnvironment parses "staging" or "production" (case-insensitive).
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "staging":
		return Staging, nil
	case "production", "prod":
		return Production, nil
	}
	return 0, &ConfigurationError{Field: "environment", Value: s, Reason: "must be staging or production"}
}

// Endpoint is the WebSocket address of the chat backend.
type Endpoint struct {
	Scheme string // "wss" or "ws"
	Host   string
	Port   int
	Path   string
}

const chatWebSocketPath = "/v1/websocket/"

// Endpoint returns the default chat endpoint for the environment.
func (e Environment) Endpoint() Endpoint {
	switch e {
	case Production:
		return Endpoint{Scheme: "wss", Host: "chat.signal.org", Port: 443, Path: chatWebSocketPath}
	default:
		return Endpoint{Scheme: "wss", Host: "chat.staging.signal.org", Port: 443, Path: chatWebSocketPath}
	}
}

// Addr returns host:port.
func (ep Endpoint) Addr() string {
	return net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
}

// URL returns the full WebSocket URL.
func (ep Endpoint) URL() string {
	u := url.URL{Scheme: ep.Scheme, Host: ep.Addr(), Path: ep.Path}
	return u.String()
}

// ParseEndpoint parses a ws:// or wss:// URL. A missing port defaults to
// 80 or 443 by scheme.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, &ConfigurationError{Field: "endpoint", Value: raw, Reason: err.Error()}
	}
	ep := Endpoint{Scheme: u.Scheme, Host: u.Hostname(), Path: u.Path}
	switch ep.Scheme {
	case "ws":
		ep.Port = 80
	case "wss":
		ep.Port = 443
	default:
		return Endpoint{}, &ConfigurationError{Field: "endpoint", Value: raw, Reason: "scheme must be ws or wss"}
	}
	if ep.Host == "" {
		return Endpoint{}, &ConfigurationError{Field: "endpoint", Value: raw, Reason: "missing host"}
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Endpoint{}, &ConfigurationError{Field: "endpoint", Value: raw, Reason: "port out of range"}
		}
		ep.Port = port
	}
	if ep.Path == "" {
		ep.Path = chatWebSocketPath
	}
	return ep, nil
}
