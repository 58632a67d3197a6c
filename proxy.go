package chatnet

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ProxyScheme selects how connections are forwarded through a proxy.
type ProxyScheme string

const (
	// ProxySchemeTLS opens a TLS connection to the proxy, which forwards the
	// byte stream to the chat endpoint. The chat TLS session runs inside it.
	ProxySchemeTLS ProxyScheme = "tls"
	// ProxySchemeSOCKS5 tunnels through a SOCKS5 server.
	ProxySchemeSOCKS5 ProxyScheme = "socks5"
)

// defaultProxyPort is used by ParseProxy when no port is given.
const defaultProxyPort = 443

// ProxyConfig is a validated proxy target.
type ProxyConfig struct {
	Scheme   ProxyScheme
	Host     string
	Port     int
	Username string // SOCKS5 only
	Password string // SOCKS5 only
}

// Addr returns host:port.
func (p ProxyConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p ProxyConfig) String() string {
	return fmt.Sprintf("%s-proxy %s", p.Scheme, p.Addr())
}

func (p ProxyConfig) validate() error {
	switch p.Scheme {
	case ProxySchemeTLS, ProxySchemeSOCKS5:
	default:
		return &ConfigurationError{Field: "scheme", Value: string(p.Scheme), Reason: "must be tls or socks5"}
	}
	if strings.TrimSpace(p.Host) == "" {
		return &ConfigurationError{Field: "host", Value: p.Host, Reason: "must not be empty"}
	}
	if strings.ContainsAny(p.Host, " \t\r\n/@") {
		return &ConfigurationError{Field: "host", Value: p.Host, Reason: "is not a valid host name"}
	}
	if p.Port < 1 || p.Port > 65535 {
		return &ConfigurationError{Field: "port", Value: strconv.Itoa(p.Port), Reason: "must be in [1, 65535]"}
	}
	if p.Scheme == ProxySchemeTLS && (p.Username != "" || p.Password != "") {
		return &ConfigurationError{Field: "scheme", Value: string(p.Scheme), Reason: "tls proxies do not take credentials"}
	}
	return nil
}

// ParseProxy parses "host", "host:port" or "socks5://[user:pass@]host:port".
// Without a scheme a TLS proxy is assumed; without a port 443 is used.
func ParseProxy(s string) (*ProxyConfig, error) {
	s = strings.TrimSpace(s)
	p := &ProxyConfig{Scheme: ProxySchemeTLS, Port: defaultProxyPort}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return nil, &ConfigurationError{Field: "proxy", Value: s, Reason: err.Error()}
		}
		p.Scheme = ProxyScheme(strings.ToLower(u.Scheme))
		p.Host = u.Hostname()
		if u.User != nil {
			p.Username = u.User.Username()
			p.Password, _ = u.User.Password()
		}
		if port := u.Port(); port != "" {
			n, err := strconv.Atoi(port)
			if err != nil {
				return nil, &ConfigurationError{Field: "port", Value: port, Reason: "is not a number"}
			}
			p.Port = n
		} else if p.Scheme == ProxySchemeSOCKS5 {
			p.Port = 1080
		}
	} else {
		parts := strings.Split(s, ":")
		switch len(parts) {
		case 1:
			p.Host = parts[0]
		case 2:
			p.Host = parts[0]
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, &ConfigurationError{Field: "port", Value: parts[1], Reason: "is not a number"}
			}
			p.Port = n
		default:
			return nil, &ConfigurationError{Field: "proxy", Value: s, Reason: "expected host or host:port"}
		}
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}
