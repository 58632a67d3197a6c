package chatnet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"golang.org/x/net/proxy"
)

// DialContextFunc opens a raw network connection. It matches net.Dialer.DialContext.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// stageError tags a dial failure with the connection stage it happened in.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

// connector dials the chat endpoint, directly or through a proxy, and
// remembers the remote address of the socket it ended up with.
type connector struct {
	resolver     *resolver
	proxy        *ProxyConfig
	proxyRootCAs *x509.CertPool
	dial         DialContextFunc

	mu     sync.Mutex
	remote net.Addr
}

func (c *connector) remoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *connector) route() string {
	if c.proxy == nil {
		return "direct"
	}
	return c.proxy.String()
}

// dialContext is installed as the WebSocket dialer's NetDialContext.
func (c *connector) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	switch {
	case c.proxy == nil:
		conn, err = c.dialResolved(ctx, network, addr, "dial")
	case c.proxy.Scheme == ProxySchemeSOCKS5:
		conn, err = c.dialSOCKS5(ctx, network, addr)
	default:
		conn, err = c.dialTLSProxy(ctx, network)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.remote = conn.RemoteAddr()
	c.mu.Unlock()
	return conn, nil
}

// dialResolved resolves the host part of addr and tries each address in turn.
// Connection failures are tagged with stage; resolution failures with "resolve".
func (c *connector) dialResolved(ctx context.Context, network, addr, stage string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &stageError{stage: stage, err: err}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, &stageError{stage: stage, err: err}
	}

	ips, err := c.resolver.resolve(ctx, host)
	if err != nil {
		return nil, &stageError{stage: "resolve", err: err}
	}

	var errs []error
	for _, ip := range ips {
		target := netip.AddrPortFrom(ip, uint16(port)).String()
		conn, err := c.dial(ctx, network, target)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &stageError{stage: stage, err: errors.Join(errs...)}
}

// dialTLSProxy connects to the proxy over TLS. The proxy forwards the
// stream to the chat endpoint, so the caller's TLS handshake runs inside.
func (c *connector) dialTLSProxy(ctx context.Context, network string) (net.Conn, error) {
	raw, err := c.dialResolved(ctx, network, c.proxy.Addr(), "proxy")
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(raw, &tls.Config{
		ServerName: c.proxy.Host,
		RootCAs:    c.proxyRootCAs,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, &stageError{stage: "proxy", err: fmt.Errorf("tls handshake with %s: %w", c.proxy.Addr(), err)}
	}
	return tlsConn, nil
}

func (c *connector) dialSOCKS5(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if c.proxy.Username != "" {
		auth = &proxy.Auth{User: c.proxy.Username, Password: c.proxy.Password}
	}
	d, err := proxy.SOCKS5("tcp", c.proxy.Addr(), auth, socksForward{c: c})
	if err != nil {
		return nil, &stageError{stage: "proxy", err: err}
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, &stageError{stage: "proxy", err: errors.New("socks5 dialer does not support contexts")}
	}
	conn, err := cd.DialContext(ctx, network, addr)
	if err != nil {
		var se *stageError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &stageError{stage: "proxy", err: err}
	}
	return conn, nil
}

// socksForward lets the SOCKS5 dialer reach the proxy through our resolver.
type socksForward struct {
	c *connector
}

func (f socksForward) Dial(network, addr string) (net.Conn, error) {
	return f.DialContext(context.Background(), network, addr)
}

func (f socksForward) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f.c.dialResolved(ctx, network, addr, "proxy")
}
