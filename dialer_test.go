package chatnet

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// relay copies bytes both ways until either side closes.
func relay(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
	a.Close()
	b.Close()
}

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// tlsForwarder accepts TLS connections and forwards the decrypted stream to
// a fixed target, the way a TLS-forwarding proxy does.
type tlsForwarder struct {
	ln       net.Listener
	pool     *x509.CertPool
	accepted atomic.Int32
}

func startTLSForwarder(t *testing.T, target string) *tlsForwarder {
	t.Helper()

	// Borrow httptest's self-signed certificate; it is valid for 127.0.0.1.
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	cfg := ts.TLS.Clone()
	cfg.NextProtos = nil
	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())
	ts.Close()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("tls.Listen() error: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	f := &tlsForwarder{ln: ln, pool: pool}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			f.accepted.Add(1)
			go func() {
				up, err := net.Dial("tcp", target)
				if err != nil {
					c.Close()
					return
				}
				relay(c, up)
			}()
		}
	}()
	return f
}

func (f *tlsForwarder) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

// socks5Server is a minimal CONNECT-only SOCKS5 server.
type socks5Server struct {
	ln       net.Listener
	user     string
	password string

	mu      sync.Mutex
	targets []string
	authed  []string
}

func startSOCKS5Server(t *testing.T, user, password string) *socks5Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	s := &socks5Server{ln: ln, user: user, password: password}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(c)
		}
	}()
	return s
}

func (s *socks5Server) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *socks5Server) serve(c net.Conn) {
	up, err := s.handshake(c)
	if err != nil {
		c.Close()
		return
	}
	relay(c, up)
}

func (s *socks5Server) handshake(c net.Conn) (net.Conn, error) {
	// greeting: VER NMETHODS METHODS...
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(c, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != 0x05 {
		return nil, errors.New("not socks5")
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(c, methods); err != nil {
		return nil, err
	}

	if s.user == "" {
		c.Write([]byte{0x05, 0x00})
	} else {
		c.Write([]byte{0x05, 0x02})
		// RFC 1929: VER ULEN UNAME PLEN PASSWD
		ver := make([]byte, 2)
		if _, err := io.ReadFull(c, ver); err != nil {
			return nil, err
		}
		uname := make([]byte, ver[1])
		if _, err := io.ReadFull(c, uname); err != nil {
			return nil, err
		}
		plen := make([]byte, 1)
		if _, err := io.ReadFull(c, plen); err != nil {
			return nil, err
		}
		passwd := make([]byte, plen[0])
		if _, err := io.ReadFull(c, passwd); err != nil {
			return nil, err
		}
		if string(uname) != s.user || string(passwd) != s.password {
			c.Write([]byte{0x01, 0x01})
			return nil, errors.New("bad credentials")
		}
		s.mu.Lock()
		s.authed = append(s.authed, string(uname))
		s.mu.Unlock()
		c.Write([]byte{0x01, 0x00})
	}

	// request: VER CMD RSV ATYP DST.ADDR DST.PORT
	req := make([]byte, 4)
	if _, err := io.ReadFull(c, req); err != nil {
		return nil, err
	}
	if req[1] != 0x01 {
		return nil, errors.New("only CONNECT is supported")
	}
	var host string
	switch req[3] {
	case 0x01:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(c, ip); err != nil {
			return nil, err
		}
		host = net.IP(ip).String()
	case 0x03:
		l := make([]byte, 1)
		if _, err := io.ReadFull(c, l); err != nil {
			return nil, err
		}
		name := make([]byte, l[0])
		if _, err := io.ReadFull(c, name); err != nil {
			return nil, err
		}
		host = string(name)
	case 0x04:
		ip := make([]byte, 16)
		if _, err := io.ReadFull(c, ip); err != nil {
			return nil, err
		}
		host = net.IP(ip).String()
	default:
		return nil, errors.New("unsupported address type")
	}
	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(c, portBuf); err != nil {
		return nil, err
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(portBuf))))

	up, err := net.Dial("tcp", target)
	if err != nil {
		c.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		return nil, err
	}
	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.mu.Unlock()

	c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	return up, nil
}

func (s *socks5Server) seen() (targets, authed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...), append([]string(nil), s.authed...)
}

func assertProxyConnectError(t *testing.T, cs *ChatService, err error) {
	t.Helper()
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("ConnectUnauthenticated() = %v, want *ConnectError", err)
	}
	if ce.Stage != "proxy" {
		t.Errorf("Stage = %q, want proxy", ce.Stage)
	}
	if KindOf(err) != KindConnect {
		t.Errorf("KindOf() = %v, want Connect", KindOf(err))
	}
	if cs.State() != StateFailed {
		t.Errorf("State() = %v, want failed", cs.State())
	}
}

func TestChatService_TLSProxyUnreachable(t *testing.T) {
	mock, ep := setupMockServer(t)
	n := newTestNetwork(t, WithEndpoint(ep))
	if err := n.SetProxy("127.0.0.1", closedPort(t)); err != nil {
		t.Fatalf("SetProxy() error: %v", err)
	}
	cs, _ := n.NewChatService(discardErrors, WithKeepAlive(0))

	err := cs.ConnectUnauthenticated(testContext(t))
	assertProxyConnectError(t, cs, err)
	if mock.connCount() != 0 {
		t.Error("the chat endpoint must not be reached when the proxy is down")
	}
}

func TestChatService_TLSProxyUntrusted(t *testing.T) {
	mock, ep := setupMockServer(t)
	fwd := startTLSForwarder(t, ep.Addr())

	// no WithProxyRootCAs: the self-signed proxy certificate is rejected
	n := newTestNetwork(t, WithEndpoint(ep))
	if err := n.SetProxy("127.0.0.1", fwd.port()); err != nil {
		t.Fatalf("SetProxy() error: %v", err)
	}
	cs, _ := n.NewChatService(discardErrors, WithKeepAlive(0))

	err := cs.ConnectUnauthenticated(testContext(t))
	assertProxyConnectError(t, cs, err)
	if mock.connCount() != 0 {
		t.Error("the chat endpoint must not be reached through an untrusted proxy")
	}
}

func TestChatService_ThroughTLSProxy(t *testing.T) {
	mock, ep := setupMockServer(t)
	fwd := startTLSForwarder(t, ep.Addr())

	n := newTestNetwork(t, WithEndpoint(ep), WithProxyRootCAs(fwd.pool))
	if err := n.SetProxy("127.0.0.1", fwd.port()); err != nil {
		t.Fatalf("SetProxy() error: %v", err)
	}
	cs, _ := n.NewChatService(discardErrors, WithKeepAlive(0))
	defer cs.Disconnect()

	if err := cs.ConnectUnauthenticated(testContext(t)); err != nil {
		t.Fatalf("ConnectUnauthenticated() error: %v", err)
	}
	waitFor(t, time.Second, func() bool { return mock.connCount() == 1 })

	res, err := cs.Send(testContext(t), NewRequest("GET", "/v1/config", nil, nil, 2*time.Second))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if res.Response.Status != 200 {
		t.Errorf("Status = %d, want 200", res.Response.Status)
	}

	proxyAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(fwd.port()))
	info := res.DebugInfo
	if !strings.Contains(info.ConnectionInfo, "via tls-proxy "+proxyAddr) {
		t.Errorf("ConnectionInfo = %q, want the tls proxy route", info.ConnectionInfo)
	}
	if !strings.Contains(info.ConnectionInfo, "remote "+proxyAddr) {
		t.Errorf("ConnectionInfo = %q, want the proxy as remote", info.ConnectionInfo)
	}
	if info.IPType != IPTypeIPv4 {
		t.Errorf("IPType = %v, want IPv4", info.IPType)
	}
	if got := fwd.accepted.Load(); got != 1 {
		t.Errorf("proxy accepted %d connections, want 1", got)
	}
}

func TestChatService_SOCKS5ProxyUnreachable(t *testing.T) {
	_, ep := setupMockServer(t)
	n := newTestNetwork(t, WithEndpoint(ep))
	if err := n.SetProxyConfig(ProxyConfig{Scheme: ProxySchemeSOCKS5, Host: "127.0.0.1", Port: closedPort(t)}); err != nil {
		t.Fatalf("SetProxyConfig() error: %v", err)
	}
	cs, _ := n.NewChatService(discardErrors, WithKeepAlive(0))

	err := cs.ConnectUnauthenticated(testContext(t))
	assertProxyConnectError(t, cs, err)
}

func TestChatService_ThroughSOCKS5Proxy(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		password string
	}{
		{"no auth", "", ""},
		{"username and password", "relay-user", "s3cret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, ep := setupMockServer(t)
			socks := startSOCKS5Server(t, tt.user, tt.password)

			n := newTestNetwork(t, WithEndpoint(ep))
			err := n.SetProxyConfig(ProxyConfig{
				Scheme:   ProxySchemeSOCKS5,
				Host:     "127.0.0.1",
				Port:     socks.port(),
				Username: tt.user,
				Password: tt.password,
			})
			if err != nil {
				t.Fatalf("SetProxyConfig() error: %v", err)
			}
			cs, _ := n.NewChatService(discardErrors, WithKeepAlive(0))
			defer cs.Disconnect()

			if err := cs.ConnectUnauthenticated(testContext(t)); err != nil {
				t.Fatalf("ConnectUnauthenticated() error: %v", err)
			}
			waitFor(t, time.Second, func() bool { return mock.connCount() == 1 })

			res, err := cs.Send(testContext(t), NewRequest("GET", "/v1/config", nil, nil, 2*time.Second))
			if err != nil {
				t.Fatalf("Send() error: %v", err)
			}
			if res.Response.Status != 200 {
				t.Errorf("Status = %d, want 200", res.Response.Status)
			}

			proxyAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(socks.port()))
			if !strings.Contains(res.DebugInfo.ConnectionInfo, "via socks5-proxy "+proxyAddr) {
				t.Errorf("ConnectionInfo = %q, want the socks5 route", res.DebugInfo.ConnectionInfo)
			}

			targets, authed := socks.seen()
			if len(targets) != 1 || targets[0] != ep.Addr() {
				t.Errorf("proxy CONNECT targets = %v, want [%s]", targets, ep.Addr())
			}
			if tt.user != "" && (len(authed) != 1 || authed[0] != tt.user) {
				t.Errorf("proxy authenticated %v, want [%s]", authed, tt.user)
			}
		})
	}
}

func TestChatService_SOCKS5ProxyRejectsCredentials(t *testing.T) {
	mock, ep := setupMockServer(t)
	socks := startSOCKS5Server(t, "relay-user", "s3cret")

	n := newTestNetwork(t, WithEndpoint(ep))
	err := n.SetProxyConfig(ProxyConfig{
		Scheme:   ProxySchemeSOCKS5,
		Host:     "127.0.0.1",
		Port:     socks.port(),
		Username: "relay-user",
		Password: "wrong",
	})
	if err != nil {
		t.Fatalf("SetProxyConfig() error: %v", err)
	}
	cs, _ := n.NewChatService(discardErrors, WithKeepAlive(0))

	err = cs.ConnectUnauthenticated(testContext(t))
	assertProxyConnectError(t, cs, err)
	if mock.connCount() != 0 {
		t.Error("the chat endpoint must not be reached when proxy auth fails")
	}
}
