package chatnet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport implements the transport interface over a WebSocket.
type wsTransport struct {
	endpoint  Endpoint
	userAgent string
	creds     *Credentials
	rootCAs   *x509.CertPool
	timeout   time.Duration
	connector *connector

	conn *websocket.Conn
	mu   sync.Mutex // protects conn writes

	frameHandler func(frame []byte)
	disconnectFn func(error)

	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(ep Endpoint, userAgent string, creds *Credentials, rootCAs *x509.CertPool, timeout time.Duration, conn *connector) *wsTransport {
	return &wsTransport{
		endpoint:  ep,
		userAgent: userAgent,
		creds:     creds,
		rootCAs:   rootCAs,
		timeout:   timeout,
		connector: conn,
		done:      make(chan struct{}),
	}
}

func (t *wsTransport) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		NetDialContext:   t.connector.dialContext,
		HandshakeTimeout: t.timeout,
		TLSClientConfig: &tls.Config{
			ServerName: t.endpoint.Host,
			RootCAs:    t.rootCAs,
			MinVersion: tls.VersionTLS12,
		},
	}

	header := http.Header{}
	header.Set("User-Agent", t.userAgent)
	if t.creds != nil {
		token := base64.StdEncoding.EncodeToString([]byte(t.creds.Username + ":" + t.creds.Password))
		header.Set("Authorization", "Basic "+token)
	}

	url := t.endpoint.URL()
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		stage := "handshake"
		var se *stageError
		if errors.As(err, &se) {
			stage = se.stage
			err = se.err
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return &ConnectError{URL: url, Stage: stage, Cause: err}
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop()
	return nil
}

func (t *wsTransport) send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-t.done:
		return net.ErrClosed
	default:
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *wsTransport) setFrameHandler(fn func(frame []byte)) {
	t.frameHandler = fn
}

func (t *wsTransport) onDisconnect(fn func(error)) {
	t.disconnectFn = fn
}

func (t *wsTransport) remoteAddr() net.Addr {
	return t.connector.remoteAddr()
}

func (t *wsTransport) close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = conn.Close()
	})
	return err
}

func (t *wsTransport) readLoop() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		if conn == nil {
			return
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				if t.disconnectFn != nil {
					t.disconnectFn(err)
				}
				return
			}
		}

		if msgType != websocket.BinaryMessage {
			continue
		}
		if t.frameHandler != nil {
			t.frameHandler(data)
		}
	}
}
