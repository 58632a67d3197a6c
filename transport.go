package chatnet

import (
	"context"
	"net"
)

// transport is the internal interface for the socket under a session.
// The current implementation uses gorilla/websocket (websocket.go).
type transport interface {
	// connect dials the endpoint and completes the WebSocket upgrade.
	connect(ctx context.Context) error

	// send writes one binary frame. Writes are serialized by the transport.
	send(frame []byte) error

	// setFrameHandler registers the callback for inbound binary frames.
	// It is called from the single read loop.
	setFrameHandler(fn func(frame []byte))

	// onDisconnect registers a callback for when the connection drops
	// without close having been called.
	onDisconnect(fn func(error))

	// close gracefully shuts down the connection. It is idempotent.
	close() error

	// remoteAddr returns the address of the socket peer, once connected.
	remoteAddr() net.Addr
}
