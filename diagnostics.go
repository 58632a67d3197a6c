package chatnet

import (
	"net"
	"net/netip"
	"sync"
	"time"
)

// IPType is the address family of the remote socket.
type IPType int

const (
	IPTypeUnknown IPType = iota
	IPTypeIPv4
	IPTypeIPv6
)

func (t IPType) String() string {
	switch t {
	case IPTypeIPv4:
		return "IPv4"
	case IPTypeIPv6:
		return "IPv6"
	default:
		return "Unknown"
	}
}

// ipTypeOf derives the address family from a socket address.
func ipTypeOf(addr net.Addr) IPType {
	if addr == nil {
		return IPTypeUnknown
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return IPTypeUnknown
	}
	ip := ap.Addr().Unmap()
	switch {
	case ip.Is4():
		return IPTypeIPv4
	case ip.Is6():
		return IPTypeIPv6
	}
	return IPTypeUnknown
}

// DebugInfo is an immutable snapshot of connection health.
type DebugInfo struct {
	ReconnectCount int
	IPType         IPType
	Duration       time.Duration
	ConnectionInfo string
}

// DurationMs returns Duration in whole milliseconds.
func (d DebugInfo) DurationMs() int64 {
	return d.Duration.Milliseconds()
}

// diagnostics accumulates connection metrics for one chat service.
// All methods are safe for concurrent use and never fail.
type diagnostics struct {
	mu             sync.Mutex
	reconnectCount int
	ipType         IPType
	lastDuration   time.Duration
	connectionInfo string
}

func (d *diagnostics) recordReconnect() {
	d.mu.Lock()
	d.reconnectCount++
	d.mu.Unlock()
}

func (d *diagnostics) recordConnected(ipType IPType, info string) {
	d.mu.Lock()
	d.ipType = ipType
	d.connectionInfo = info
	d.mu.Unlock()
}

func (d *diagnostics) recordRoundTrip(elapsed time.Duration) {
	d.mu.Lock()
	d.lastDuration = elapsed
	d.mu.Unlock()
}

func (d *diagnostics) snapshot() DebugInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DebugInfo{
		ReconnectCount: d.reconnectCount,
		IPType:         d.ipType,
		Duration:       d.lastDuration,
		ConnectionInfo: d.connectionInfo,
	}
}
