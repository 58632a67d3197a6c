package chatnet

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// resolver maps host names to addresses. Static entries take precedence over
// the system resolver. IPv6 results are dropped unless enabled.
type resolver struct {
	static map[string][]netip.Addr
	ipv6   bool
	lookup func(ctx context.Context, host string) ([]netip.Addr, error)
}

func newResolver(static map[string][]netip.Addr, ipv6 bool) *resolver {
	m := make(map[string][]netip.Addr, len(static))
	for host, addrs := range static {
		m[strings.ToLower(host)] = append([]netip.Addr(nil), addrs...)
	}
	return &resolver{
		static: m,
		ipv6:   ipv6,
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
}

// resolve returns usable addresses for host, IPv4 first.
func (r *resolver) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}

	addrs, ok := r.static[strings.ToLower(host)]
	if !ok {
		var err error
		addrs, err = r.lookup(ctx, host)
		if err != nil {
			return nil, err
		}
	}

	var v4, v6 []netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		switch {
		case a.Is4():
			v4 = append(v4, a)
		case a.Is6() && r.ipv6:
			v6 = append(v6, a)
		}
	}
	out := append(v4, v6...)
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable addresses for %s", host)
	}
	return out, nil
}
