// Package dns resolves reverse DNS names for attacker addresses.
package dns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/blacknet-honeypot/blacknet/internal/netguard"
)

const defaultTimeout = 2 * time.Second

// Resolver performs best-effort PTR lookups for attacker addresses.
// A nil *Resolver is valid and never resolves anything.
type Resolver struct {
	client  *mdns.Client
	server  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a Resolver querying server ("host:port"). An empty
// server selects the first nameserver listed in /etc/resolv.conf.
func NewResolver(server string, timeout time.Duration, logger *slog.Logger) (*Resolver, error) {
	if server == "" {
		cfg, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("read resolv.conf: %w", err)
		}
		if len(cfg.Servers) == 0 {
			return nil, fmt.Errorf("resolv.conf lists no nameservers")
		}
		server = net.JoinHostPort(cfg.Servers[0], cfg.Port)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Resolver{
		client:  &mdns.Client{Net: "udp", Timeout: timeout},
		server:  server,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// ReverseLookup returns the PTR name for ip without the trailing dot, or ""
// when there is none. Failures are never reported to the caller.
func (r *Resolver) ReverseLookup(ctx context.Context, ip string) string {
	if r == nil {
		return ""
	}
	a, err := netip.ParseAddr(ip)
	if err != nil || netguard.IsInternal(a) {
		return ""
	}
	name, err := mdns.ReverseAddr(a.Unmap().String())
	if err != nil {
		return ""
	}

	m := new(mdns.Msg)
	m.SetQuestion(name, mdns.TypePTR)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		r.logger.Debug("dns: reverse lookup failed", "ip", ip, "err", err)
		return ""
	}
	if in.Rcode != mdns.RcodeSuccess {
		return ""
	}
	for _, rr := range in.Answer {
		if ptr, ok := rr.(*mdns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, ".")
		}
	}
	return ""
}
