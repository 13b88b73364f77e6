package core

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
)

// ErrResolveUnavailable is returned when an endpoint host name must be
// looked up while background traffic is paused and no cached answer exists.
var ErrResolveUnavailable = fmt.Errorf("resolver: lookups paused: %w", apperrors.ErrUnavailable)

const resolvConf = "/etc/resolv.conf"

var exchange = func(ctx context.Context, c *dns.Client, m *dns.Msg, server string) (*dns.Msg, error) {
	r, _, err := c.ExchangeContext(ctx, m, server)
	return r, err
}

var loadResolvConf = func() ([]string, error) {
	cc, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return nil, err
	}
	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}
	return servers, nil
}

// Resolver turns endpoint host names into addresses. Queries only go out
// while the availability gate is open; otherwise the last answer is reused.
type Resolver struct {
	gate    *Availability
	client  *dns.Client
	servers []string

	mu    sync.Mutex
	cache map[string]netip.Addr
}

// NewResolver creates a resolver. With no servers the system resolvers from
// /etc/resolv.conf are used.
func NewResolver(gate *Availability, servers []string, timeout time.Duration) (*Resolver, error) {
	if len(servers) == 0 {
		var err error
		if servers, err = loadResolvConf(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", resolvConf, err)
		}
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	return &Resolver{
		gate:    gate,
		servers: normalized,
		client: &dns.Client{
			Net:            "udp",
			Timeout:        timeout,
			SingleInflight: true,
		},
		cache: make(map[string]netip.Addr),
	}, nil
}

// ResolveEndpoint returns endpoint with its host replaced by an IP address.
// Endpoints that already carry an IP literal are returned unchanged.
func (r *Resolver) ResolveEndpoint(ctx context.Context, endpoint string) (string, error) {
	host, port, ok := splitHostPort(endpoint)
	if !ok || isIPLiteral(host) {
		return endpoint, nil
	}

	if r.gate != nil && r.gate.Paused() {
		if addr, ok := r.cached(host); ok {
			return net.JoinHostPort(addr.String(), port), nil
		}
		return "", ErrResolveUnavailable
	}

	addr, err := r.lookup(ctx, host)
	if err != nil {
		if cached, ok := r.cached(host); ok {
			log.WithField("host", host).WithError(err).Warn("endpoint lookup failed, using cached address")
			return net.JoinHostPort(cached.String(), port), nil
		}
		return "", err
	}

	r.mu.Lock()
	r.cache[host] = addr
	r.mu.Unlock()
	log.WithField("host", host).WithField("addr", addr.String()).Debug("resolved endpoint")
	return net.JoinHostPort(addr.String(), port), nil
}

func (r *Resolver) cached(host string) (netip.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.cache[host]
	return addr, ok
}

// lookup prefers A records and falls back to AAAA.
func (r *Resolver) lookup(ctx context.Context, host string) (netip.Addr, error) {
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		for _, server := range r.servers {
			resp, err := exchange(ctx, r.client, m, server)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("%s: %s", server, dns.RcodeToString[resp.Rcode])
				continue
			}
			if addr, ok := firstAddr(resp.Answer); ok {
				return addr, nil
			}
			break
		}
		if ctx.Err() != nil {
			return netip.Addr{}, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no address records")
	}
	return netip.Addr{}, fmt.Errorf("resolving %s: %w", host, lastErr)
}

func firstAddr(answer []dns.RR) (netip.Addr, bool) {
	for _, rr := range answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			return addr.Unmap(), true
		}
	}
	return netip.Addr{}, false
}

func splitHostPort(s string) (host, port string, ok bool) {
	host, port, err := net.SplitHostPort(s)
	return host, port, err == nil
}

func isIPLiteral(host string) bool {
	_, err := netip.ParseAddr(host)
	return err == nil
}
