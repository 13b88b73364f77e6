package core

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
)

type fakeDNS struct {
	answers map[uint16]string
	rcode   int
	err     error
	queries int
}

func (f *fakeDNS) install(t *testing.T) {
	t.Helper()
	orig := exchange
	exchange = func(_ context.Context, _ *dns.Client, m *dns.Msg, _ string) (*dns.Msg, error) {
		f.queries++
		if f.err != nil {
			return nil, f.err
		}
		resp := new(dns.Msg)
		resp.SetReply(m)
		resp.Rcode = f.rcode
		q := m.Question[0]
		hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: 60}
		if ip, ok := f.answers[q.Qtype]; ok {
			switch q.Qtype {
			case dns.TypeA:
				resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: net.ParseIP(ip)})
			case dns.TypeAAAA:
				resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP(ip)})
			}
		}
		return resp, nil
	}
	t.Cleanup(func() { exchange = orig })
}

func newTestResolver(t *testing.T, gate *Availability) *Resolver {
	t.Helper()
	r, err := NewResolver(gate, []string{"192.0.2.53"}, time.Second)
	require.NoError(t, err)
	return r
}

func TestResolverPassesIPLiterals(t *testing.T) {
	f := &fakeDNS{}
	f.install(t)
	r := newTestResolver(t, NewAvailability())

	for _, ep := range []string{"198.51.100.7:51820", "[2001:db8::7]:51820"} {
		got, err := r.ResolveEndpoint(context.Background(), ep)
		require.NoError(t, err)
		assert.Equal(t, ep, got)
	}
	assert.Zero(t, f.queries)
}

func TestResolverPrefersIPv4(t *testing.T) {
	f := &fakeDNS{answers: map[uint16]string{dns.TypeA: "203.0.113.9", dns.TypeAAAA: "2001:db8::9"}}
	f.install(t)
	r := newTestResolver(t, NewAvailability())

	got, err := r.ResolveEndpoint(context.Background(), "vpn.example.com:51820")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9:51820", got)
	assert.Equal(t, 1, f.queries)
}

func TestResolverFallsBackToAAAA(t *testing.T) {
	f := &fakeDNS{answers: map[uint16]string{dns.TypeAAAA: "2001:db8::9"}}
	f.install(t)
	r := newTestResolver(t, NewAvailability())

	got, err := r.ResolveEndpoint(context.Background(), "vpn.example.com:51820")
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::9]:51820", got)
}

func TestResolverNXDomain(t *testing.T) {
	f := &fakeDNS{rcode: dns.RcodeNameError}
	f.install(t)
	r := newTestResolver(t, NewAvailability())

	_, err := r.ResolveEndpoint(context.Background(), "missing.example.com:51820")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NXDOMAIN")
}

func TestResolverPausedUsesCache(t *testing.T) {
	f := &fakeDNS{answers: map[uint16]string{dns.TypeA: "203.0.113.9"}}
	f.install(t)
	gate := NewAvailability()
	r := newTestResolver(t, gate)

	_, err := r.ResolveEndpoint(context.Background(), "vpn.example.com:51820")
	require.NoError(t, err)

	gate.Pause()
	got, err := r.ResolveEndpoint(context.Background(), "vpn.example.com:1194")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9:1194", got)
	assert.Equal(t, 1, f.queries, "no query may leave while paused")

	_, err = r.ResolveEndpoint(context.Background(), "other.example.com:51820")
	assert.ErrorIs(t, err, ErrResolveUnavailable)
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
}

func TestResolverErrorUsesCache(t *testing.T) {
	f := &fakeDNS{answers: map[uint16]string{dns.TypeA: "203.0.113.9"}}
	f.install(t)
	r := newTestResolver(t, NewAvailability())

	_, err := r.ResolveEndpoint(context.Background(), "vpn.example.com:51820")
	require.NoError(t, err)

	f.err = errors.New("i/o timeout")
	got, err := r.ResolveEndpoint(context.Background(), "vpn.example.com:51820")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9:51820", got)
}

func TestNewResolverReadsResolvConf(t *testing.T) {
	orig := loadResolvConf
	loadResolvConf = func() ([]string, error) { return []string{"10.0.0.53:53"}, nil }
	t.Cleanup(func() { loadResolvConf = orig })

	r, err := NewResolver(nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.53:53"}, r.servers)

	r, err = NewResolver(nil, []string{"9.9.9.9", "[2620:fe::fe]:53"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"9.9.9.9:53", "[2620:fe::fe]:53"}, r.servers)
}
