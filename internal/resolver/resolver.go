// Package resolver turns host names into addresses for address sets.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// Resolver resolves a host name to one address of the given ip version.
// Implementations must be safe for concurrent use.
type Resolver interface {
	ResolveHost(ctx context.Context, name string, version int) (netip.Addr, error)
}

// ResolutionError is returned when names are still unresolved after the
// retry bound.
type ResolutionError struct {
	// Name is the first unresolved name in input order.
	Name       string
	Unresolved []string
	// Errs holds the last lookup error of each unresolved name.
	Errs map[string]error
}

func (e *ResolutionError) Error() string {
	if err := e.Errs[e.Name]; err != nil {
		return fmt.Sprintf("unable to resolve %s: %v", e.Name, err)
	}
	return fmt.Sprintf("unable to resolve %s", e.Name)
}

// Unwrap returns the last lookup error of Name.
func (e *ResolutionError) Unwrap() error {
	return e.Errs[e.Name]
}

var errUnresolved = errors.New("names left unresolved")

// ResolveAll resolves names concurrently in rounds. Each round retries only
// the names still unresolved; rounds are bounded by cfg.MaxAttempts. The
// result maps each name to its address.
func ResolveAll(ctx context.Context, r Resolver, names []string, version int, cfg RetryConfig) (map[string]netip.Addr, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	cfg.RetryableErrors = []error{errUnresolved}
	var mu sync.Mutex
	resolved := make(map[string]netip.Addr, len(names))
	lastErr := make(map[string]error)

	pending := func() []string {
		mu.Lock()
		defer mu.Unlock()
		var out []string
		seen := make(map[string]bool)
		for _, n := range names {
			if _, ok := resolved[n]; !ok && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
		return out
	}

	round := func() error {
		var g errgroup.Group
		for _, name := range pending() {
			g.Go(func() error {
				addr, err := r.ResolveHost(ctx, name, version)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					lastErr[name] = err
					return nil
				}
				resolved[name] = addr
				delete(lastErr, name)
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(pending()) > 0 {
			return errUnresolved
		}
		return nil
	}

	if err := Retry(ctx, cfg, round); err != nil {
		if !errors.Is(err, errUnresolved) {
			return nil, err
		}
		left := pending()
		errs := make(map[string]error, len(left))
		for _, n := range left {
			errs[n] = lastErr[n]
		}
		return nil, &ResolutionError{Name: left[0], Unresolved: left, Errs: errs}
	}
	return resolved, nil
}

// DNSResolver queries DNS servers directly.
type DNSResolver struct {
	servers []string
	client  *dns.Client
}

// NewDNSResolver creates a resolver using servers ("host" or "host:port").
// With no servers, the nameservers from /etc/resolv.conf are used.
func NewDNSResolver(servers []string) (*DNSResolver, error) {
	if len(servers) == 0 {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("read resolv.conf: %w", err)
		}
		for _, s := range cfg.Servers {
			servers = append(servers, net.JoinHostPort(s, cfg.Port))
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("no nameservers configured")
	}

	normalized := make([]string, len(servers))
	for i, s := range servers {
		normalized[i] = withPort(s)
	}

	c := new(dns.Client)
	c.Timeout = 2 * time.Second
	return &DNSResolver{servers: normalized, client: c}, nil
}

func withPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), "53")
}

// Servers returns the servers queried, in order.
func (r *DNSResolver) Servers() []string {
	return r.servers
}

// ResolveHost returns the first A (version 4) or AAAA (version 6) record
// for name. Servers are tried in order until one answers.
func (r *DNSResolver) ResolveHost(ctx context.Context, name string, version int) (netip.Addr, error) {
	qtype := dns.TypeA
	if version == 6 {
		qtype = dns.TypeAAAA
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: %s", name, dns.RcodeToString[resp.Rcode])
			continue
		}
		if addr, ok := firstAddress(resp.Answer, qtype); ok {
			return addr, nil
		}
		lastErr = fmt.Errorf("%s: no %s record", name, dns.TypeToString[qtype])
	}
	return netip.Addr{}, lastErr
}

func firstAddress(answer []dns.RR, qtype uint16) (netip.Addr, bool) {
	for _, rr := range answer {
		var ip net.IP
		switch rec := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				ip = rec.A
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				ip = rec.AAAA
			}
		}
		if ip == nil {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			return addr.Unmap(), true
		}
	}
	return netip.Addr{}, false
}

// StaticResolver answers from a fixed table. Failures makes a name fail
// that many times before it resolves.
type StaticResolver struct {
	mu       sync.Mutex
	Hosts    map[string]string
	Failures map[string]int
	calls    map[string]int
}

// NewStaticResolver creates a StaticResolver over hosts.
func NewStaticResolver(hosts map[string]string) *StaticResolver {
	return &StaticResolver{Hosts: hosts, Failures: make(map[string]int), calls: make(map[string]int)}
}

// ResolveHost implements Resolver.
func (s *StaticResolver) ResolveHost(ctx context.Context, name string, version int) (netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	if s.Failures[name] > 0 {
		s.Failures[name]--
		return netip.Addr{}, fmt.Errorf("%s: temporary failure", name)
	}
	v, ok := s.Hosts[name]
	if !ok {
		return netip.Addr{}, fmt.Errorf("%s: NXDOMAIN", name)
	}
	return netip.ParseAddr(v)
}

// Calls returns how often name was looked up.
func (s *StaticResolver) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}
