package resolver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// cacheTTL is how long a positive lookup result stays fresh.
const cacheTTL = 12 * time.Hour

// lookuper is the slice of net.Resolver we depend on.
type lookuper interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Resolver intercepts hostname resolution for one upstream hostname. It can
// be toggled between the system default resolver and an explicit list of
// alternate nameservers, and it keeps a TTL'd cache of positive results so a
// transient resolver outage doesn't take the upstream down with it.
type Resolver struct {
	logger   zerolog.Logger
	clock    clock.Clock
	hostname string

	mu        sync.Mutex
	useAlt    bool
	system    lookuper
	alternate lookuper
	cache     map[string]cacheEntry
}

type cacheEntry struct {
	addrs   []string
	expires time.Time
}

// New returns a Resolver intercepting lookups for hostname. altServers is a
// list of nameserver addresses like "8.8.8.8:53"; when empty, Toggle is a
// no-op and the system resolver is always used.
func New(logger zerolog.Logger, clk clock.Clock, hostname string, altServers []string) *Resolver {
	r := &Resolver{
		logger:   logger.With().Str("component", "resolver").Logger(),
		clock:    clk,
		hostname: hostname,
		system:   net.DefaultResolver,
		cache:    make(map[string]cacheEntry),
	}
	if len(altServers) > 0 {
		r.alternate = newAlternate(altServers)
	}
	return r
}

// newAlternate builds a resolver that queries the given nameservers directly
// instead of whatever /etc/resolv.conf points at.
func newAlternate(servers []string) *net.Resolver {
	var next int
	var mu sync.Mutex
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			mu.Lock()
			server := servers[next%len(servers)]
			next++
			mu.Unlock()
			var d net.Dialer
			return d.DialContext(ctx, network, server)
		},
	}
}

// Toggle flips between the system resolver and the alternate nameserver
// list. Called by the remote client when a request fails with a
// DNS-classified error, so the next attempt routes around the broken path.
func (r *Resolver) Toggle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.alternate == nil {
		return
	}
	r.useAlt = !r.useAlt
	r.logger.Debug().Bool("alternate", r.useAlt).Msg("switched nameservers")
}

// UsingAlternate reports whether the alternate nameserver list is active.
func (r *Resolver) UsingAlternate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.useAlt
}

// LookupHost resolves host. Lookups for hostnames other than the intercepted
// one pass straight through to the system resolver. Positive results for the
// intercepted hostname are cached for 12 hours; when a lookup fails, a prior
// positive result is served even past its TTL rather than failing the
// request outright.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if host != r.hostname {
		return r.system.LookupHost(ctx, host)
	}

	r.mu.Lock()
	active := r.system
	if r.useAlt && r.alternate != nil {
		active = r.alternate
	}
	entry, cached := r.cache[host]
	now := r.clock.Now()
	r.mu.Unlock()

	if cached && now.Before(entry.expires) {
		return entry.addrs, nil
	}

	addrs, err := active.LookupHost(ctx, host)
	if err != nil {
		if cached {
			r.logger.Warn().Err(err).Str("host", host).Msg("lookup failed, serving stale cached addresses")
			return entry.addrs, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.cache[host] = cacheEntry{addrs: addrs, expires: now.Add(cacheTTL)}
	r.mu.Unlock()
	return addrs, nil
}

// DialContext resolves addr through the Resolver and dials the first address
// that accepts a connection. Suitable for http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses resolved for %s", host)
	}
	var d net.Dialer
	var lastErr error
	for _, a := range addrs {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(a, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
