// Package upstream implements the single long-lived HTTP client the proxy
// uses to talk to the Anthropic Messages API, and the streaming/buffered
// send contract the dispatcher drives it through.
package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport for a single, fixed remote
// HTTPS host: DNS-cached dialing (so a resolver outage doesn't stall every
// in-flight connect) and a connection pool sized for the proxy's own
// concurrency limits rather than per-request defaults.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout:  5 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if resolver != nil {
		dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// NewClient builds the process-wide *http.Client. total is the per-attempt
// wall-clock budget (default 300s); connect timeout lives on the transport's
// dialer (default 10s) and is not part of this overall timeout.
func NewClient(resolver *dnscache.Resolver, total time.Duration) *http.Client {
	if total <= 0 {
		total = 300 * time.Second
	}
	return &http.Client{
		Transport: NewTransport(resolver),
		Timeout:   total,
	}
}
