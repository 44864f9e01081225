package safefetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeResolver answers from a fixed table; unknown hosts fail resolution.
type fakeResolver map[string][]string

func (r fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, s := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(s)})
	}
	return out, nil
}

// hostTransport serves requests from per-host handlers without touching the
// network and records every host it was asked to contact.
type hostTransport struct {
	mu       sync.Mutex
	handlers map[string]http.Handler
	hosts    []string
}

func newHostTransport() *hostTransport {
	return &hostTransport{handlers: make(map[string]http.Handler)}
}

func (t *hostTransport) handle(host string, h http.HandlerFunc) { t.handlers[host] = h }

func (t *hostTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	t.hosts = append(t.hosts, req.URL.Host)
	h, ok := t.handlers[req.URL.Host]
	t.mu.Unlock()
	if !ok {
		return nil, errors.New("dial tcp: connection refused")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func (t *hostTransport) contacted() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.hosts...)
}

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

var testResolver = fakeResolver{
	"example.com":       {"93.184.216.34"},
	"good.example":      {"93.184.216.34", "2606:2800:220:1:248:1893:25c8:1946"},
	"other.example":     {"151.101.1.69"},
	"internal.example":  {"10.0.0.5"},
	"loop.example":      {"127.0.0.1"},
	"linklocal.example": {"169.254.10.1"},
	"meta.example":      {"169.254.169.254"},
	"alibaba.example":   {"100.100.100.200"},
	"cgnat.example":     {"100.64.3.4"},
	"mcast.example":     {"239.1.2.3"},
	"zero.example":      {"0.1.2.3"},
	"testnet.example":   {"203.0.113.10"},
	"ula.example":       {"fd12:3456:789a::1"},
	"sitelocal.example": {"fec0::1"},
	"mixed.example":     {"93.184.216.34", "fd00::1"},
	"mapped.example":    {"::ffff:127.0.0.1"},
	"v6loop.example":    {"::1"},
	"empty.example":     {},
}

func newTestFetcher(t *testing.T, rt http.RoundTripper, mutate ...func(*Config)) *Fetcher {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	for _, m := range mutate {
		m(&cfg)
	}
	f, err := New(cfg, WithResolver(testResolver), WithTransport(rt))
	require.NoError(t, err)
	return f
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, kind, fe.Kind, "error: %v", err)
	return fe
}
