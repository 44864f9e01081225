package safefetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"
)

// newGuardedTransport returns a transport whose dialer re-resolves the host
// and refuses to connect if any answer is disallowed. This closes the window
// between validation and connect that DNS rebinding would otherwise use.
// Proxies from the environment are ignored: a proxy would dial on our behalf
// and bypass the address checks.
func newGuardedTransport(resolver Resolver) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	guardedDial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}

		var addrs []netip.Addr
		if ip, err := netip.ParseAddr(host); err == nil {
			addrs = []netip.Addr{ip}
		} else {
			ipAddrs, err := resolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("dns lookup failed: %w", err)
			}
			for _, ia := range ipAddrs {
				if a, ok := netip.AddrFromSlice(ia.IP); ok {
					addrs = append(addrs, a.Unmap())
				}
			}
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no addresses for %s", host)
		}

		for _, a := range addrs {
			if reason := ClassifyAddr(a); reason != ReasonNone {
				return nil, &Error{
					Kind:   KindUnsafeURL,
					Reason: reason,
					err:    fmt.Errorf("dial to %s refused", a),
				}
			}
		}

		var lastErr error
		for _, a := range addrs {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(a.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}

	return &http.Transport{
		Proxy:                 nil,
		DialContext:           guardedDial,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// classifyTransportError maps a client error to a fetch error. parent is the
// caller's context; hop errors after parent cancellation are cancellations.
func classifyTransportError(parent context.Context, rawURL string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		out := *fe
		out.URL = rawURL
		return &out
	}
	if parent.Err() != nil {
		return newError(KindCancelled, rawURL, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, rawURL, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, rawURL, err)
	}
	if isTLSError(err) {
		return newError(KindTLSError, rawURL, err)
	}
	return newError(KindConnectionError, rawURL, err)
}

func isTLSError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert)
}
