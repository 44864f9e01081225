// Package safefetch fetches caller-supplied URLs without letting them reach
// private, reserved or cloud-metadata destinations. Every hop, the origin and
// each redirect target alike, is validated before it is dialed.
package safefetch

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// Resolver looks up every address of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Verdict is the result of validating one candidate URL.
type Verdict struct {
	Safe    bool
	Reason  Reason
	Message string
}

func safe() Verdict { return Verdict{Safe: true} }

func deny(reason Reason, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

var deniedHostnames = map[string]struct{}{
	"localhost":                {},
	"127.0.0.1":                {},
	"::1":                      {},
	"metadata.google.internal": {},
	"169.254.169.254":          {},
	"100.100.100.200":          {},
	"192.0.0.192":              {},
}

var metadataAddrs = map[netip.Addr]struct{}{
	netip.MustParseAddr("169.254.169.254"): {}, // AWS, GCP, Azure, OpenStack
	netip.MustParseAddr("100.100.100.200"): {}, // Alibaba Cloud
	netip.MustParseAddr("192.0.0.192"):     {}, // Oracle Cloud
	netip.MustParseAddr("fd00:ec2::254"):   {}, // AWS IMDS over IPv6
}

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fec0::/10"),
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("2001::/32"), // Teredo embeds an arbitrary IPv4 peer
	netip.MustParsePrefix("2002::/16"), // 6to4 embeds an arbitrary IPv4 host
}

// deniedPorts are service ports that must never be reachable through a
// user-supplied URL.
var deniedPorts = map[int]string{
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	53:    "dns",
	110:   "pop3",
	111:   "rpcbind",
	135:   "msrpc",
	139:   "netbios",
	143:   "imap",
	445:   "smb",
	465:   "smtps",
	587:   "submission",
	993:   "imaps",
	995:   "pop3s",
	1433:  "mssql",
	1521:  "oracle",
	2049:  "nfs",
	2375:  "docker",
	2376:  "docker-tls",
	2379:  "etcd",
	2380:  "etcd-peer",
	3306:  "mysql",
	3389:  "rdp",
	5432:  "postgres",
	5672:  "amqp",
	5984:  "couchdb",
	6379:  "redis",
	6443:  "kubernetes-api",
	8500:  "consul",
	9042:  "cassandra",
	9200:  "elasticsearch",
	9300:  "elasticsearch-transport",
	10250: "kubelet",
	11211: "memcached",
	27017: "mongodb",
	27018: "mongodb-shard",
}

// Validator decides whether a URL may be dereferenced.
type Validator struct {
	resolver Resolver
}

// NewValidator returns a Validator that resolves hostnames with r.
// A nil r uses net.DefaultResolver.
func NewValidator(r Resolver) *Validator {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Validator{resolver: r}
}

// Validate applies the URL rules in order and returns the first failure.
func (v *Validator) Validate(ctx context.Context, rawURL string) Verdict {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || rawURL == "" {
		return deny(ReasonInvalidURL, "URL could not be parsed")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return deny(ReasonSchemeNotAllowed, "scheme %q is not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return deny(ReasonMissingHostname, "URL has no hostname")
	}

	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return deny(ReasonInvalidURL, "port %q is out of range", p)
		}
	}

	name := strings.TrimSuffix(strings.ToLower(host), ".")
	if _, err := netip.ParseAddr(name); err == nil {
		return deny(ReasonIPLiteralNotAllowed, "IP address hosts are not allowed")
	}
	if _, denied := deniedHostnames[name]; denied {
		return deny(ReasonHostnameDenied, "hostname %q is not allowed", name)
	}

	addrs, err := v.resolve(ctx, host)
	if err != nil {
		return deny(ReasonResolutionFailed, "hostname %q could not be resolved", name)
	}
	for _, addr := range addrs {
		if reason := ClassifyAddr(addr); reason != ReasonNone {
			return deny(reason, "hostname %q resolves to a disallowed address", name)
		}
	}

	if service, denied := deniedPorts[port]; denied {
		return deny(ReasonPortDenied, "port %d (%s) is not allowed", port, service)
	}

	return safe()
}

// resolve returns every address of host, both families.
func (v *Validator) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	ipAddrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ipAddrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	out := make([]netip.Addr, 0, len(ipAddrs))
	for _, ia := range ipAddrs {
		addr, ok := netip.AddrFromSlice(ia.IP)
		if !ok {
			return nil, fmt.Errorf("malformed address for %s", host)
		}
		out = append(out, addr.Unmap())
	}
	return out, nil
}

// ClassifyAddr returns the reason addr is not a permitted destination, or
// ReasonNone when it is a public unicast address.
func ClassifyAddr(addr netip.Addr) Reason {
	addr = addr.Unmap().WithZone("")
	if _, ok := metadataAddrs[addr]; ok {
		return ReasonMetadataAddress
	}
	if addr.IsPrivate() || addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return ReasonPrivateAddress
	}
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return ReasonPrivateAddress
		}
	}
	if addr.IsUnspecified() || addr.IsMulticast() {
		return ReasonReservedAddress
	}
	// 240.0.0.0/4 covers the limited broadcast address.
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return ReasonReservedAddress
		}
	}
	return ReasonNone
}
