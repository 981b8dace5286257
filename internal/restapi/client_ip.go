package restapi

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientIPResolver identifies the client behind a request. X-Forwarded-For
// is only read when the connection itself comes from a trusted proxy, and
// then from the right, skipping hops that are trusted proxies too. Entries
// left of the first untrusted hop were written by the client and are ignored.
type clientIPResolver struct {
	trusted []netip.Prefix
}

func newClientIPResolver(trusted []netip.Prefix) clientIPResolver {
	return clientIPResolver{trusted: trusted}
}

func (c clientIPResolver) isTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (c clientIPResolver) clientIP(r *http.Request) string {
	remote := remoteHost(r)
	if len(c.trusted) == 0 {
		return remote
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil || !c.isTrusted(addr) {
		return remote
	}

	hops := r.Header.Values("X-Forwarded-For")
	var chain []string
	for _, h := range hops {
		for _, part := range strings.Split(h, ",") {
			if part = strings.TrimSpace(part); part != "" {
				chain = append(chain, part)
			}
		}
	}

	client := remote
	for i := len(chain) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(chain[i])
		if err != nil {
			// A malformed entry cannot be attributed; stop at the last
			// address a trusted proxy vouched for.
			return client
		}
		client = hop.Unmap().String()
		if !c.isTrusted(hop) {
			return client
		}
	}
	return client
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
