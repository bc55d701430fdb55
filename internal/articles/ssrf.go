package articles

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlocked marks URLs the fetcher refuses to touch. The wrapped message
// carries the reason for logs; user-facing text never does.
var ErrBlocked = errors.New("articles: url blocked")

// ValidateFetchURL rejects anything that is not plain http(s) to a public
// host before a single byte leaves the process. Hostname checks are
// best-effort (no resolution): literal addresses and localhost names are
// caught here, DNS-based rebinding is out of scope.
func ValidateFetchURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid url", ErrBlocked)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrBlocked, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return nil, fmt.Errorf("%w: localhost", ErrBlocked)
	}
	if addr, err := netip.ParseAddr(host); err == nil && !isPublicAddr(addr) {
		return nil, fmt.Errorf("%w: non-public address", ErrBlocked)
	}
	return u, nil
}

func isPublicAddr(addr netip.Addr) bool {
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return false
	}
	// 0.0.0.0/8 beyond the unspecified address itself.
	if addr.Is4() && addr.As4()[0] == 0 {
		return false
	}
	return true
}
