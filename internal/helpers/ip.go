package helpers

import "net"

// IPClassification is the security classification of an IP address, used
// when validating redirect URI hosts.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable IP address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates a loopback address (127.0.0.0/8, ::1).
	IPClassificationLoopback
	// IPClassificationPrivate indicates a private address (RFC 1918, ULA).
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates a link-local address (169.254.x.x, fe80::/10).
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates 0.0.0.0 or ::.
	IPClassificationUnspecified
)

// String returns a human-readable name for the classification.
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the security classification of an IP address.
//
//   - Unspecified: 0.0.0.0, ::
//   - Loopback: 127.0.0.0/8, ::1 (allowed for native apps per RFC 8252)
//   - LinkLocal: 169.254.0.0/16, fe80::/10 (cloud metadata range)
//   - Private: RFC 1918, fc00::/7
//   - Public: everything else
func ClassifyIP(ip net.IP) IPClassification {
	if ip == nil || ip.IsUnspecified() {
		return IPClassificationUnspecified
	}
	if ip.IsLoopback() {
		return IPClassificationLoopback
	}
	if IsLinkLocal(ip) {
		return IPClassificationLinkLocal
	}
	if ip.IsPrivate() {
		return IPClassificationPrivate
	}
	return IPClassificationPublic
}

// IsLinkLocal reports whether the IP is link-local. The 169.254.0.0/16
// range includes cloud instance metadata services (169.254.169.254).
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsLoopbackHostname checks whether a hostname represents a loopback
// address: "localhost", anything in 127.0.0.0/8, or ::1. Expects the
// hostname without port, as returned by url.URL.Hostname().
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}
