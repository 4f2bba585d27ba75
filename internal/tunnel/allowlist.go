package tunnel

import (
	"net"
	"regexp"
	"strings"
)

// The relay only fronts Apple's purchase and authentication endpoints.
var allowedHosts = map[string]struct{}{
	"auth.itunes.apple.com": {},
	"buy.itunes.apple.com":  {},
	"init.itunes.apple.com": {},
}

var buyShardPattern = regexp.MustCompile(`^p\d+-buy\.itunes\.apple\.com$`)

// hostAllowed reports whether hostname may be dialed. Literal IPs are
// rejected before any pattern matching.
func hostAllowed(hostname string) bool {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return false
	}
	if ip := net.ParseIP(strings.Trim(hostname, "[]")); ip != nil {
		return false
	}
	if _, ok := allowedHosts[hostname]; ok {
		return true
	}
	return buyShardPattern.MatchString(hostname)
}
