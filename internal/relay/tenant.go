package relay

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// tenantDomain is the multi-tenant apex: hosts under it carry the tenant GUID
// as their leftmost DNS label, and client origins are restricted to it.
const tenantDomain = "ccbox.app"

// reservedSubdomains can never be tenant GUIDs.
var reservedSubdomains = map[string]struct{}{
	"www":    {},
	"api":    {},
	"app":    {},
	"relay":  {},
	"static": {},
}

func isReservedSubdomain(sub string) bool {
	_, ok := reservedSubdomains[sub]
	return ok
}

// ResolveGUID derives the tenant GUID for a request: the guid query parameter
// wins, else the leftmost DNS label of the Host header. Either way the value
// must be a lowercase UUID and not a reserved subdomain. Empty return means
// no valid tenant.
func ResolveGUID(hostHeader, queryGUID string) string {
	if guid := strings.ToLower(strings.TrimSpace(queryGUID)); guid != "" {
		if isUUID(guid) && !isReservedSubdomain(guid) {
			return guid
		}
	}

	hostNoPort, _, _ := strings.Cut(hostHeader, ":")
	sub, _, _ := strings.Cut(hostNoPort, ".")
	sub = strings.ToLower(strings.TrimSpace(sub))
	if sub == "" || isReservedSubdomain(sub) || !isUUID(sub) {
		return ""
	}
	return sub
}

// IsAllowedClientOrigin reports whether a browser Origin may use the /client
// and /pair endpoints when origin enforcement applies.
//
// v1 policy: HTTPS only; ccbox.app and any *.ccbox.app subdomain; "null" and
// every other scheme or host rejected.
func IsAllowedClientOrigin(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" || strings.EqualFold(origin, "null") {
		return false
	}

	lower := strings.ToLower(origin)
	rest, ok := strings.CutPrefix(lower, "https://")
	if !ok {
		return false
	}
	hostPort, _, _ := strings.Cut(rest, "/")
	if hostPort == "" {
		return false
	}
	host, _, _ := strings.Cut(hostPort, ":")
	return host == tenantDomain || strings.HasSuffix(host, "."+tenantDomain)
}

// shouldEnforceOrigin reports whether the request host falls under the
// tenant-bearing domain, where the origin allowlist applies.
func shouldEnforceOrigin(hostHeader string) bool {
	host, _, _ := strings.Cut(hostHeader, ":")
	return host == tenantDomain || strings.HasSuffix(host, "."+tenantDomain)
}

// resolveAllowedPairOrigin decides which Origin value, if any, to echo in
// CORS headers on /pair. Under the tenant domain the client allowlist
// applies; elsewhere any http(s) origin is echoed back.
func resolveAllowedPairOrigin(hostHeader, originHeader string) (string, bool) {
	origin := strings.TrimSpace(originHeader)
	if origin == "" || strings.EqualFold(origin, "null") {
		return "", false
	}

	if shouldEnforceOrigin(hostHeader) {
		if IsAllowedClientOrigin(origin) {
			return origin, true
		}
		return "", false
	}

	lower := strings.ToLower(origin)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return origin, true
	}
	return "", false
}

// clientIP resolves the peer address for rate limiting and logging: first
// X-Forwarded-For entry, then X-Real-IP, then the TCP peer.
func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
