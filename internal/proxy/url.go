package proxy

import "strings"

const defaultScheme = "https://"

// NormalizeURL trims raw and prepends https:// when no http(s) scheme is present.
func NormalizeURL(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	if u == "" {
		return "", ErrURLRequired
	}
	if !hasHTTPScheme(u) {
		u = defaultScheme + u
	}
	return u, nil
}

func hasHTTPScheme(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
