package middleware

import (
	"net/http"
	"strings"
)

// CheckOrigin builds the origin policy for the WebSocket upgrader.
// An empty allow-list accepts every origin (development mode); entries
// are matched against the Origin header host, port included.
func CheckOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[strings.ToLower(strings.TrimSpace(a))] = true
	}

	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" {
			// Non-browser clients send no Origin header.
			return true
		}
		origin = strings.TrimPrefix(origin, "https://")
		origin = strings.TrimPrefix(origin, "http://")
		return set[origin]
	}
}
