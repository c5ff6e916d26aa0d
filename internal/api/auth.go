package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// authMiddleware guards endpoints with a static bearer token. When a token
// is configured every request must present it. Without a token only local
// requests are accepted, on the assumption that the bind address is loopback.
type authMiddleware struct {
	token  string
	logger *slog.Logger
}

func newAuthMiddleware(token string, logger *slog.Logger) *authMiddleware {
	return &authMiddleware{token: token, logger: logger}
}

// isLocalRequest checks if the request comes from a local address.
func isLocalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	return ip.IsLoopback() || ip.IsPrivate()
}

// extractToken gets the bearer token from the Authorization header.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}

func (am *authMiddleware) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if am.token == "" {
			if !isLocalRequest(r.RemoteAddr) {
				am.logger.Warn("rejected non-local request", "remote", r.RemoteAddr, "path", r.URL.Path)
				writeError(w, http.StatusForbidden, "Access denied: non-local requests not allowed")
				return
			}
			next(w, r)
			return
		}

		if extractToken(r) != am.token {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "Unauthorized: valid token required")
			return
		}

		next(w, r)
	}
}
