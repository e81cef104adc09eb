package web

import (
	"context"
	"net"
	"net/http"

	"github.com/JonMunkholm/cdp/internal/core"
)

// WithRequestMetadata adds the client IP to ctx for audit logging.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	return core.ContextWithIPAddress(ctx, clientIP(r))
}

// clientIP returns the request's client address without the port.
// RemoteAddr has already been rewritten by TrustedRealIP.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
