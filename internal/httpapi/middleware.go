package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/fenestra/quotehub/internal/ratelimit"
	"github.com/fenestra/quotehub/internal/session"
)

type contextKey string

const tokenContextKey contextKey = "token"

// tokenFromContext returns the validated token attached by validateAccess.
func tokenFromContext(ctx context.Context) *session.Token {
	t, _ := ctx.Value(tokenContextKey).(*session.Token)
	return t
}

// bearerKey extracts the opaque key from the Authorization header.
func bearerKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// keyer derives ratelimit bucket keys for one registered route.
type keyer struct {
	registry *session.Registry
	proxy    bool
	route    string
}

func (k keyer) Key(b ratelimit.Bucket, r *http.Request) string {
	switch b {
	case ratelimit.BucketIP:
		return k.clientIP(r)
	case ratelimit.BucketUser:
		if t, ok := k.registry.TokenByAccess(bearerKey(r)); ok {
			return strconv.Itoa(t.Session().User().ID)
		}
		return "anon"
	case ratelimit.BucketToken:
		if key := bearerKey(r); key != "" {
			return key
		}
		return "anon"
	case ratelimit.BucketRoute:
		return k.route
	}
	return "anon"
}

// clientIP honors the deployment's proxy setting: behind a proxy the first
// X-Forwarded-For element wins, otherwise X-Real-IP, otherwise the socket
// address.
func (k keyer) clientIP(r *http.Request) string {
	if k.proxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "anon"
	}
	return host
}

// requireRole restricts a route to human operators or to autopilots. It
// resolves the caller through its access key but leaves full validation to
// validateAccess, which runs after it in the chain.
func requireRole(registry *session.Registry, autopilot bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return wrap(func(w http.ResponseWriter, r *http.Request) error {
			token, ok := registry.TokenByAccess(bearerKey(r))
			if !ok {
				return unauthorized("Invalid or expired access token")
			}
			if token.Session().User().Autopilot != autopilot {
				if autopilot {
					return forbidden("This endpoint is restricted to autopilots")
				}
				return forbidden("This endpoint is restricted to users")
			}
			next.ServeHTTP(w, r)
			return nil
		})
	}
}

// validateAccess requires a live access key and attaches the resolved
// token to the request context.
func validateAccess(registry *session.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return wrap(func(w http.ResponseWriter, r *http.Request) error {
			key := bearerKey(r)
			if key == "" {
				return badRequest("Missing bearer token")
			}
			token, ok := registry.TokenByAccess(key)
			if !ok {
				return unauthorized("Invalid or expired access token")
			}
			ctx := context.WithValue(r.Context(), tokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
			return nil
		})
	}
}
