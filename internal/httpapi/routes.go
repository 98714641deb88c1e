package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fenestra/quotehub/internal/autopilot"
	"github.com/fenestra/quotehub/internal/metrics"
	"github.com/fenestra/quotehub/internal/ratelimit"
	"github.com/fenestra/quotehub/internal/resource"
	"github.com/fenestra/quotehub/internal/session"
	"github.com/fenestra/quotehub/internal/store"
	"github.com/fenestra/quotehub/internal/ws"
)

// Dependencies carries everything the route handlers need.
type Dependencies struct {
	Registry  *session.Registry
	Resources *resource.Manager
	Scheduler *autopilot.Scheduler
	Store     store.Store
	Metrics   *metrics.Registry

	// Proxy controls whether X-Forwarded-For is trusted for IP bucketing.
	Proxy bool

	// WSOptions configures upgraded connections.
	WSOptions ws.Options
}

// MountRoutes registers the API surface. Every rate-limited route gets its
// own engine so hit tables are shared across invocations of one handler
// but never across handlers. Decorators evaluate outermost-first:
// ratelimit stack, then role restriction, then access validation.
func MountRoutes(r chi.Router, d Dependencies) {
	limited := func(route string, policies ...ratelimit.Policy) func(http.Handler) http.Handler {
		engine := ratelimit.NewEngine(policies...)
		if d.Metrics != nil {
			engine.WithRejectionCounter(d.Metrics.RatelimitRejections)
		}
		return engine.Middleware(keyer{registry: d.Registry, proxy: d.Proxy, route: route})
	}

	perMinute := func(limit int, b ratelimit.Bucket) ratelimit.Policy {
		return ratelimit.Policy{Limit: limit, Interval: time.Minute, Bucket: b}
	}

	userOnly := requireRole(d.Registry, false)
	autopilotOnly := requireRole(d.Registry, true)
	access := validateAccess(d.Registry)

	r.Route("/auth", func(r chi.Router) {
		r.With(
			limited("auth.login", perMinute(10, ratelimit.BucketIP), perMinute(100, ratelimit.BucketRoute)),
		).Post("/login", wrap(loginHandler(d)))

		r.With(
			limited("auth.refresh", perMinute(10, ratelimit.BucketIP), perMinute(10, ratelimit.BucketToken)),
		).Post("/refresh", wrap(refreshHandler(d)))

		r.With(
			limited("auth.logout", perMinute(10, ratelimit.BucketIP), perMinute(10, ratelimit.BucketUser)),
			access,
		).Post("/logout", wrap(logoutHandler(d)))
	})

	r.Route("/resource/{rtype}/{rid}", func(r chi.Router) {
		r.With(
			limited("resource.acquire", perMinute(10, ratelimit.BucketUser)),
			userOnly, access,
		).Post("/acquire", wrap(acquireHandler(d)))
		r.With(
			limited("resource.release", perMinute(10, ratelimit.BucketUser)),
			userOnly, access,
		).Post("/release", wrap(releaseHandler(d)))
		r.With(
			limited("resource.preview", perMinute(10, ratelimit.BucketUser)),
			userOnly, access,
		).Get("/preview", wrap(previewHandler(d)))
		r.With(
			limited("resource.view", perMinute(10, ratelimit.BucketUser)),
			userOnly, access,
		).Get("/view", wrap(viewHandler(d)))
	})

	r.With(
		limited("ws.user", perMinute(10, ratelimit.BucketToken)),
		userOnly,
		access,
	).Get("/ws/user", wrap(userSocketHandler(d)))

	r.With(
		limited("ws.autopilot", perMinute(10, ratelimit.BucketToken)),
		autopilotOnly,
		access,
	).Get("/ws/autopilot", wrap(autopilotSocketHandler(d)))

	r.With(
		limited("autopilot.tasks", perMinute(10, ratelimit.BucketUser)),
		userOnly,
		access,
	).Post("/autopilot/tasks", wrap(queueTaskHandler(d)))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "ok",
			"queued_tasks": d.Scheduler.QueueLen(),
		})
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}
