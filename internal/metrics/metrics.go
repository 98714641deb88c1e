package metrics

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the control plane's Prometheus collectors.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal        *prometheus.CounterVec
	TokensIssued         prometheus.Counter
	RatelimitRejections  prometheus.Counter
	ResourceEvictions    prometheus.Counter
	WSConnections        prometheus.Gauge
	TasksDispatchedTotal prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotehub_requests_total",
			Help: "HTTP requests served, by route and status",
		}, []string{"route", "status"}),
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotehub_tokens_issued_total",
			Help: "Access/refresh token pairs minted",
		}),
		RatelimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotehub_ratelimit_rejections_total",
			Help: "Requests rejected with 429",
		}),
		ResourceEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotehub_resource_evictions_total",
			Help: "Idle resources evicted from the cache",
		}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotehub_ws_connections",
			Help: "Live WebSocket connections",
		}),
		TasksDispatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotehub_tasks_dispatched_total",
			Help: "Jobs handed to autopilot workers",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.TokensIssued, m.RatelimitRejections,
		m.ResourceEvictions, m.WSConnections, m.TasksDispatchedTotal,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Middleware counts served requests by chi route pattern and status.
func (m *Registry) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.RequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		})
	}
}
