// Package ratelimit implements the per-endpoint sliding-window rate
// limiter. Each rate-limited route carries an ordered stack of policies;
// every policy buckets callers by IP, user, token, or route and keeps its
// own hit table. Tables belong to the route, not to the process, so two
// routes with identical policies never share counters.
package ratelimit

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Bucket selects how a policy partitions its callers.
type Bucket int

const (
	BucketIP Bucket = iota
	BucketUser
	BucketToken
	BucketRoute
)

func (b Bucket) String() string {
	switch b {
	case BucketIP:
		return "ip"
	case BucketUser:
		return "user"
	case BucketToken:
		return "token"
	case BucketRoute:
		return "route"
	}
	return "unknown"
}

// Policy is one rate limit: at most Limit hits per Interval per bucket key.
type Policy struct {
	Limit    int
	Interval time.Duration
	Bucket   Bucket
}

// Keyer derives the bucket key for a request. The HTTP layer implements
// it with access to the token registry and proxy configuration; missing
// sources fall back to "anon".
type Keyer interface {
	Key(b Bucket, r *http.Request) string
}

// Engine holds the hit tables for one route's policy stack. It is mutated
// only from request-handling goroutines and serializes behind one mutex.
type Engine struct {
	policies []Policy

	mu   sync.Mutex
	hits []map[string][]time.Time // one table per policy

	rejections prometheus.Counter // optional, nil to disable
}

// NewEngine creates an engine for the given policy stack.
func NewEngine(policies ...Policy) *Engine {
	tables := make([]map[string][]time.Time, len(policies))
	for i := range tables {
		tables[i] = make(map[string][]time.Time)
	}
	return &Engine{policies: policies, hits: tables}
}

// WithRejectionCounter attaches a Prometheus counter incremented on each
// rejected request.
func (e *Engine) WithRejectionCounter(c prometheus.Counter) *Engine {
	e.rejections = c
	return e
}

// Check evaluates the policy stack in order. The first policy to reject
// wins and no later policy is consulted or charged. On rejection the
// offending policy is returned so the caller can set Retry-After.
func (e *Engine) Check(k Keyer, r *http.Request, now time.Time) (Policy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, p := range e.policies {
		key := k.Key(p.Bucket, r)
		table := e.hits[i]

		kept := table[key][:0]
		for _, hit := range table[key] {
			if now.Before(hit.Add(p.Interval)) {
				kept = append(kept, hit)
			}
		}

		if len(kept) >= p.Limit {
			table[key] = kept
			if e.rejections != nil {
				e.rejections.Inc()
			}
			return p, false
		}
		table[key] = append(kept, now)
	}
	return Policy{}, true
}

// Middleware enforces the engine's policy stack, answering 429 with a
// Retry-After header and the standard JSON failure body on rejection.
func (e *Engine) Middleware(k Keyer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p, ok := e.Check(k, r, time.Now()); !ok {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(p.Interval.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"message":"Too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
