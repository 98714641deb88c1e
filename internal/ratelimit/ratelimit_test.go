package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticKeyer buckets every request under a fixed key per bucket type.
type staticKeyer map[Bucket]string

func (k staticKeyer) Key(b Bucket, _ *http.Request) string { return k[b] }

func newRequest() *http.Request {
	return httptest.NewRequest(http.MethodGet, "/x", nil)
}

func TestCheck_AllowsUpToLimit(t *testing.T) {
	e := NewEngine(Policy{Limit: 3, Interval: time.Minute, Bucket: BucketIP})
	k := staticKeyer{BucketIP: "1.2.3.4"}
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, ok := e.Check(k, newRequest(), now)
		require.True(t, ok, "hit %d", i)
	}
	p, ok := e.Check(k, newRequest(), now)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, p.Interval)
}

func TestCheck_WindowSlides(t *testing.T) {
	e := NewEngine(Policy{Limit: 2, Interval: time.Minute, Bucket: BucketIP})
	k := staticKeyer{BucketIP: "1.2.3.4"}
	now := time.Now()

	_, ok := e.Check(k, newRequest(), now)
	require.True(t, ok)
	_, ok = e.Check(k, newRequest(), now.Add(30*time.Second))
	require.True(t, ok)
	_, ok = e.Check(k, newRequest(), now.Add(45*time.Second))
	require.False(t, ok)

	// The first hit ages out; one slot opens.
	_, ok = e.Check(k, newRequest(), now.Add(61*time.Second))
	assert.True(t, ok)
	_, ok = e.Check(k, newRequest(), now.Add(62*time.Second))
	assert.False(t, ok)
}

func TestCheck_BucketsAreIndependent(t *testing.T) {
	e := NewEngine(Policy{Limit: 1, Interval: time.Minute, Bucket: BucketIP})
	now := time.Now()

	_, ok := e.Check(staticKeyer{BucketIP: "a"}, newRequest(), now)
	require.True(t, ok)
	_, ok = e.Check(staticKeyer{BucketIP: "a"}, newRequest(), now)
	require.False(t, ok)

	// A different caller has its own window.
	_, ok = e.Check(staticKeyer{BucketIP: "b"}, newRequest(), now)
	assert.True(t, ok)
}

func TestCheck_FirstRejectionWins(t *testing.T) {
	e := NewEngine(
		Policy{Limit: 1, Interval: time.Minute, Bucket: BucketIP},
		Policy{Limit: 10, Interval: time.Minute, Bucket: BucketRoute},
	)
	k := staticKeyer{BucketIP: "a", BucketRoute: "login"}
	now := time.Now()

	_, ok := e.Check(k, newRequest(), now)
	require.True(t, ok)

	// Second request trips the IP policy; the route policy is not charged.
	p, ok := e.Check(k, newRequest(), now)
	require.False(t, ok)
	assert.Equal(t, BucketIP, p.Bucket)

	// A fresh IP sees only one prior route hit, not two.
	for i := 0; i < 9; i++ {
		_, ok = e.Check(staticKeyer{BucketIP: "b", BucketRoute: "login"}, newRequest(), now)
		require.True(t, ok, "route hit %d", i)
	}
	p, ok = e.Check(staticKeyer{BucketIP: "c", BucketRoute: "login"}, newRequest(), now)
	require.False(t, ok)
	assert.Equal(t, BucketRoute, p.Bucket)
}

func TestEnginesDoNotShareTables(t *testing.T) {
	p := Policy{Limit: 1, Interval: time.Minute, Bucket: BucketIP}
	a, b := NewEngine(p), NewEngine(p)
	k := staticKeyer{BucketIP: "a"}
	now := time.Now()

	_, ok := a.Check(k, newRequest(), now)
	require.True(t, ok)
	_, ok = a.Check(k, newRequest(), now)
	require.False(t, ok)

	_, ok = b.Check(k, newRequest(), now)
	assert.True(t, ok, "second engine keeps its own hit table")
}

func TestMiddleware_Rejection(t *testing.T) {
	e := NewEngine(Policy{Limit: 1, Interval: time.Minute, Bucket: BucketIP})
	h := e.Middleware(staticKeyer{BucketIP: "a"})(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
	))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"message":"Too many requests"}`, rec.Body.String())
}
