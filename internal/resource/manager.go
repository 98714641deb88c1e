package resource

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fenestra/quotehub/internal/session"
)

// Loader hydrates one resource kind from its backing records.
type Loader interface {
	Load(ctx context.Context, id int) (Resource, error)
}

// Manager owns the resource cache and every lock transition. Transitions
// happen entirely inside the manager's mutex, so acquire/release are
// atomic with respect to other resource operations.
type Manager struct {
	loaders map[string]Loader
	grace   time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[Key]Resource

	evictions prometheus.Counter // optional
}

// NewManager creates a manager with the given catalogue of loaders.
func NewManager(loaders map[string]Loader, grace time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		loaders: loaders,
		grace:   grace,
		logger:  logger,
		cache:   make(map[Key]Resource),
	}
}

// WithEvictionCounter attaches a Prometheus counter incremented per evicted
// cache entry.
func (m *Manager) WithEvictionCounter(c prometheus.Counter) *Manager {
	m.evictions = c
	return m
}

// Get returns the cached resource for rtype/rid, loading and caching it on
// first access. A non-integer rid or unknown rtype is a BadRequestError;
// loaders report their own not-found failures.
func (m *Manager) Get(ctx context.Context, rtype, rid string) (Resource, error) {
	id, err := strconv.Atoi(rid)
	if err != nil {
		return nil, &BadRequestError{Reason: "Resource ID must be an integer"}
	}

	loader, ok := m.loaders[rtype]
	if !ok {
		return nil, &BadRequestError{Reason: "Unknown resource type"}
	}

	key := Key{Type: rtype, ID: id}

	m.mu.Lock()
	if cached, ok := m.cache[key]; ok {
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	loaded, err := loader.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A concurrent load may have won; the first insert sticks so lock state
	// stays on a single object.
	if cached, ok := m.cache[key]; ok {
		return cached, nil
	}
	m.cache[key] = loaded
	m.logger.Info("resource loaded", slog.String("key", key.String()))
	return loaded, nil
}

// Acquire locks the resource for the session and records the lock on both
// sides.
func (m *Manager) Acquire(sess *session.Session, r Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls := r.state()
	if ls.boundSession != nil {
		return &LockedError{Resource: r}
	}
	if sess.BoundResource() != "" {
		return &SessionBoundError{Session: sess}
	}

	ls.boundSession = sess
	sess.SetBoundResource(r.Key().String())
	m.logger.Info("resource acquired",
		slog.String("key", r.Key().String()), slog.String("session_id", sess.ID()))
	return nil
}

// Release unlocks the resource. Releasing an unlocked resource is a no-op.
// Unless unconditional, only the holding session may release; the release
// refreshes last_active so the idle clock restarts.
func (m *Manager) Release(sess *session.Session, r Resource, unconditional bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(sess, r, unconditional)
}

func (m *Manager) releaseLocked(sess *session.Session, r Resource, unconditional bool) error {
	ls := r.state()
	if ls.boundSession == nil {
		return nil
	}
	if !unconditional && ls.boundSession != sess {
		return &NotOwnedError{Session: sess}
	}

	holder := ls.boundSession
	ls.boundSession = nil
	ls.lastActive = time.Now()
	holder.SetBoundResource("")
	m.logger.Info("resource released", slog.String("key", r.Key().String()))
	return nil
}

// EnsureAcquired fails unless the session currently holds the resource.
func (m *Manager) EnsureAcquired(sess *session.Session, r Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.state().boundSession != sess {
		return &NotOwnedError{Session: sess}
	}
	return nil
}

// ReleaseBySession unconditionally releases whatever resource the session
// holds. The session sweeper calls this for sessions that lost their last
// connection.
func (m *Manager) ReleaseBySession(sess *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := ParseKey(sess.BoundResource())
	if !ok {
		return
	}
	if r, ok := m.cache[key]; ok {
		_ = m.releaseLocked(sess, r, true)
		return
	}
	// Cache miss with a bound key should not happen; clear the session side
	// so it does not wedge.
	sess.SetBoundResource("")
}

// Sweep evicts unlocked cache entries that have been idle past the grace
// period. Acquired resources are never evicted.
func (m *Manager) Sweep() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, r := range m.cache {
		if !r.IsIdle(m.grace, now) {
			continue
		}
		delete(m.cache, key)
		if m.evictions != nil {
			m.evictions.Inc()
		}
		m.logger.Info("resource unloaded",
			slog.String("key", key.String()),
			slog.Time("last_active", r.LastActive()))
	}
}

// Cached reports whether the key is currently in the cache. Used by tests
// and the health endpoint.
func (m *Manager) Cached(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cache[key]
	return ok
}

// RunSweeper evicts idle resources on every tick until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
