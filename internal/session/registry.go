package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fenestra/quotehub/internal/identity"
)

var (
	// ErrTooManyTokens is returned by Login when the user is at the
	// configured unexpired-token cap.
	ErrTooManyTokens = errors.New("Too many unexpired tokens")

	// ErrInvalidKey is returned when a presented access or refresh key does
	// not resolve to a usable token.
	ErrInvalidKey = errors.New("Invalid or expired token")
)

// ReleaseFunc releases whatever resource the session holds. The resource
// manager supplies it so the sweeper can unlock resources of sessions that
// lost their last connection.
type ReleaseFunc func(*Session)

// Registry owns the in-memory credential state: every live token indexed
// by both of its keys, the per-user unexpired token sets, and the session
// table. Nothing here is persisted; a restart logs everyone out.
//
// One mutex guards all three tables. Critical sections never block on I/O;
// the sweeper closes connections outside the lock.
type Registry struct {
	accessTTL        time.Duration
	refreshTTL       time.Duration
	maxTokensPerUser int

	release ReleaseFunc
	logger  *slog.Logger

	mu         sync.Mutex
	keyToToken map[string]*Token
	userTokens map[int]map[*Token]struct{}
	sessions   map[string]*Session
}

// NewRegistry creates an empty registry. release may be nil until the
// resource manager is wired in via SetReleaseFunc.
func NewRegistry(accessTTL, refreshTTL time.Duration, maxTokensPerUser int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		accessTTL:        accessTTL,
		refreshTTL:       refreshTTL,
		maxTokensPerUser: maxTokensPerUser,
		logger:           logger,
		keyToToken:       make(map[string]*Token),
		userTokens:       make(map[int]map[*Token]struct{}),
		sessions:         make(map[string]*Session),
	}
}

// SetReleaseFunc wires the resource-release callback used by the sweeper.
func (r *Registry) SetReleaseFunc(f ReleaseFunc) { r.release = f }

// Login mints a fresh token for the user. When sessionID names a cached
// session belonging to the same user it is reused, otherwise a new session
// is created. The token cap is checked inside the same critical section as
// the insert, so it is best-effort under racing logins.
func (r *Registry) Login(user *identity.User, sessionID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.userTokens[user.ID]
	if len(set) >= r.maxTokensPerUser {
		return nil, ErrTooManyTokens
	}

	var sess *Session
	if sessionID != "" {
		if cached, ok := r.sessions[sessionID]; ok && cached.User().ID == user.ID {
			sess = cached
		}
	}
	if sess == nil {
		sess = New(user)
		r.sessions[sess.ID()] = sess
		r.logger.Info("session issued",
			slog.String("user", user.String()), slog.String("session_id", sess.ID()))
	}

	token := newToken(sess, r.accessTTL, r.refreshTTL)
	if set == nil {
		set = make(map[*Token]struct{})
		r.userTokens[user.ID] = set
	}
	set[token] = struct{}{}
	r.indexToken(token)

	r.logger.Info("token issued",
		slog.String("user", user.String()), slog.String("token_id", token.ID()))
	return token, nil
}

// Refresh rotates the token addressed by refreshKey. Both keys and both
// deadlines are replaced atomically with respect to other registry
// operations.
func (r *Registry) Refresh(refreshKey string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.keyToToken[refreshKey]
	if !ok || token.Refresh() != refreshKey || token.Expired(time.Now()) {
		return nil, ErrInvalidKey
	}

	r.unindexToken(token)
	token.Renew(r.accessTTL, r.refreshTTL)
	r.indexToken(token)

	r.logger.Info("token renewed",
		slog.String("user", token.Session().User().String()), slog.String("token_id", token.ID()))
	return token, nil
}

// Logout kills the token addressed by accessKey. The token stays
// addressable until swept, so the response can still render it.
func (r *Registry) Logout(accessKey string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.keyToToken[accessKey]
	if !ok || token.Access() != accessKey || !token.Active(time.Now()) {
		return nil, ErrInvalidKey
	}

	token.Kill(time.Now())
	r.logger.Info("token killed",
		slog.String("user", token.Session().User().String()), slog.String("token_id", token.ID()))
	return token, nil
}

// TokenByAccess resolves an access key to its token if the key currently
// authorizes requests.
func (r *Registry) TokenByAccess(accessKey string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.keyToToken[accessKey]
	if !ok || token.Access() != accessKey || !token.Active(time.Now()) {
		return nil, false
	}
	return token, true
}

// SessionByID returns the cached session with the given ID.
func (r *Registry) SessionByID(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// TokenCount reports how many unexpired tokens the user holds.
func (r *Registry) TokenCount(userID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.userTokens[userID])
}

func (r *Registry) indexToken(t *Token) {
	r.keyToToken[t.Access()] = t
	r.keyToToken[t.Refresh()] = t
}

func (r *Registry) unindexToken(t *Token) {
	delete(r.keyToToken, t.Access())
	delete(r.keyToToken, t.Refresh())
}

// Sweep evicts expired credentials and the garbage they leave behind:
//
//  1. Expired tokens lose both key index entries and their user-set slot;
//     any connection opened under an expired token is marked for closing.
//  2. Empty token sets are dropped.
//  3. Marked connections are closed concurrently, outside the lock.
//  4. Sessions without connections release their resource; sessions whose
//     user no longer holds tokens are removed.
//
// Iteration works over key snapshots and tolerates entries that vanish
// between snapshot and lookup.
func (r *Registry) Sweep(ctx context.Context) {
	now := time.Now()
	var doomed []Conn

	r.mu.Lock()
	for _, key := range mapKeys(r.keyToToken) {
		token, ok := r.keyToToken[key]
		if !ok || !token.Expired(now) {
			continue
		}
		r.unindexToken(token)

		sess := token.Session()
		if c := sess.DetachConn(token.ID()); c != nil {
			doomed = append(doomed, c)
		}

		user := sess.User()
		if set, ok := r.userTokens[user.ID]; ok {
			delete(set, token)
			r.logger.Info("token discarded",
				slog.String("user", user.String()), slog.String("token_id", token.ID()))
		}
	}

	for userID, set := range r.userTokens {
		if len(set) == 0 {
			delete(r.userTokens, userID)
		}
	}
	r.mu.Unlock()

	closeAll(ctx, doomed, r.logger)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range mapKeys(r.sessions) {
		sess, ok := r.sessions[id]
		if !ok {
			continue
		}
		if !sess.Connected() && r.release != nil {
			r.release(sess)
		}
		if _, ok := r.userTokens[sess.User().ID]; !ok {
			delete(r.sessions, id)
			r.logger.Info("session discarded",
				slog.String("user", sess.User().String()), slog.String("session_id", id))
		}
	}
}

// RunSweeper sweeps on every tick of interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func closeAll(ctx context.Context, conns []Conn, logger *slog.Logger) {
	if len(conns) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			if err := c.CloseExpired(); err != nil {
				logger.Error("failed to close expired connection", slog.String("error", err.Error()))
			}
		}(c)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func mapKeys[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
