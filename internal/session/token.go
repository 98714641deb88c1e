package session

import "time"

// Token is an access/refresh credential pair bound to a session. Both keys
// are opaque 32-byte url-safe strings; they are rotated together by Renew
// and become permanently unusable once the token is killed.
//
// Tokens compare by ID. Field access is not synchronized here; the
// Registry serializes all mutation behind its own mutex.
type Token struct {
	id      string
	session *Session

	access         string
	refresh        string
	accessExpires  time.Time
	refreshExpires time.Time
	killedAt       *time.Time
}

func newToken(s *Session, accessTTL, refreshTTL time.Duration) *Token {
	t := &Token{
		id:      NewKey(32),
		session: s,
	}
	t.Renew(accessTTL, refreshTTL)
	return t
}

// ID returns the token's immutable identity.
func (t *Token) ID() string { return t.id }

// Session returns the session this token was issued against.
func (t *Token) Session() *Session { return t.session }

// Access returns the current access key.
func (t *Token) Access() string { return t.access }

// Refresh returns the current refresh key.
func (t *Token) Refresh() string { return t.refresh }

// AccessExpires returns the access key deadline.
func (t *Token) AccessExpires() time.Time { return t.accessExpires }

// RefreshExpires returns the refresh key deadline.
func (t *Token) RefreshExpires() time.Time { return t.refreshExpires }

// Killed reports whether the token was explicitly revoked.
func (t *Token) Killed() bool { return t.killedAt != nil }

// KilledAt returns the revocation time, or the zero time if not killed.
func (t *Token) KilledAt() time.Time {
	if t.killedAt == nil {
		return time.Time{}
	}
	return *t.killedAt
}

// Active reports whether the access key currently authorizes requests.
func (t *Token) Active(now time.Time) bool {
	return !t.Killed() && now.Before(t.accessExpires)
}

// Expired reports whether the token can no longer be refreshed. Expired
// tokens are garbage and will be removed by the sweeper.
func (t *Token) Expired(now time.Time) bool {
	return t.Killed() || !now.Before(t.refreshExpires)
}

// Kill revokes the token. Killing is terminal; it returns false if the
// token was already killed.
func (t *Token) Kill(now time.Time) bool {
	if t.Killed() {
		return false
	}
	killed := now
	t.killedAt = &killed
	return true
}

// Renew rotates both keys and pushes both deadlines out from now. It is a
// no-op on a killed token and reports whether anything changed.
func (t *Token) Renew(accessTTL, refreshTTL time.Duration) bool {
	if t.Killed() {
		return false
	}
	now := time.Now()
	t.access = NewKey(32)
	t.refresh = NewKey(32)
	t.accessExpires = now.Add(accessTTL)
	t.refreshExpires = now.Add(refreshTTL)
	return true
}

// ToJSON renders the token for API responses.
func (t *Token) ToJSON() map[string]any {
	var killedAt any
	if t.killedAt != nil {
		killedAt = EncodeTime(*t.killedAt)
	}
	return map[string]any{
		"access":          t.access,
		"refresh":         t.refresh,
		"access_expires":  EncodeTime(t.accessExpires),
		"refresh_expires": EncodeTime(t.refreshExpires),
		"killed":          t.Killed(),
		"killed_at":       killedAt,
	}
}
