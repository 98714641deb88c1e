// Package resource implements the server-side editable documents and
// their at-most-one-writer lock protocol. A session holds at most one
// resource and a resource is held by at most one session; both directions
// of that invariant are maintained exclusively by the Manager's transition
// methods.
package resource

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fenestra/quotehub/internal/identity"
	"github.com/fenestra/quotehub/internal/session"
)

// Key identifies a resource within the catalogue.
type Key struct {
	Type string
	ID   int
}

func (k Key) String() string { return k.Type + "/" + strconv.Itoa(k.ID) }

// ParseKey splits a catalogue key back into its parts.
func ParseKey(s string) (Key, bool) {
	typ, rawID, ok := strings.Cut(s, "/")
	if !ok {
		return Key{}, false
	}
	id, err := strconv.Atoi(rawID)
	if err != nil {
		return Key{}, false
	}
	return Key{Type: typ, ID: id}, true
}

// Version selects how much of a resource ToJSON renders.
type Version int

const (
	VersionMetadata Version = iota
	VersionPreview
	VersionView
)

// Resource is a lockable document. Concrete kinds embed LockState and are
// constructed by their catalogue loader; the unexported state method keeps
// implementations inside this package.
type Resource interface {
	Key() Key
	Owner() *identity.User
	Locked() bool
	BoundSessionID() string
	LastActive() time.Time
	IsIdle(grace time.Duration, now time.Time) bool
	ToJSON(v Version) map[string]any

	state() *LockState
}

// LockState carries the lock fields shared by every resource kind. The
// Manager's mutex guards all access.
type LockState struct {
	boundSession *session.Session
	lastActive   time.Time
}

// Locked reports whether a session holds the resource.
func (l *LockState) Locked() bool { return l.boundSession != nil }

// BoundSessionID returns the holder's session ID, or the empty string.
func (l *LockState) BoundSessionID() string {
	if l.boundSession == nil {
		return ""
	}
	return l.boundSession.ID()
}

// LastActive returns the last release time (load time for fresh loads).
func (l *LockState) LastActive() time.Time { return l.lastActive }

// IsIdle reports whether the resource is unlocked and has been inactive
// past the grace period. Locked resources are never idle.
func (l *LockState) IsIdle(grace time.Duration, now time.Time) bool {
	return l.boundSession == nil && l.lastActive.Add(grace).Before(now)
}

func (l *LockState) state() *LockState { return l }

// Conflict errors. Their messages are client-visible: the HTTP layer
// surfaces them verbatim in 409 bodies.

// LockedError reports an acquire attempt on a resource another session
// holds.
type LockedError struct {
	Resource Resource
}

func (e *LockedError) Error() string {
	return "Requested resource is already locked by another session"
}

// SessionBoundError reports an acquire attempt by a session that already
// holds a resource.
type SessionBoundError struct {
	Session *session.Session
}

func (e *SessionBoundError) Error() string {
	return "Requesting session is already bound to a resource"
}

// NotOwnedError reports a release or access attempt on a resource the
// session does not hold.
type NotOwnedError struct {
	Session *session.Session
}

func (e *NotOwnedError) Error() string {
	return "Requesting session is not bound to the requested resource"
}

// BadRequestError reports malformed resource addressing (unknown type or
// non-integer ID).
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return e.Reason }

// NotFoundError reports that a required record was missing during load.
type NotFoundError struct {
	Key Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Resource %s does not exist", e.Key)
}
