// Package session resolves the key of the session a client is talking to.
package session

import (
	"strings"
	"time"

	"pulsar-assistant/internal/domain"
)

// KeyLayout is the timestamp layout used for freshly created session keys.
const KeyLayout = "2006-01-02_15-04-05.000000"

// Resolver maps the client's current key to the active session key. It holds
// a single pending slot for a key that has been generated but not yet
// committed by the caller. A Resolver is not safe for concurrent use; keep one
// per client session.
type Resolver struct {
	now     func() time.Time
	pending string
}

// NewResolver returns a Resolver using now as its clock (time.Now if nil).
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// Resolve returns current unchanged unless it is the new-session sentinel (or
// blank), in which case a fresh timestamp key is generated, stored in the
// pending slot and returned.
func (r *Resolver) Resolve(current string) string {
	current = strings.TrimSpace(current)
	if current != "" && current != domain.NewSessionKey {
		return current
	}
	r.pending = r.now().UTC().Format(KeyLayout)
	return r.pending
}

// Pending returns the key generated by the last Resolve of a new session.
func (r *Resolver) Pending() (string, bool) {
	return r.pending, r.pending != ""
}

// Clear empties the pending slot once the caller has adopted the key.
func (r *Resolver) Clear() {
	r.pending = ""
}

// IsNew reports whether key asks for a new session.
func IsNew(key string) bool {
	key = strings.TrimSpace(key)
	return key == "" || key == domain.NewSessionKey
}
