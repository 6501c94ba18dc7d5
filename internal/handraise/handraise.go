// Package handraise implements the Hand-Raise Engine (spec §4.7): a TTL
// table of raised hands keyed by (meetingId, userId), with automatic
// expiry and moderator-driven lower/lowerAll.
//
// Grounded on the teacher's raiseHand/handDrawOrderQueue handling in
// internal/v1/session/methods.go, generalized from a per-room in-memory
// list ordered by draw order into a TTL table ordered by raisedAt, keyed
// on userId (not participantId) so a hand-raise survives reconnection
// within the TTL window, per spec §4.7/§3.
package handraise

import (
	"sort"
	"sync"
	"time"

	"github.com/classroomlive/control-plane/internal/domain"
)

// DefaultTTL is T_hand from spec §4.7.
const DefaultTTL = 120 * time.Second

type key struct {
	meetingID string
	userID    string
}

// AutoLowerFunc is called when a raised hand expires without an explicit
// lower. The gateway wires this to broadcast hand-auto-lowered.
type AutoLowerFunc func(meetingID, userID string)

// Engine tracks raised hands across every meeting.
type Engine struct {
	ttl         time.Duration
	onAutoLower AutoLowerFunc
	now         func() time.Time

	mu      sync.Mutex
	entries map[key]*domain.RaisedHand
	timers  map[key]*time.Timer
}

// New builds an Engine with the given TTL. onAutoLower may be nil.
func New(ttl time.Duration, onAutoLower AutoLowerFunc) *Engine {
	return &Engine{
		ttl:         ttl,
		onAutoLower: onAutoLower,
		now:         time.Now,
		entries:     make(map[key]*domain.RaisedHand),
		timers:      make(map[key]*time.Timer),
	}
}

// Raise inserts a raised-hand entry for (meetingID, userID), or is a
// no-op if one already exists. Returns the entry and whether it was
// newly created.
func (e *Engine) Raise(meetingID, userID, displayName string) (*domain.RaisedHand, bool) {
	k := key{meetingID, userID}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.entries[k]; ok {
		return existing, false
	}

	now := e.now()
	rh := &domain.RaisedHand{
		MeetingID:   meetingID,
		UserID:      userID,
		DisplayName: displayName,
		RaisedAt:    now,
		ExpiresAt:   now.Add(e.ttl),
	}
	e.entries[k] = rh
	e.timers[k] = time.AfterFunc(e.ttl, func() { e.expire(k) })
	return rh, true
}

func (e *Engine) expire(k key) {
	e.mu.Lock()
	_, existed := e.entries[k]
	delete(e.entries, k)
	delete(e.timers, k)
	e.mu.Unlock()

	if existed && e.onAutoLower != nil {
		e.onAutoLower(k.meetingID, k.userID)
	}
}

// removeLocked cancels the timer and deletes the entry for k. Caller
// must hold e.mu.
func (e *Engine) removeLocked(k key) bool {
	if t, ok := e.timers[k]; ok {
		t.Stop()
		delete(e.timers, k)
	}
	_, existed := e.entries[k]
	delete(e.entries, k)
	return existed
}

// Lower removes the raised-hand entry for (meetingID, userID), whether
// initiated by the participant or a moderator (hostLower). Returns
// whether an entry was actually present.
func (e *Engine) Lower(meetingID, userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(key{meetingID, userID})
}

// LowerAll removes every raised-hand entry for a meeting, returning the
// entries that were cleared so the caller can broadcast them.
func (e *Engine) LowerAll(meetingID string) []domain.RaisedHand {
	e.mu.Lock()
	defer e.mu.Unlock()

	var cleared []domain.RaisedHand
	for k, rh := range e.entries {
		if k.meetingID != meetingID {
			continue
		}
		cleared = append(cleared, *rh)
		e.removeLocked(k)
	}
	return cleared
}

// ListRaised returns every raised hand in a meeting, ordered by raisedAt
// ascending (spec §4.7).
func (e *Engine) ListRaised(meetingID string) []domain.RaisedHand {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []domain.RaisedHand
	for k, rh := range e.entries {
		if k.meetingID != meetingID {
			continue
		}
		out = append(out, *rh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.Before(out[j].RaisedAt) })
	return out
}

// ClearUser removes every raised-hand entry for userID across all
// meetings.
func (e *Engine) ClearUser(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.entries {
		if k.userID == userID {
			e.removeLocked(k)
		}
	}
}

// StopAll cancels every outstanding expiry timer. Call on shutdown.
func (e *Engine) StopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, t := range e.timers {
		t.Stop()
		delete(e.timers, k)
	}
}
