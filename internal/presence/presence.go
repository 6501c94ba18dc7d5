// Package presence implements the Presence & Session Engine (spec §4.3):
// per-participant liveness tracking driven by heartbeat, explicit leave
// and a periodic sweeper, producing accurate attendance sessions under
// imperfect network conditions.
//
// Grounded on the teacher's pendingRoomCleanups timer-map idiom in
// internal/v1/session/hub.go (a cancelable grace-period time.AfterFunc
// keyed by room id), generalized here from "one timer per empty room"
// to "one timer per live participant".
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/classroomlive/control-plane/internal/logging"
	"github.com/classroomlive/control-plane/internal/participant"
)

// Config holds the timing constants from spec §4.3.
type Config struct {
	Heartbeat     time.Duration // H, client-driven cadence (informational)
	PersistEvery  time.Duration // T_db, min interval between lastSeenAt writes
	GracePeriod   time.Duration // T_grace, time after last heartbeat before close
	SweepInterval time.Duration // T_sweep, sweeper staleness threshold
}

// DefaultConfig returns the spec's default timing constants.
func DefaultConfig() Config {
	return Config{
		Heartbeat:     10 * time.Second,
		PersistEvery:  30 * time.Second,
		GracePeriod:   45 * time.Second,
		SweepInterval: 150 * time.Second,
	}
}

// Engine tracks liveness for every admitted participant across meetings.
// Internally it keys watchdogs and locks by participantID rather than
// userID: guest joins have no stable userID across reconnects (every
// guest rejoin is a fresh Participant row), so participantID is the only
// identity presence can safely serialize on in every case. Heartbeat and
// ExplicitLeave still take (meetingID, userID), the identity the gateway
// actually has on a socket, and resolve it to a participant internally.
type Engine struct {
	participants *participant.Store
	cfg          Config
	now          func() time.Time

	mu            sync.Mutex
	locks         map[string]*sync.Mutex
	watchdogs     map[string]*time.Timer
	lastPersisted map[string]time.Time
}

// New builds an Engine backed by ps, using cfg's timing constants.
func New(ps *participant.Store, cfg Config) *Engine {
	return &Engine{
		participants:  ps,
		cfg:           cfg,
		now:           time.Now,
		locks:         make(map[string]*sync.Mutex),
		watchdogs:     make(map[string]*time.Timer),
		lastPersisted: make(map[string]time.Time),
	}
}

// lockFor returns the per-participant mutex that serializes every
// session-edit operation for that participant, creating it on first use
// (spec §4.3 "Concurrency").
func (e *Engine) lockFor(participantID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[participantID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[participantID] = l
	}
	return l
}

// Heartbeat records a client ping for (meetingID, userID). It opens a new
// session if none is open, resets the watchdog to fire after GracePeriod,
// and persists lastSeenAt only when PersistEvery has elapsed since the
// last persisted write (heartbeat coalescing, spec §4.3 rule 2).
func (e *Engine) Heartbeat(ctx context.Context, meetingID, userID string) error {
	p, err := e.participants.GetByUser(ctx, meetingID, userID)
	if err != nil {
		return err
	}
	return e.heartbeatParticipant(ctx, p.ID)
}

// HeartbeatParticipant is Heartbeat keyed directly by participantID, for
// callers (e.g. the admission engine on admit) that already hold the
// Participant and don't have a stable userID to resolve through.
func (e *Engine) HeartbeatParticipant(ctx context.Context, participantID string) error {
	return e.heartbeatParticipant(ctx, participantID)
}

func (e *Engine) heartbeatParticipant(ctx context.Context, participantID string) error {
	lock := e.lockFor(participantID)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.participants.Get(ctx, participantID)
	if err != nil {
		return err
	}

	now := e.now()
	needsOpen := p.OpenSession() == nil
	elapsedSincePersist := now.Sub(e.lastPersistedAt(participantID))

	if needsOpen || elapsedSincePersist >= e.cfg.PersistEvery {
		if _, err := e.participants.RecordHeartbeat(ctx, participantID, now); err != nil {
			return err
		}
		e.mu.Lock()
		e.lastPersisted[participantID] = now
		e.mu.Unlock()
	}

	e.resetWatchdog(participantID)
	return nil
}

func (e *Engine) lastPersistedAt(participantID string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPersisted[participantID]
}

// resetWatchdog cancels any existing watchdog for participantID and
// schedules a new one to fire after GracePeriod, closing the session if
// no further heartbeat arrives in time.
func (e *Engine) resetWatchdog(participantID string) {
	e.mu.Lock()
	if existing, ok := e.watchdogs[participantID]; ok {
		existing.Stop()
	}
	e.watchdogs[participantID] = time.AfterFunc(e.cfg.GracePeriod, func() {
		e.onWatchdogFire(participantID)
	})
	e.mu.Unlock()
}

func (e *Engine) onWatchdogFire(participantID string) {
	lock := e.lockFor(participantID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	delete(e.watchdogs, participantID)
	e.mu.Unlock()

	ctx := context.Background()
	if _, err := e.participants.CloseOpenSession(ctx, participantID, e.now()); err != nil {
		logging.Error(ctx, "presence watchdog failed to close session", zap.Error(err))
	}
}

// ExplicitLeave records a client LEAVE or socket close for (meetingID,
// userID): cancels the watchdog and closes the open session immediately.
func (e *Engine) ExplicitLeave(ctx context.Context, meetingID, userID string) error {
	p, err := e.participants.GetByUser(ctx, meetingID, userID)
	if err != nil {
		return err
	}
	return e.CloseParticipant(ctx, p.ID)
}

// CloseParticipant cancels the watchdog and closes the open session for
// participantID immediately. Used by ExplicitLeave and directly by the
// admission engine on leave/kick, where a participant may be a guest
// with no stable userID to resolve through.
func (e *Engine) CloseParticipant(ctx context.Context, participantID string) error {
	lock := e.lockFor(participantID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	if t, ok := e.watchdogs[participantID]; ok {
		t.Stop()
		delete(e.watchdogs, participantID)
	}
	e.mu.Unlock()

	_, err := e.participants.CloseOpenSession(ctx, participantID, e.now())
	return err
}

// Sweep is the periodic safety net (spec §4.3 rule 5): it closes the
// open session of any participant in meetingID whose lastSeenAt is older
// than SweepInterval, using min(now, lastSeenAt+GracePeriod) as leftAt so
// a long gateway outage does not inflate recorded duration. It returns
// the number of sessions closed.
func (e *Engine) Sweep(ctx context.Context, meetingID string) (int, error) {
	all, err := e.participants.ListByMeeting(ctx, meetingID, nil)
	if err != nil {
		return 0, err
	}

	now := e.now()
	closed := 0
	for _, p := range all {
		if p.OpenSession() == nil {
			continue
		}
		if now.Sub(p.LastSeenAt) < e.cfg.SweepInterval {
			continue
		}

		lock := e.lockFor(p.ID)
		lock.Lock()

		leftAt := p.LastSeenAt.Add(e.cfg.GracePeriod)
		if now.Before(leftAt) {
			leftAt = now
		}

		e.mu.Lock()
		if t, ok := e.watchdogs[p.ID]; ok {
			t.Stop()
			delete(e.watchdogs, p.ID)
		}
		e.mu.Unlock()

		_, err := e.participants.CloseOpenSession(ctx, p.ID, leftAt)
		lock.Unlock()
		if err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// EndMeeting closes every open session in the meeting immediately,
// canceling any watchdogs so they don't fire against a now-stale key.
func (e *Engine) EndMeeting(ctx context.Context, meetingID string) (int, error) {
	now := e.now()
	all, err := e.participants.ListByMeeting(ctx, meetingID, nil)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, p := range all {
		lock := e.lockFor(p.ID)
		lock.Lock()

		e.mu.Lock()
		if t, ok := e.watchdogs[p.ID]; ok {
			t.Stop()
			delete(e.watchdogs, p.ID)
		}
		e.mu.Unlock()

		had := p.OpenSession() != nil
		_, err := e.participants.CloseOpenSession(ctx, p.ID, now)
		lock.Unlock()
		if err != nil {
			return closed, err
		}
		if had {
			closed++
		}
	}
	return closed, nil
}

// IsOnline reports whether (meetingID, userID) currently has a live
// session, per spec §4.3's derived isCurrentlyOnline property.
func (e *Engine) IsOnline(ctx context.Context, meetingID, userID string) (bool, error) {
	p, err := e.participants.GetByUser(ctx, meetingID, userID)
	if err != nil {
		return false, err
	}
	return p.IsCurrentlyOnline(), nil
}

// StopAll cancels every outstanding watchdog. Call on process shutdown.
func (e *Engine) StopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, t := range e.watchdogs {
		t.Stop()
		delete(e.watchdogs, k)
	}
}
