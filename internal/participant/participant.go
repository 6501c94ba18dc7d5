// Package participant implements the Participant Store (spec §4.2): join
// identity, role/status/media-intent mutation, and listing. It is the
// counterpart to internal/meeting for the per-attendee side of a meeting.
//
// Grounded on the teacher's addParticipant/deleteParticipant/addHost in
// internal/v1/session/methods.go, reworked from in-memory Room maps onto
// the store.Store collaborator.
package participant

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/classroomlive/control-plane/internal/domain"
	"github.com/classroomlive/control-plane/internal/store"
)

// Store manages Participant records for meetings.
type Store struct {
	store store.Store
	now   func() time.Time
}

// New builds a participant Store backed by s.
func New(s store.Store) *Store {
	return &Store{store: s, now: time.Now}
}

// roleAtJoin implements spec §4.2's role-assignment rule: the joining
// user is host iff their id equals the meeting's currentHostId, else
// participant. This is independent of the user's systemRole.
func roleAtJoin(meeting *domain.Meeting, userID string) domain.ParticipantRole {
	if userID != "" && userID == meeting.CurrentHostID {
		return domain.RoleHost
	}
	return domain.RoleParticipant
}

// UpsertByUser creates or returns the existing Participant for
// (meetingID, userID). Guests (userID == "") always create a fresh
// record since there is no identity to reconcile against. Returning
// users keep their existing id, role and session history.
func (s *Store) UpsertByUser(ctx context.Context, meeting *domain.Meeting, userID, displayName string, initialStatus domain.ParticipantStatus) (*domain.Participant, error) {
	if userID != "" {
		existing, err := s.store.GetParticipantByUser(ctx, meeting.ID, userID)
		if err == nil {
			existing.DisplayName = displayName
			existing.Status = initialStatus
			existing.LastSeenAt = s.now()
			existing.UpdatedAt = s.now()
			if err := s.store.UpdateParticipant(ctx, existing); err != nil {
				return nil, err
			}
			return existing, nil
		}
		if err != domain.ErrParticipantNotFound {
			return nil, err
		}
	}

	now := s.now()
	p := &domain.Participant{
		ID:           uuid.NewString(),
		MeetingID:    meeting.ID,
		UserID:       userID,
		DisplayName:  displayName,
		Role:         roleAtJoin(meeting, userID),
		Status:       initialStatus,
		MicIntent:    domain.IntentOff,
		CameraIntent: domain.IntentOff,
		ScreenIntent: domain.IntentOff,
		LastSeenAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.UpsertParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a participant by id.
func (s *Store) Get(ctx context.Context, participantID string) (*domain.Participant, error) {
	return s.store.GetParticipant(ctx, participantID)
}

// GetByUser returns the participant record for (meetingID, userID).
func (s *Store) GetByUser(ctx context.Context, meetingID, userID string) (*domain.Participant, error) {
	return s.store.GetParticipantByUser(ctx, meetingID, userID)
}

// SetStatus mutates a participant's admission status.
func (s *Store) SetStatus(ctx context.Context, participantID string, status domain.ParticipantStatus) (*domain.Participant, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	p.Status = status
	p.UpdatedAt = s.now()
	if err := s.store.UpdateParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetRole mutates a participant's meeting role.
func (s *Store) SetRole(ctx context.Context, participantID string, role domain.ParticipantRole) (*domain.Participant, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	p.Role = role
	p.UpdatedAt = s.now()
	if err := s.store.UpdateParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// MediaKind selects which media-intent field setMediaIntent mutates.
type MediaKind int

const (
	MediaMic MediaKind = iota
	MediaCamera
	MediaScreen
)

// SetMediaIntent mutates the mic/camera/screen intent for a participant.
func (s *Store) SetMediaIntent(ctx context.Context, participantID string, kind MediaKind, intent domain.MediaIntent) (*domain.Participant, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	switch kind {
	case MediaMic:
		p.MicIntent = intent
	case MediaCamera:
		p.CameraIntent = intent
	case MediaScreen:
		p.ScreenIntent = intent
	}
	p.UpdatedAt = s.now()
	if err := s.store.UpdateParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetHandRaised mutates a participant's hand-raise flag and timestamps.
// The Hand-Raise Engine (internal/handraise) owns TTL expiry; this just
// persists the projection onto the Participant record.
func (s *Store) SetHandRaised(ctx context.Context, participantID string, raised bool, at time.Time) (*domain.Participant, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	p.HasHandRaised = raised
	if raised {
		p.HandRaisedAt = &at
		p.HandLoweredAt = nil
	} else {
		p.HandLoweredAt = &at
	}
	p.UpdatedAt = s.now()
	if err := s.store.UpdateParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListByMeeting returns participants for a meeting, optionally filtered
// by status, ordered by createdAt (the store query owns the ordering).
func (s *Store) ListByMeeting(ctx context.Context, meetingID string, statusFilter []domain.ParticipantStatus) ([]*domain.Participant, error) {
	return s.store.ListParticipantsByMeeting(ctx, meetingID, statusFilter)
}

// CountByStatus counts participants in a meeting matching any of statuses.
func (s *Store) CountByStatus(ctx context.Context, meetingID string, statuses []domain.ParticipantStatus) (int, error) {
	return s.store.CountParticipantsByStatus(ctx, meetingID, statuses)
}

// closeOpenSession mutates p in place, closing its trailing open session
// (spec §4.3 rule 3) if one exists. Reports whether a session was closed.
func closeOpenSession(p *domain.Participant, at time.Time) bool {
	open := p.OpenSession()
	if open == nil {
		return false
	}
	left := at
	open.LeftAt = &left
	open.DurationSec = int64(left.Sub(open.JoinedAt).Seconds())
	p.TotalDurationSec += open.DurationSec
	return true
}

// CloseAllOpenSessions closes the trailing open session (if any) for
// every participant in a meeting, e.g. when the meeting ends. It returns
// the number of sessions closed.
func (s *Store) CloseAllOpenSessions(ctx context.Context, meetingID string, at time.Time) (int, error) {
	all, err := s.store.ListParticipantsByMeeting(ctx, meetingID, nil)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, p := range all {
		if !closeOpenSession(p, at) {
			continue
		}
		p.UpdatedAt = s.now()
		if err := s.store.UpdateParticipant(ctx, p); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// RecordHeartbeat opens a new session if none is currently open (spec
// §4.3 rule 1/4) and sets lastSeenAt = at, persisting the change. Callers
// (internal/presence) decide when to invoke this to implement heartbeat
// coalescing; every call here is an unconditional write.
func (s *Store) RecordHeartbeat(ctx context.Context, participantID string, at time.Time) (*domain.Participant, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if p.OpenSession() == nil {
		p.Sessions = append(p.Sessions, domain.Session{JoinedAt: at})
	}
	p.LastSeenAt = at
	p.UpdatedAt = s.now()
	if err := s.store.UpdateParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// CloseOpenSession closes a single participant's trailing open session at
// the given time, e.g. on watchdog fire, explicit leave, or sweep
// eviction (spec §4.3 rules 3/5). It is a no-op if no session is open.
func (s *Store) CloseOpenSession(ctx context.Context, participantID string, at time.Time) (*domain.Participant, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if !closeOpenSession(p, at) {
		return p, nil
	}
	p.UpdatedAt = s.now()
	if err := s.store.UpdateParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
