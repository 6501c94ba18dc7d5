// Package meeting implements the Meeting Registry (spec §4.1): creation,
// lifecycle transitions, invite-code resolution and room-lock toggles.
// Meeting rows are reached only through here; admission, moderator and
// the gateway call this Registry for them. Chat messages are not: the
// gateway and httpapi call store.Store's chat methods directly.
//
// Grounded on the teacher's host/participant map mutation style in
// internal/v1/session/methods.go, reworked from in-memory maps onto the
// store.Store collaborator.
package meeting

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/classroomlive/control-plane/internal/domain"
	"github.com/classroomlive/control-plane/internal/store"
)

const inviteCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I

// participantCountStatuses are the statuses that count toward a meeting's
// visible participantCount (spec §3/§6): still waiting, approved, or
// admitted. Rejected and left participants fall out of the count.
var participantCountStatuses = []domain.ParticipantStatus{
	domain.StatusWaiting, domain.StatusApproved, domain.StatusAdmitted,
}

// Registry creates and manages the lifecycle of Meetings.
type Registry struct {
	store store.Store
	now   func() time.Time
}

// New builds a Registry backed by s.
func New(s store.Store) *Registry {
	return &Registry{store: s, now: time.Now}
}

// generateInviteCode returns a random 8-character code drawn from
// inviteCodeAlphabet, which excludes visually ambiguous characters.
func generateInviteCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, 8)
	for i, b := range buf {
		code[i] = inviteCodeAlphabet[int(b)%len(inviteCodeAlphabet)]
	}
	return string(code), nil
}

// uniqueInviteCode retries generation until it finds a code not currently
// in use by a non-ended meeting. The alphabet gives 32^8 combinations, so
// collisions are exceedingly rare; the retry loop is a safety net.
func (r *Registry) uniqueInviteCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		code, err := generateInviteCode()
		if err != nil {
			return "", err
		}
		inUse, err := r.store.InviteCodeInUse(ctx, code)
		if err != nil {
			return "", err
		}
		if !inUse {
			return code, nil
		}
	}
	return "", fmt.Errorf("meeting: could not allocate a unique invite code after 10 attempts")
}

// CreateMeeting creates a new meeting owned by hostID, in scheduled status.
func (r *Registry) CreateMeeting(ctx context.Context, hostID, title, privacy string, scheduledFor *time.Time) (*domain.Meeting, error) {
	code, err := r.uniqueInviteCode(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	m := &domain.Meeting{
		ID:            uuid.NewString(),
		Title:         title,
		InviteCode:    code,
		Privacy:       privacy,
		Status:        domain.MeetingScheduled,
		HostID:        hostID,
		CurrentHostID: hostID,
		ScheduledFor:  scheduledFor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.CreateMeeting(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the meeting by id, or domain.ErrMeetingNotFound.
func (r *Registry) Get(ctx context.Context, meetingID string) (*domain.Meeting, error) {
	return r.store.GetMeeting(ctx, meetingID)
}

// ResolveByInviteCode resolves a case-insensitive invite code to a live or
// scheduled meeting. Ended meetings never resolve (spec §4.1): the store
// implementation already excludes status=ended from its lookup.
func (r *Registry) ResolveByInviteCode(ctx context.Context, code string) (*domain.Meeting, error) {
	return r.store.GetMeetingByInviteCode(ctx, code)
}

// ListActive returns every meeting not yet ended. Used by the periodic
// presence sweeper, which otherwise has no way to discover which meetings
// need sweeping.
func (r *Registry) ListActive(ctx context.Context) ([]*domain.Meeting, error) {
	return r.store.ListActiveMeetings(ctx)
}

// StartMeeting transitions scheduled -> live and records startedAt.
func (r *Registry) StartMeeting(ctx context.Context, meetingID string) (*domain.Meeting, error) {
	m, err := r.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.MeetingScheduled {
		return nil, fmt.Errorf("%w: meeting is %s, not scheduled", domain.ErrInvalidState, m.Status)
	}
	now := r.now()
	m.Status = domain.MeetingLive
	m.StartedAt = &now
	m.UpdatedAt = now
	if err := r.store.UpdateMeeting(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// EndMeeting transitions the meeting to ended, idempotently, and takes a
// final snapshot of participantCount along the way. Callers are
// responsible for closing open presence sessions (internal/presence) and
// broadcasting meeting-ended before or after this call; the Registry only
// owns the Meeting row itself.
func (r *Registry) EndMeeting(ctx context.Context, meetingID string) (*domain.Meeting, error) {
	m, err := r.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if m.Status == domain.MeetingEnded {
		return m, nil
	}
	count, err := r.store.CountParticipantsByStatus(ctx, meetingID, participantCountStatuses)
	if err != nil {
		return nil, err
	}
	now := r.now()
	m.Status = domain.MeetingEnded
	m.EndedAt = &now
	m.ParticipantCount = count
	m.UpdatedAt = now
	if err := r.store.UpdateMeeting(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RefreshParticipantCount recomputes m.ParticipantCount from current
// participant statuses and persists it if it changed. internal/admission
// calls this after every transition that can move a participant into or
// out of {waiting, approved, admitted} membership (spec §3/§6).
func (r *Registry) RefreshParticipantCount(ctx context.Context, meetingID string) (*domain.Meeting, error) {
	m, err := r.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	count, err := r.store.CountParticipantsByStatus(ctx, meetingID, participantCountStatuses)
	if err != nil {
		return nil, err
	}
	if count == m.ParticipantCount {
		return m, nil
	}
	m.ParticipantCount = count
	m.UpdatedAt = r.now()
	if err := r.store.UpdateMeeting(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RotateInviteCode replaces the meeting's invite code with a freshly
// allocated one. Fails if the meeting has already ended.
func (r *Registry) RotateInviteCode(ctx context.Context, meetingID string) (*domain.Meeting, error) {
	m, err := r.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if m.Status == domain.MeetingEnded {
		return nil, fmt.Errorf("%w: meeting has ended", domain.ErrInvalidState)
	}
	code, err := r.uniqueInviteCode(ctx)
	if err != nil {
		return nil, err
	}
	m.InviteCode = code
	m.UpdatedAt = r.now()
	if err := r.store.UpdateMeeting(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// setLock toggles lockFlag. Fails if the meeting has ended.
func (r *Registry) setLock(ctx context.Context, meetingID string, locked bool) (*domain.Meeting, error) {
	m, err := r.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if m.Status == domain.MeetingEnded {
		return nil, fmt.Errorf("%w: meeting has ended", domain.ErrInvalidState)
	}
	m.LockFlag = locked
	m.UpdatedAt = r.now()
	if err := r.store.UpdateMeeting(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// LockRoom sets lockFlag = true.
func (r *Registry) LockRoom(ctx context.Context, meetingID string) (*domain.Meeting, error) {
	return r.setLock(ctx, meetingID, true)
}

// UnlockRoom sets lockFlag = false.
func (r *Registry) UnlockRoom(ctx context.Context, meetingID string) (*domain.Meeting, error) {
	return r.setLock(ctx, meetingID, false)
}

// TransferHost updates currentHostID. Authorization is the moderator
// package's responsibility; the Registry just persists the new value.
func (r *Registry) TransferHost(ctx context.Context, meetingID, newHostID string) (*domain.Meeting, error) {
	m, err := r.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if m.Status == domain.MeetingEnded {
		return nil, fmt.Errorf("%w: meeting has ended", domain.ErrInvalidState)
	}
	m.CurrentHostID = newHostID
	m.UpdatedAt = r.now()
	if err := r.store.UpdateMeeting(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}
