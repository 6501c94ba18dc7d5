// Package admission implements the Admission State Machine (spec §4.4):
// join/approve/admit/reject/leave/kick/admitAll, with per-meeting
// serialized ordering so participant counts and broadcast order stay
// consistent.
//
// Grounded on the teacher's handleClientConnect split in
// internal/v1/session/room.go (waiting vs. immediate-admit branching,
// host-lock check) and the waiting-room stack in methods.go, reworked
// from in-memory Room state onto the meeting/participant/presence
// collaborators.
package admission

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/classroomlive/control-plane/internal/domain"
	"github.com/classroomlive/control-plane/internal/meeting"
	"github.com/classroomlive/control-plane/internal/participant"
	"github.com/classroomlive/control-plane/internal/presence"
)

// Engine drives admission transitions for every meeting.
type Engine struct {
	meetings     *meeting.Registry
	participants *participant.Store
	presence     *presence.Engine

	mu           sync.Mutex
	meetingLocks map[string]*sync.Mutex
}

// New builds an admission Engine.
func New(meetings *meeting.Registry, participants *participant.Store, presenceEngine *presence.Engine) *Engine {
	return &Engine{
		meetings:     meetings,
		participants: participants,
		presence:     presenceEngine,
		meetingLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(meetingID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.meetingLocks[meetingID]
	if !ok {
		l = &sync.Mutex{}
		e.meetingLocks[meetingID] = l
	}
	return l
}

// isHostOrAdmin reports whether requester may bypass the room lock on m:
// systemRole=admin, or requester is the meeting's current or original
// host. It is a separate function from moderator.IsAuthorized and, unlike
// it, does not accept a host/coHost participant role.
func isHostOrAdmin(m *domain.Meeting, requester domain.Principal) bool {
	if requester.SystemRole == domain.SystemRoleAdmin {
		return true
	}
	return requester.UserID != "" && (requester.UserID == m.CurrentHostID || requester.UserID == m.HostID)
}

// requiresApproval reports whether a join attempt must wait rather than
// auto-admit. Only privacy=private is modeled as a gating policy; a
// separate "host policy" toggle named in spec §4.4 has no corresponding
// field on Meeting (see DESIGN.md Open Question decisions) and is
// treated as equivalent to privacy for this implementation.
func requiresApproval(m *domain.Meeting) bool {
	return m.IsPrivate()
}

// Join handles a participant's attempt to enter a meeting. It upserts
// the Participant and sets its initial status to WAITING or ADMITTED
// per policy, enforcing invite-code and room-lock checks along the way.
func (e *Engine) Join(ctx context.Context, meetingID, inviteCode, userID, displayName string, requester domain.Principal) (*domain.Participant, error) {
	lock := e.lockFor(meetingID)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.meetings.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if m.Status == domain.MeetingEnded {
		return nil, fmt.Errorf("%w: meeting has ended", domain.ErrInvalidState)
	}
	if m.IsPrivate() && !strings.EqualFold(strings.TrimSpace(inviteCode), m.InviteCode) {
		return nil, fmt.Errorf("%w: invite code does not match", domain.ErrForbidden)
	}
	if m.LockFlag && !isHostOrAdmin(m, requester) {
		return nil, domain.ErrRoomLocked
	}

	initialStatus := domain.StatusWaiting
	if !requiresApproval(m) {
		initialStatus = domain.StatusAdmitted
	}

	p, err := e.participants.UpsertByUser(ctx, m, userID, displayName, initialStatus)
	if err != nil {
		return nil, err
	}
	if initialStatus == domain.StatusAdmitted {
		if err := e.presence.HeartbeatParticipant(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	if _, err := e.meetings.RefreshParticipantCount(ctx, meetingID); err != nil {
		return nil, err
	}
	return p, nil
}

// admitLocked moves a single participant WAITING/APPROVED -> ADMITTED and
// opens its presence session. A participant already ADMITTED is left
// untouched and returned as-is (changed=false), so a repeated approve is a
// no-op rather than re-running SetStatus and re-opening a session. Any
// other status (REJECTED, LEFT) is terminal and can't be admitted into.
// Caller must hold the meeting lock.
func (e *Engine) admitLocked(ctx context.Context, participantID string) (p *domain.Participant, changed bool, err error) {
	p, err = e.participants.Get(ctx, participantID)
	if err != nil {
		return nil, false, err
	}
	if p.Status == domain.StatusAdmitted {
		return p, false, nil
	}
	if p.Status != domain.StatusWaiting && p.Status != domain.StatusApproved {
		return nil, false, fmt.Errorf("%w: participant is %s, not waiting or approved", domain.ErrInvalidState, p.Status)
	}
	p, err = e.participants.SetStatus(ctx, participantID, domain.StatusAdmitted)
	if err != nil {
		return nil, false, err
	}
	if err := e.presence.HeartbeatParticipant(ctx, p.ID); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// Approve admits a waiting participant, reporting whether it actually
// performed the ADMITTED transition (changed=false means the participant
// was already admitted and this call was a no-op). Spec §4.4 treats
// approve and admit as the same transition when no distinct pre-admit
// state is used.
func (e *Engine) Approve(ctx context.Context, meetingID, participantID string) (p *domain.Participant, changed bool, err error) {
	lock := e.lockFor(meetingID)
	lock.Lock()
	defer lock.Unlock()
	return e.admitLocked(ctx, participantID)
}

// Admit is an alias for Approve (spec §4.4: "approve is equivalent to
// admit when no distinct pre-admit step is modeled").
func (e *Engine) Admit(ctx context.Context, meetingID, participantID string) (*domain.Participant, bool, error) {
	return e.Approve(ctx, meetingID, participantID)
}

// Reject moves a waiting participant to REJECTED.
func (e *Engine) Reject(ctx context.Context, meetingID, participantID string) (*domain.Participant, error) {
	lock := e.lockFor(meetingID)
	lock.Lock()
	p, err := e.participants.SetStatus(ctx, participantID, domain.StatusRejected)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	if _, err := e.meetings.RefreshParticipantCount(ctx, meetingID); err != nil {
		return nil, err
	}
	return p, nil
}

// Leave moves a participant to LEFT and closes its open session. Used
// for both self-initiated leave and moderator-initiated kick.
func (e *Engine) Leave(ctx context.Context, meetingID, participantID string) (*domain.Participant, error) {
	lock := e.lockFor(meetingID)
	lock.Lock()
	if err := e.presence.CloseParticipant(ctx, participantID); err != nil {
		lock.Unlock()
		return nil, err
	}
	p, err := e.participants.SetStatus(ctx, participantID, domain.StatusLeft)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	if _, err := e.meetings.RefreshParticipantCount(ctx, meetingID); err != nil {
		return nil, err
	}
	return p, nil
}

// Kick is Leave driven by a moderator rather than the participant
// themself; the state transition is identical.
func (e *Engine) Kick(ctx context.Context, meetingID, participantID string) (*domain.Participant, error) {
	return e.Leave(ctx, meetingID, participantID)
}

// AdmitAll admits every currently-waiting participant in one batch,
// returning the admitted set for a single broadcast.
func (e *Engine) AdmitAll(ctx context.Context, meetingID string) ([]*domain.Participant, error) {
	lock := e.lockFor(meetingID)
	lock.Lock()
	defer lock.Unlock()

	waiting, err := e.participants.ListByMeeting(ctx, meetingID, []domain.ParticipantStatus{domain.StatusWaiting})
	if err != nil {
		return nil, err
	}

	admitted := make([]*domain.Participant, 0, len(waiting))
	for _, p := range waiting {
		a, changed, err := e.admitLocked(ctx, p.ID)
		if err != nil {
			return admitted, err
		}
		if changed {
			admitted = append(admitted, a)
		}
	}
	return admitted, nil
}
