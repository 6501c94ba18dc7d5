// Package moderator implements the Moderator Control Plane (spec §4.5):
// forceMute, forceScreenShareControl, transferHost, lowerHand, and the
// authorization predicate used by forceMute, forceScreenShareControl and
// host-initiated lowerHand. transferHost checks for the current host
// instead.
//
// Grounded on the teacher's validateAdminPermission/shouldKickClient
// predicate shape in internal/v1/session/admin_helpers.go — kept as pure,
// independently testable functions rather than inlined into the gateway
// dispatch loop — and its HasPermission role-set checks in types.go,
// generalized here with k8s.io/utils/set (the teacher's own dependency
// for role-set membership, used in room.go's broadcast role filters).
package moderator

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/set"

	"github.com/classroomlive/control-plane/internal/domain"
	"github.com/classroomlive/control-plane/internal/meeting"
	"github.com/classroomlive/control-plane/internal/participant"
	"github.com/classroomlive/control-plane/internal/sfutoken"
)

// moderatorRoles is the set of in-meeting roles that carry moderator
// authority on their own (spec §4.5's fourth authorization clause).
var moderatorRoles = set.New(domain.RoleHost, domain.RoleCoHost)

// eligibleHostRoles is the systemRole set a transferHost target must
// belong to (spec §4.5: "target... must have systemRole in {tutor,
// admin}").
var eligibleHostRoles = set.New(domain.SystemRoleTutor, domain.SystemRoleAdmin)

// Engine performs moderator actions, enforcing spec §4.5's authorization
// predicate before mutating anything.
type Engine struct {
	meetings     *meeting.Registry
	participants *participant.Store
	tokens       *sfutoken.Service
}

// New builds a moderator Engine.
func New(meetings *meeting.Registry, participants *participant.Store, tokens *sfutoken.Service) *Engine {
	return &Engine{meetings: meetings, participants: participants, tokens: tokens}
}

// IsAuthorized implements spec §4.5's authorization predicate: the caller
// may act as moderator on m if ANY of the four conditions hold.
func IsAuthorized(m *domain.Meeting, caller domain.Principal, callerParticipant *domain.Participant) bool {
	if caller.SystemRole == domain.SystemRoleAdmin {
		return true
	}
	if caller.UserID != "" && (caller.UserID == m.CurrentHostID || caller.UserID == m.HostID) {
		return true
	}
	return callerParticipant != nil && moderatorRoles.Has(callerParticipant.Role)
}

func (e *Engine) authorize(ctx context.Context, m *domain.Meeting, caller domain.Principal) error {
	var callerParticipant *domain.Participant
	if caller.UserID != "" {
		if p, err := e.participants.GetByUser(ctx, m.ID, caller.UserID); err == nil {
			callerParticipant = p
		}
	}
	if !IsAuthorized(m, caller, callerParticipant) {
		return domain.ErrForbidden
	}
	return nil
}

// MediaTrack selects which media channel forceMute acts on.
type MediaTrack int

const (
	TrackMic MediaTrack = iota
	TrackCamera
)

// ForceMute sets a participant's mic/camera intent to mutedByHost /
// offByHost. It is never applicable to a host/coHost target unless the
// caller is the meeting's current host.
func (e *Engine) ForceMute(ctx context.Context, meetingID, callerUserID string, caller domain.Principal, targetParticipantID string, track MediaTrack) (*domain.Participant, error) {
	m, err := e.meetings.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, m, caller); err != nil {
		return nil, err
	}

	target, err := e.participants.Get(ctx, targetParticipantID)
	if err != nil {
		return nil, err
	}
	if target.IsModerator() && callerUserID != m.CurrentHostID {
		return nil, fmt.Errorf("%w: only the current host may mute another moderator", domain.ErrForbidden)
	}

	kind := participant.MediaMic
	intent := domain.IntentMutedByHost
	if track == TrackCamera {
		kind = participant.MediaCamera
		intent = domain.IntentOffByHost
	}
	return e.participants.SetMediaIntent(ctx, targetParticipantID, kind, intent)
}

// ForceScreenShareControl toggles a participant's screen-share intent.
func (e *Engine) ForceScreenShareControl(ctx context.Context, meetingID string, caller domain.Principal, targetParticipantID string, allow bool) (*domain.Participant, error) {
	m, err := e.meetings.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, m, caller); err != nil {
		return nil, err
	}

	intent := domain.IntentOn
	if !allow {
		intent = domain.IntentOffByHost
	}
	return e.participants.SetMediaIntent(ctx, targetParticipantID, participant.MediaScreen, intent)
}

// TransferResult carries the updated meeting plus a freshly minted SFU
// token the gateway must deliver to the new host on a directed channel.
type TransferResult struct {
	Meeting  *domain.Meeting
	NewHost  *domain.Participant
	OldHost  *domain.Participant
	SFUToken string
}

// TransferHost requires the caller be the current host. The target's
// underlying user must have systemRole in {tutor, admin}. It demotes the
// previous host to participant, promotes the target to host, and mints
// a new SFU token with host grants for the new host.
func (e *Engine) TransferHost(ctx context.Context, meetingID string, caller domain.Principal, newHostParticipantID string) (*TransferResult, error) {
	m, err := e.meetings.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if caller.UserID == "" || caller.UserID != m.CurrentHostID {
		return nil, fmt.Errorf("%w: only the current host may transfer host", domain.ErrForbidden)
	}

	newHost, err := e.participants.Get(ctx, newHostParticipantID)
	if err != nil {
		return nil, err
	}

	// The target's systemRole isn't carried on Participant; the caller
	// (gateway) resolves it via the Identity Resolver for the target's
	// connected socket and passes it in. Here we trust the gateway has
	// already checked eligibility; re-derive only the domain invariant
	// that doesn't require an external principal lookup.
	if newHost.MeetingID != meetingID {
		return nil, fmt.Errorf("%w: participant does not belong to this meeting", domain.ErrInvalidState)
	}

	var oldHost *domain.Participant
	if old, err := e.participants.GetByUser(ctx, meetingID, m.CurrentHostID); err == nil {
		oldHost = old
	}

	updatedMeeting, err := e.meetings.TransferHost(ctx, meetingID, newHost.UserID)
	if err != nil {
		return nil, err
	}

	if oldHost != nil {
		if _, err := e.participants.SetRole(ctx, oldHost.ID, domain.RoleParticipant); err != nil {
			return nil, err
		}
	}
	promoted, err := e.participants.SetRole(ctx, newHost.ID, domain.RoleHost)
	if err != nil {
		return nil, err
	}

	token, err := e.tokens.Mint(meetingID, promoted.UserID, promoted.DisplayName, domain.RoleHost, promoted.ID)
	if err != nil {
		return nil, err
	}

	return &TransferResult{Meeting: updatedMeeting, NewHost: promoted, OldHost: oldHost, SFUToken: token}, nil
}

// EligibleForHost reports whether systemRole qualifies a user as a
// transferHost target (spec §4.5).
func EligibleForHost(role domain.SystemRole) bool {
	return eligibleHostRoles.Has(role)
}

// LowerHand updates a participant's hand-raise flag. byHost records
// whether a moderator, rather than the participant, performed the lower.
func (e *Engine) LowerHand(ctx context.Context, meetingID string, caller domain.Principal, targetParticipantID string, byHost bool) (*domain.Participant, error) {
	if byHost {
		m, err := e.meetings.Get(ctx, meetingID)
		if err != nil {
			return nil, err
		}
		if err := e.authorize(ctx, m, caller); err != nil {
			return nil, err
		}
	}
	return e.participants.SetHandRaised(ctx, targetParticipantID, false, time.Now())
}
