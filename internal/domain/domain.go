// Package domain holds the entity types shared across every control-plane
// component: Meeting, Participant, Session, and RaisedHand, plus the
// sentinel errors components raise when an operation can't proceed.
package domain

import "time"

// MeetingStatus is the lifecycle state of a Meeting. It is monotone:
// scheduled -> live -> ended, never backward.
type MeetingStatus string

const (
	MeetingScheduled MeetingStatus = "scheduled"
	MeetingLive      MeetingStatus = "live"
	MeetingEnded     MeetingStatus = "ended"
)

// SystemRole is a principal's account-wide role, independent of any
// particular meeting's Participant.role.
type SystemRole string

const (
	SystemRoleAdmin  SystemRole = "admin"
	SystemRoleTutor  SystemRole = "tutor"
	SystemRoleMember SystemRole = "member"
)

// ParticipantRole is a participant's standing within one meeting.
type ParticipantRole string

const (
	RoleHost        ParticipantRole = "host"
	RoleCoHost      ParticipantRole = "coHost"
	RolePresenter   ParticipantRole = "presenter"
	RoleParticipant ParticipantRole = "participant"
	RoleViewer      ParticipantRole = "viewer"
)

// ParticipantStatus is a participant's admission state within one meeting.
type ParticipantStatus string

const (
	StatusWaiting  ParticipantStatus = "waiting"
	StatusApproved ParticipantStatus = "approved"
	StatusAdmitted ParticipantStatus = "admitted"
	StatusRejected ParticipantStatus = "rejected"
	StatusLeft     ParticipantStatus = "left"
)

// MediaIntent is the desired state of a mic/camera/screen track, as distinct
// from whatever the SFU is actually doing with it.
type MediaIntent string

const (
	IntentOn         MediaIntent = "on"
	IntentOff        MediaIntent = "off"
	IntentMutedByHost MediaIntent = "mutedByHost"
	IntentOffByHost  MediaIntent = "offByHost"
)

// Meeting is the root entity for one classroom session.
type Meeting struct {
	ID             string
	Title          string
	InviteCode     string
	Privacy        string // "public" | "private"
	LockFlag       bool
	Status         MeetingStatus
	HostID         string // immutable original owner
	CurrentHostID  string // mutable, defaults to HostID
	ScheduledFor   *time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	ParticipantCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsPrivate reports whether joining requires a matching invite code.
func (m *Meeting) IsPrivate() bool {
	return m.Privacy == "private"
}

// Session is one contiguous stretch of live attendance for a Participant.
type Session struct {
	JoinedAt    time.Time
	LeftAt      *time.Time
	DurationSec int64 // 0 while open
}

// Open reports whether the session has no LeftAt yet.
func (s *Session) Open() bool {
	return s.LeftAt == nil
}

// Participant is one identity's standing within one Meeting.
type Participant struct {
	ID               string
	MeetingID        string
	UserID           string // empty for guest joins
	DisplayName      string
	Role             ParticipantRole
	Status           ParticipantStatus
	MicIntent        MediaIntent
	CameraIntent     MediaIntent
	ScreenIntent     MediaIntent
	HasHandRaised    bool
	HandRaisedAt     *time.Time
	HandLoweredAt    *time.Time
	SocketID         string
	LastSeenAt       time.Time
	Sessions         []Session
	TotalDurationSec int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OpenSession returns a pointer to the last session if it is still open,
// else nil. Callers mutate through this pointer rather than re-deriving it.
func (p *Participant) OpenSession() *Session {
	if len(p.Sessions) == 0 {
		return nil
	}
	last := &p.Sessions[len(p.Sessions)-1]
	if last.Open() {
		return last
	}
	return nil
}

// IsCurrentlyOnline reports whether the participant has a live open session
// and is in an admitted-equivalent status, per spec §4.3.
func (p *Participant) IsCurrentlyOnline() bool {
	if p.Status != StatusAdmitted && p.Status != StatusApproved {
		return false
	}
	return p.OpenSession() != nil
}

// IsModerator reports whether this participant's in-meeting role carries
// moderator authority, independent of the caller's SystemRole.
func (p *Participant) IsModerator() bool {
	return p.Role == RoleHost || p.Role == RoleCoHost
}

// RaisedHand is soft, in-memory state owned by the Hand-Raise Engine; it is
// never persisted to the document store.
type RaisedHand struct {
	MeetingID   string
	UserID      string
	DisplayName string
	RaisedAt    time.Time
	ExpiresAt   time.Time
}

// ChatMessage is a persisted chat entry, kept for history pagination and
// search; the last 200 per meeting are also cached in memory by the
// gateway for immediate catch-up on join (spec "Supplemented Features").
type ChatMessage struct {
	ID          string
	MeetingID   string
	UserID      string
	DisplayName string
	Content     string
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

// Principal is the authenticated identity behind a request or socket,
// produced by the Identity Resolver.
type Principal struct {
	UserID      string
	DisplayName string
	SystemRole  SystemRole
}

// CanBeHost reports whether this principal's system role is senior enough
// to receive a host transfer (spec §4.5: target must be tutor or admin).
func (p Principal) CanBeHost() bool {
	return p.SystemRole == SystemRoleTutor || p.SystemRole == SystemRoleAdmin
}
