package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParticipant_OpenSession(t *testing.T) {
	p := &Participant{}
	assert.Nil(t, p.OpenSession())

	p.Sessions = append(p.Sessions, Session{JoinedAt: time.Now()})
	open := p.OpenSession()
	assert.NotNil(t, open)
	assert.True(t, open.Open())

	leftAt := time.Now()
	p.Sessions[0].LeftAt = &leftAt
	assert.Nil(t, p.OpenSession())
}

func TestParticipant_IsCurrentlyOnline(t *testing.T) {
	p := &Participant{Status: StatusAdmitted}
	assert.False(t, p.IsCurrentlyOnline(), "no session yet")

	p.Sessions = append(p.Sessions, Session{JoinedAt: time.Now()})
	assert.True(t, p.IsCurrentlyOnline())

	p.Status = StatusLeft
	assert.False(t, p.IsCurrentlyOnline(), "left status disqualifies even with an open session")

	p.Status = StatusApproved
	assert.True(t, p.IsCurrentlyOnline(), "approved counts as online per spec §4.3")
}

func TestParticipant_IsModerator(t *testing.T) {
	for _, role := range []ParticipantRole{RoleHost, RoleCoHost} {
		assert.True(t, (&Participant{Role: role}).IsModerator())
	}
	for _, role := range []ParticipantRole{RolePresenter, RoleParticipant, RoleViewer} {
		assert.False(t, (&Participant{Role: role}).IsModerator())
	}
}

func TestPrincipal_CanBeHost(t *testing.T) {
	assert.True(t, Principal{SystemRole: SystemRoleAdmin}.CanBeHost())
	assert.True(t, Principal{SystemRole: SystemRoleTutor}.CanBeHost())
	assert.False(t, Principal{SystemRole: SystemRoleMember}.CanBeHost())
}

func TestMeeting_IsPrivate(t *testing.T) {
	assert.True(t, (&Meeting{Privacy: "private"}).IsPrivate())
	assert.False(t, (&Meeting{Privacy: "public"}).IsPrivate())
}
