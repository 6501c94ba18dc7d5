package meeting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classroomlive/control-plane/internal/domain"
	"github.com/classroomlive/control-plane/internal/store"
)

func newRegistry() (*Registry, store.Store) {
	s := store.NewMemoryStore()
	return New(s), s
}

func TestCreateMeeting_GeneratesEightCharInviteCode(t *testing.T) {
	r, _ := newRegistry()
	m, err := r.CreateMeeting(context.Background(), "host-1", "Algebra", "public", nil)
	require.NoError(t, err)
	assert.Len(t, m.InviteCode, 8)
	assert.Equal(t, domain.MeetingScheduled, m.Status)
	assert.Equal(t, "host-1", m.CurrentHostID)
}

func TestStartMeeting_RequiresScheduled(t *testing.T) {
	r, _ := newRegistry()
	m, err := r.CreateMeeting(context.Background(), "host-1", "Algebra", "public", nil)
	require.NoError(t, err)

	started, err := r.StartMeeting(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MeetingLive, started.Status)
	assert.NotNil(t, started.StartedAt)

	_, err = r.StartMeeting(context.Background(), m.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestEndMeeting_IsIdempotent(t *testing.T) {
	r, _ := newRegistry()
	m, err := r.CreateMeeting(context.Background(), "host-1", "Algebra", "public", nil)
	require.NoError(t, err)

	ended, err := r.EndMeeting(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MeetingEnded, ended.Status)
	firstEndedAt := ended.EndedAt

	again, err := r.EndMeeting(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, firstEndedAt, again.EndedAt)
}

func TestResolveByInviteCode_RejectsEndedMeeting(t *testing.T) {
	r, _ := newRegistry()
	m, err := r.CreateMeeting(context.Background(), "host-1", "Algebra", "public", nil)
	require.NoError(t, err)

	resolved, err := r.ResolveByInviteCode(context.Background(), m.InviteCode)
	require.NoError(t, err)
	assert.Equal(t, m.ID, resolved.ID)

	_, err = r.EndMeeting(context.Background(), m.ID)
	require.NoError(t, err)

	_, err = r.ResolveByInviteCode(context.Background(), m.InviteCode)
	assert.ErrorIs(t, err, domain.ErrMeetingNotFound)
}

func TestLockRoom_FailsAfterMeetingEnded(t *testing.T) {
	r, _ := newRegistry()
	m, err := r.CreateMeeting(context.Background(), "host-1", "Algebra", "public", nil)
	require.NoError(t, err)
	_, err = r.EndMeeting(context.Background(), m.ID)
	require.NoError(t, err)

	_, err = r.LockRoom(context.Background(), m.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRotateInviteCode_ChangesCode(t *testing.T) {
	r, _ := newRegistry()
	m, err := r.CreateMeeting(context.Background(), "host-1", "Algebra", "public", nil)
	require.NoError(t, err)

	rotated, err := r.RotateInviteCode(context.Background(), m.ID)
	require.NoError(t, err)
	assert.NotEqual(t, m.InviteCode, rotated.InviteCode)
	assert.Len(t, rotated.InviteCode, 8)
}

func TestTransferHost_UpdatesCurrentHostID(t *testing.T) {
	r, _ := newRegistry()
	m, err := r.CreateMeeting(context.Background(), "host-1", "Algebra", "public", nil)
	require.NoError(t, err)

	updated, err := r.TransferHost(context.Background(), m.ID, "host-2")
	require.NoError(t, err)
	assert.Equal(t, "host-2", updated.CurrentHostID)
	assert.Equal(t, "host-1", updated.HostID)
}
