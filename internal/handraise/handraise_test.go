package handraise

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaise_IsNoOpIfAlreadyRaised(t *testing.T) {
	e := New(time.Hour, nil)
	first, created := e.Raise("m1", "u1", "Alice")
	require.True(t, created)

	second, created := e.Raise("m1", "u1", "Alice")
	assert.False(t, created)
	assert.Equal(t, first.RaisedAt, second.RaisedAt)
}

func TestLower_RemovesEntry(t *testing.T) {
	e := New(time.Hour, nil)
	e.Raise("m1", "u1", "Alice")

	removed := e.Lower("m1", "u1")
	assert.True(t, removed)
	assert.Empty(t, e.ListRaised("m1"))
}

func TestLower_ReportsFalseWhenNotRaised(t *testing.T) {
	e := New(time.Hour, nil)
	assert.False(t, e.Lower("m1", "u1"))
}

func TestListRaised_OrderedByRaisedAtAscending(t *testing.T) {
	e := New(time.Hour, nil)
	e.Raise("m1", "u1", "Alice")
	time.Sleep(2 * time.Millisecond)
	e.Raise("m1", "u2", "Bob")

	list := e.ListRaised("m1")
	require.Len(t, list, 2)
	assert.Equal(t, "u1", list[0].UserID)
	assert.Equal(t, "u2", list[1].UserID)
}

func TestLowerAll_ClearsOnlyTargetMeeting(t *testing.T) {
	e := New(time.Hour, nil)
	e.Raise("m1", "u1", "Alice")
	e.Raise("m2", "u2", "Bob")

	cleared := e.LowerAll("m1")
	assert.Len(t, cleared, 1)
	assert.Empty(t, e.ListRaised("m1"))
	assert.Len(t, e.ListRaised("m2"), 1)
}

func TestClearUser_RemovesAcrossAllMeetings(t *testing.T) {
	e := New(time.Hour, nil)
	e.Raise("m1", "u1", "Alice")
	e.Raise("m2", "u1", "Alice")

	e.ClearUser("u1")
	assert.Empty(t, e.ListRaised("m1"))
	assert.Empty(t, e.ListRaised("m2"))
}

func TestExpiry_FiresAutoLowerCallback(t *testing.T) {
	var mu sync.Mutex
	var gotMeeting, gotUser string
	done := make(chan struct{})

	e := New(20*time.Millisecond, func(meetingID, userID string) {
		mu.Lock()
		gotMeeting, gotUser = meetingID, userID
		mu.Unlock()
		close(done)
	})
	e.Raise("m1", "u1", "Alice")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("auto-lower callback did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "m1", gotMeeting)
	assert.Equal(t, "u1", gotUser)
	assert.Empty(t, e.ListRaised("m1"))
}
