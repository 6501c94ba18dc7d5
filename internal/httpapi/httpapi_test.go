package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classroomlive/control-plane/internal/auth"
	"github.com/classroomlive/control-plane/internal/domain"
	"github.com/classroomlive/control-plane/internal/meeting"
	"github.com/classroomlive/control-plane/internal/participant"
	"github.com/classroomlive/control-plane/internal/presence"
	"github.com/classroomlive/control-plane/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeValidator resolves a bare token string to a pre-registered subject,
// mirroring the teacher's MockValidator-with-ValidateTokenFunc pattern in
// internal/v1/ratelimit/limiter_test.go.
type fakeValidator struct {
	claims map[string]*auth.CustomClaims
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{claims: make(map[string]*auth.CustomClaims)}
}

func (f *fakeValidator) addUser(token, userID, scope string) {
	f.claims[token] = &auth.CustomClaims{
		Scope:            scope,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}
}

func (f *fakeValidator) ValidateToken(token string) (*auth.CustomClaims, error) {
	c, ok := f.claims[token]
	if !ok {
		return nil, assert.AnError
	}
	return c, nil
}

var _ auth.TokenValidator = (*fakeValidator)(nil)

type testServer struct {
	router       *gin.Engine
	meetings     *meeting.Registry
	participants *participant.Store
	presence     *presence.Engine
	store        store.Store
	validator    *fakeValidator
}

func newTestServer() *testServer {
	st := store.NewMemoryStore()
	meetings := meeting.New(st)
	participants := participant.New(st)
	presenceEngine := presence.New(participants, presence.Config{
		Heartbeat:     time.Second,
		PersistEvery:  time.Millisecond,
		GracePeriod:   time.Hour,
		SweepInterval: time.Hour,
	})
	validator := newFakeValidator()

	r := gin.New()
	Register(r, Deps{
		Validator:    validator,
		Meetings:     meetings,
		Participants: participants,
		Presence:     presenceEngine,
		Store:        st,
	})

	return &testServer{
		router:       r,
		meetings:     meetings,
		participants: participants,
		presence:     presenceEngine,
		store:        st,
		validator:    validator,
	}
}

func (s *testServer) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestCreateMeeting_RequiresAuth(t *testing.T) {
	s := newTestServer()
	w := s.do(t, http.MethodPost, "/meetings", "", map[string]string{"title": "Algebra", "privacy": "public"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateMeeting_InvalidTokenIsUnauthorized(t *testing.T) {
	s := newTestServer()
	w := s.do(t, http.MethodPost, "/meetings", "bogus-token", map[string]string{"title": "Algebra"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateMeeting_DefaultsPrivacyToPublic(t *testing.T) {
	s := newTestServer()
	s.validator.addUser("tok1", "tutor1", "")

	w := s.do(t, http.MethodPost, "/meetings", "tok1", map[string]string{"title": "Algebra"})
	require.Equal(t, http.StatusCreated, w.Code)

	var m domain.Meeting
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "public", m.Privacy)
	assert.Equal(t, "tutor1", m.HostID)
	assert.NotEmpty(t, m.InviteCode)
}

func TestGetMeeting_NotFoundMapsTo404(t *testing.T) {
	s := newTestServer()
	s.validator.addUser("tok1", "tutor1", "")

	w := s.do(t, http.MethodGet, "/meetings/does-not-exist", "tok1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "notFound", body["code"])
}

func TestMeetingLifecycle_StartLockUnlockEnd(t *testing.T) {
	s := newTestServer()
	s.validator.addUser("tok1", "tutor1", "")

	create := s.do(t, http.MethodPost, "/meetings", "tok1", map[string]string{"title": "Algebra", "privacy": "private"})
	require.Equal(t, http.StatusCreated, create.Code)
	var m domain.Meeting
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &m))

	start := s.do(t, http.MethodPost, "/meetings/"+m.ID+"/start", "tok1", nil)
	require.Equal(t, http.StatusOK, start.Code)

	lock := s.do(t, http.MethodPost, "/meetings/"+m.ID+"/lock", "tok1", nil)
	require.Equal(t, http.StatusOK, lock.Code)
	var locked domain.Meeting
	require.NoError(t, json.Unmarshal(lock.Body.Bytes(), &locked))
	assert.True(t, locked.LockFlag)

	unlock := s.do(t, http.MethodPost, "/meetings/"+m.ID+"/unlock", "tok1", nil)
	require.Equal(t, http.StatusOK, unlock.Code)
	var unlocked domain.Meeting
	require.NoError(t, json.Unmarshal(unlock.Body.Bytes(), &unlocked))
	assert.False(t, unlocked.LockFlag)

	end := s.do(t, http.MethodPost, "/meetings/"+m.ID+"/end", "tok1", nil)
	require.Equal(t, http.StatusOK, end.Code)
	var ended domain.Meeting
	require.NoError(t, json.Unmarshal(end.Body.Bytes(), &ended))
	assert.Equal(t, domain.MeetingEnded, ended.Status)
}

func TestRotateInviteCode_ChangesCode(t *testing.T) {
	s := newTestServer()
	s.validator.addUser("tok1", "tutor1", "")

	create := s.do(t, http.MethodPost, "/meetings", "tok1", map[string]string{"title": "Algebra", "privacy": "private"})
	var m domain.Meeting
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &m))

	w := s.do(t, http.MethodPost, "/meetings/"+m.ID+"/invite-code", "tok1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rotated domain.Meeting
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.NotEqual(t, m.InviteCode, rotated.InviteCode)
}

func TestListParticipants_FiltersByStatus(t *testing.T) {
	s := newTestServer()
	s.validator.addUser("tok1", "tutor1", "")

	create := s.do(t, http.MethodPost, "/meetings", "tok1", map[string]string{"title": "Algebra", "privacy": "public"})
	var m domain.Meeting
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &m))

	_, err := s.participants.UpsertByUser(context.Background(), &m, "user1", "User One", domain.StatusAdmitted)
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/meetings/"+m.ID+"/participants?status=admitted", "tok1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var participants []*domain.Participant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &participants))
	require.Len(t, participants, 1)
	assert.Equal(t, "user1", participants[0].UserID)
}

func TestChatHistory_ReturnsInsertedMessages(t *testing.T) {
	s := newTestServer()
	s.validator.addUser("tok1", "tutor1", "")

	create := s.do(t, http.MethodPost, "/meetings", "tok1", map[string]string{"title": "Algebra", "privacy": "public"})
	var m domain.Meeting
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &m))

	require.NoError(t, s.store.InsertChatMessage(context.Background(), &domain.ChatMessage{
		ID:        "msg1",
		MeetingID: m.ID,
		UserID:    "user1",
		Content:   "hello",
		CreatedAt: time.Now(),
	}))

	w := s.do(t, http.MethodGet, "/meetings/"+m.ID+"/chat", "tok1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var msgs []*domain.ChatMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestRecordingRoutes_NotConfiguredReturn404(t *testing.T) {
	s := newTestServer()
	s.validator.addUser("tok1", "tutor1", "")

	create := s.do(t, http.MethodPost, "/meetings", "tok1", map[string]string{"title": "Algebra", "privacy": "public"})
	var m domain.Meeting
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &m))

	up := s.do(t, http.MethodPost, "/meetings/"+m.ID+"/recordings/lecture.webm/upload-url", "tok1", nil)
	assert.Equal(t, http.StatusNotFound, up.Code)

	down := s.do(t, http.MethodGet, "/meetings/"+m.ID+"/recordings/lecture.webm/download-url", "tok1", nil)
	assert.Equal(t, http.StatusNotFound, down.Code)
}

func TestAdminRoutes_RequireAdminScope(t *testing.T) {
	s := newTestServer()
	s.validator.addUser("member-tok", "user1", "")
	s.validator.addUser("admin-tok", "admin1", "role:admin")

	forbidden := s.do(t, http.MethodGet, "/admin/stale-participants-stats?meetingId=m1", "member-tok", nil)
	assert.Equal(t, http.StatusForbidden, forbidden.Code)

	ok := s.do(t, http.MethodGet, "/admin/stale-participants-stats?meetingId=m1", "admin-tok", nil)
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestManualCleanup_RequiresMeetingID(t *testing.T) {
	s := newTestServer()
	s.validator.addUser("admin-tok", "admin1", "role:admin")

	w := s.do(t, http.MethodPost, "/admin/manual-cleanup", "admin-tok", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
