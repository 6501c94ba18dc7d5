package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/classroomlive/control-plane/internal/admission"
	"github.com/classroomlive/control-plane/internal/auth"
	"github.com/classroomlive/control-plane/internal/domain"
	"github.com/classroomlive/control-plane/internal/handraise"
	"github.com/classroomlive/control-plane/internal/meeting"
	"github.com/classroomlive/control-plane/internal/moderator"
	"github.com/classroomlive/control-plane/internal/participant"
	"github.com/classroomlive/control-plane/internal/presence"
	"github.com/classroomlive/control-plane/internal/sfutoken"
	"github.com/classroomlive/control-plane/internal/store"
)

// fakeValidator resolves a bare token string to a pre-registered subject,
// sparing tests a real JWT round trip.
type fakeValidator struct {
	claims map[string]*auth.CustomClaims
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{claims: make(map[string]*auth.CustomClaims)}
}

func (f *fakeValidator) addUser(token, userID, name, scope string) {
	f.claims[token] = &auth.CustomClaims{
		Scope:            scope,
		Name:             name,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}
}

func (f *fakeValidator) ValidateToken(token string) (*auth.CustomClaims, error) {
	c, ok := f.claims[token]
	if !ok {
		return nil, errors.New("fakeValidator: unknown token")
	}
	return c, nil
}

var _ auth.TokenValidator = (*fakeValidator)(nil)

// fakeConn implements wsConnection without a real socket, mirroring the
// teacher's MockWSConnection in internal/v1/session/room_test.go.
type fakeConn struct {
	mu      sync.Mutex
	toRead  chan []byte
	written [][]byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{toRead: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.toRead
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, msg, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fakeConn: write on closed connection")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetReadLimit(limit int64)            {}
func (c *fakeConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(h func(string) error) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.toRead)
	}
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

var _ wsConnection = (*fakeConn)(nil)

// harness wires a full Hub against an in-memory store, the same
// dependency graph cmd/server builds, so dispatch/room/hub tests exercise
// real collaborators rather than interface mocks.
type harness struct {
	hub          *Hub
	meetings     *meeting.Registry
	participants *participant.Store
	presence     *presence.Engine
	admission    *admission.Engine
	moderator    *moderator.Engine
	handraise    *handraise.Engine
	tokens       *sfutoken.Service
	validator    *fakeValidator
}

func newHarness() *harness {
	st := store.NewMemoryStore()
	meetings := meeting.New(st)
	participants := participant.New(st)
	presenceEngine := presence.New(participants, presence.Config{
		Heartbeat:     time.Second,
		PersistEvery:  time.Millisecond,
		GracePeriod:   time.Hour,
		SweepInterval: time.Hour,
	})
	admissionEng := admission.New(meetings, participants, presenceEngine)
	tokens := sfutoken.New("test-seed-value", time.Hour)
	moderatorEng := moderator.New(meetings, participants, tokens)

	var hub *Hub
	handraiseEng := handraise.New(time.Hour, func(meetingID, userID string) {
		if hub != nil {
			hub.BroadcastHandAutoLowered(meetingID, userID)
		}
	})

	validator := newFakeValidator()
	hub = NewHub(Deps{
		Validator:    validator,
		Store:        st,
		Meetings:     meetings,
		Participants: participants,
		Presence:     presenceEngine,
		Admission:    admissionEng,
		Moderator:    moderatorEng,
		HandRaise:    handraiseEng,
		Tokens:       tokens,
	})

	return &harness{
		hub:          hub,
		meetings:     meetings,
		participants: participants,
		presence:     presenceEngine,
		admission:    admissionEng,
		moderator:    moderatorEng,
		handraise:    handraiseEng,
		tokens:       tokens,
		validator:    validator,
	}
}

func (h *harness) createMeeting(t *testing.T, hostUserID, privacy string) *domain.Meeting {
	t.Helper()
	m, err := h.meetings.CreateMeeting(context.Background(), hostUserID, "Test Meeting", privacy, nil)
	require.NoError(t, err)
	return m
}

// join admits userID into m through the real admission engine, returning
// the resulting Participant (waiting or admitted, per m's privacy).
func (h *harness) join(t *testing.T, m *domain.Meeting, userID, displayName string, principal domain.Principal) *domain.Participant {
	t.Helper()
	p, err := h.admission.Join(context.Background(), m.ID, m.InviteCode, userID, displayName, principal)
	require.NoError(t, err)
	return p
}

// newClient builds a Client backed by a fakeConn, wired to this harness's
// Hub, without going through ServeWs's upgrade path.
func (h *harness) newClient(meetingID, participantID string, principal domain.Principal) *Client {
	return &Client{
		conn:          newFakeConn(),
		hub:           h.hub,
		send:          make(chan []byte, 16),
		Principal:     principal,
		MeetingID:     meetingID,
		ParticipantID: participantID,
	}
}

func recvFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame on client.send")
		return Frame{}
	}
}

func drainNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("expected no frame, got %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}
