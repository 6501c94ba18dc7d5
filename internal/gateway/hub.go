package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classroomlive/control-plane/internal/admission"
	"github.com/classroomlive/control-plane/internal/auth"
	"github.com/classroomlive/control-plane/internal/bus"
	"github.com/classroomlive/control-plane/internal/domain"
	"github.com/classroomlive/control-plane/internal/handraise"
	"github.com/classroomlive/control-plane/internal/logging"
	"github.com/classroomlive/control-plane/internal/meeting"
	"github.com/classroomlive/control-plane/internal/moderator"
	"github.com/classroomlive/control-plane/internal/participant"
	"github.com/classroomlive/control-plane/internal/presence"
	"github.com/classroomlive/control-plane/internal/sfutoken"
	"github.com/classroomlive/control-plane/internal/store"
)

// roomCleanupGrace mirrors the teacher's pendingRoomCleanups idiom: an
// empty room isn't deleted immediately, so a client that drops and
// reconnects within the window finds its room still warm.
const roomCleanupGrace = 30 * time.Second

// Hub owns every meeting's Room and is the WebSocket accept point (spec
// §4.8). It is the single place that wires the five domain engines
// together with the realtime transport.
type Hub struct {
	validator      auth.TokenValidator
	bus            *bus.Service
	store          store.Store
	meetings       *meeting.Registry
	participants   *participant.Store
	presenceEngine *presence.Engine
	admissionEng   *admission.Engine
	moderatorEng   *moderator.Engine
	handraiseEng   *handraise.Engine
	tokens         *sfutoken.Service
	allowedOrigins []string

	mu              sync.Mutex
	rooms           map[string]*Room
	pendingCleanups map[string]*time.Timer
}

// Deps bundles the Hub's collaborators so NewHub's signature stays
// manageable as the gateway grows.
type Deps struct {
	Validator    auth.TokenValidator
	Bus          *bus.Service
	Store        store.Store
	Meetings     *meeting.Registry
	Participants *participant.Store
	Presence     *presence.Engine
	Admission    *admission.Engine
	Moderator    *moderator.Engine
	HandRaise    *handraise.Engine
	Tokens       *sfutoken.Service
	AllowedOrigins []string
}

// NewHub builds a Hub. handraiseEng's onAutoLower callback should already
// be wired to call Hub.BroadcastHandAutoLowered before NewHub is called,
// since the Engine is constructed first and handed in.
func NewHub(d Deps) *Hub {
	return &Hub{
		validator:      d.Validator,
		bus:            d.Bus,
		store:          d.Store,
		meetings:       d.Meetings,
		participants:   d.Participants,
		presenceEngine: d.Presence,
		admissionEng:   d.Admission,
		moderatorEng:   d.Moderator,
		handraiseEng:   d.HandRaise,
		tokens:         d.Tokens,
		allowedOrigins: d.AllowedOrigins,
		rooms:          make(map[string]*Room),
		pendingCleanups: make(map[string]*time.Timer),
	}
}

func (h *Hub) getOrCreateRoom(meetingID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.pendingCleanups[meetingID]; ok {
		t.Stop()
		delete(h.pendingCleanups, meetingID)
	}

	if r, ok := h.rooms[meetingID]; ok {
		return r
	}
	r := newRoom(meetingID, h.bus)
	h.rooms[meetingID] = r
	return r
}

func (h *Hub) removeRoomIfEmpty(meetingID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pendingCleanups[meetingID] = time.AfterFunc(roomCleanupGrace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.pendingCleanups, meetingID)
		r, ok := h.rooms[meetingID]
		if !ok {
			return
		}
		r.mu.Lock()
		empty := len(r.waiting) == 0 && len(r.main) == 0
		r.mu.Unlock()
		if empty {
			r.close()
			delete(h.rooms, meetingID)
		}
	})
}

// validateOrigin matches scheme+host against the allow-list, same as the
// teacher's validateOrigin helper in hub_helpers.go.
func validateOrigin(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

var upgrader = websocket.Upgrader{
	WriteBufferPool: &sync.Pool{New: func() any { return make([]byte, 4096) }},
}

// ServeWs is the gin handler that upgrades the connection, resolves the
// caller's identity, joins the requested meeting through the admission
// engine, and spawns the read/write pumps (spec §4.8 steps 1-2).
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "authRequired", "message": "token query parameter is required"})
		return
	}
	meetingID := c.Query("meetingId")
	inviteCode := c.Query("inviteCode")
	if meetingID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalidState", "message": "meetingId query parameter is required"})
		return
	}

	principal, err := auth.Resolve(h.validator, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "authInvalid", "message": err.Error()})
		return
	}

	p, err := h.admissionEng.Join(ctx, meetingID, inviteCode, principal.UserID, principal.DisplayName, principal)
	if err != nil {
		code, status := errorCodeAndStatus(err)
		c.JSON(status, gin.H{"code": code, "message": err.Error()})
		return
	}

	upgrader.CheckOrigin = func(r *http.Request) bool {
		return validateOrigin(r, h.allowedOrigins)
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:          conn,
		hub:           h,
		send:          make(chan []byte, sendBufferSize),
		Principal:     principal,
		MeetingID:     meetingID,
		ParticipantID: p.ID,
	}

	room := h.getOrCreateRoom(meetingID)
	room.setMembership(client, p.Status, p.IsModerator())
	h.announceConnect(ctx, room, client, p)

	go client.writePump()
	go client.readPump()
}

// announceConnect sends the newly connected client its own state plus
// chat catch-up, and tells the rest of the room it arrived.
func (h *Hub) announceConnect(ctx context.Context, room *Room, client *Client, p *domain.Participant) {
	ackPayload, _ := json.Marshal(p)
	client.sendFrame(Frame{Event: EventAck, Payload: ackPayload})

	history := room.chatHistory()
	if len(history) > 0 {
		payload, _ := json.Marshal(history)
		client.sendFrame(Frame{Event: EventChatMessagesLoaded, Payload: payload})
	}

	if p.Status == domain.StatusWaiting {
		room.broadcast(ctx, EventAdmissionParticipantWaiting, p, []channel{channelHost}, "")
		return
	}
	room.broadcast(ctx, EventPresenceUserJoined, p, []channel{channelMain}, client.ParticipantID)
}

// unregister is called from Client.readPump's deferred cleanup on socket
// close (spec §4.8 step 5): remove from the room and hand off to the
// Presence Engine for explicit-leave semantics. A raised hand is left to
// its TTL in the Hand-Raise Engine, so it survives a reconnect.
func (h *Hub) unregister(client *Client) {
	ctx := context.Background()

	h.mu.Lock()
	room, ok := h.rooms[client.MeetingID]
	h.mu.Unlock()
	if !ok {
		return
	}

	empty := room.remove(client)

	if err := h.presenceEngine.CloseParticipant(ctx, client.ParticipantID); err != nil {
		logging.Error(ctx, "failed to close session on disconnect", zap.String("participantId", client.ParticipantID), zap.Error(err))
	}

	room.broadcast(ctx, EventPresenceUserLeft, gin.H{"participantId": client.ParticipantID}, []channel{channelMain}, "")

	if empty {
		h.removeRoomIfEmpty(client.MeetingID)
	}
}

// errorCodeAndStatus maps a domain sentinel error to spec §7's
// machine-readable code and an HTTP status for the pre-upgrade rejection
// path (the realtime error-frame path reuses the same codes via
// dispatch.go's sendError).
func errorCodeAndStatus(err error) (string, int) {
	switch {
	case errors.Is(err, domain.ErrAuthRequired):
		return "authRequired", http.StatusUnauthorized
	case errors.Is(err, domain.ErrAuthInvalid):
		return "authInvalid", http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden", http.StatusForbidden
	case errors.Is(err, domain.ErrMeetingNotFound), errors.Is(err, domain.ErrParticipantNotFound):
		return "notFound", http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return "invalidState", http.StatusConflict
	case errors.Is(err, domain.ErrConflict):
		return "conflict", http.StatusConflict
	case errors.Is(err, domain.ErrRoomLocked):
		return "roomLocked", http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimited):
		return "rateLimited", http.StatusTooManyRequests
	default:
		return "internal", http.StatusInternalServerError
	}
}
