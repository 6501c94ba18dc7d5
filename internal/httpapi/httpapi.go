// Package httpapi implements the "request/response channel for
// administrative operations" named in spec §6: create, fetch and
// lifecycle-manage a meeting, rotate its invite code, list its
// participants, fetch attendance, and chat history, plus the
// illustrative admin stale-cleanup endpoints from the same section.
// There is no route that lists meetings.
// The Realtime Gateway (internal/gateway) owns the duplex event channel;
// this package is everything that fits a plain request/response shape
// better, grounded on the teacher's gin route-group layout in
// cmd/v1/session/main.go.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/classroomlive/control-plane/internal/auth"
	"github.com/classroomlive/control-plane/internal/domain"
	"github.com/classroomlive/control-plane/internal/filestore"
	"github.com/classroomlive/control-plane/internal/meeting"
	"github.com/classroomlive/control-plane/internal/participant"
	"github.com/classroomlive/control-plane/internal/presence"
	"github.com/classroomlive/control-plane/internal/store"
)

// Deps bundles the collaborators the HTTP surface calls into. Files is
// nil when no recording bucket is configured, in which case the
// recording routes respond notFound rather than panicking.
type Deps struct {
	Validator    auth.TokenValidator
	Meetings     *meeting.Registry
	Participants *participant.Store
	Presence     *presence.Engine
	Store        store.Store
	Files        *filestore.FileStore
}

// Register attaches the administrative routes to an existing gin engine,
// leaving CORS, recovery, rate limiting and tracing middleware to the
// caller (cmd/server wires those once for the whole router).
func Register(r gin.IRouter, d Deps) {
	requireAuth := authMiddleware(d.Validator)

	meetings := r.Group("/meetings", requireAuth)
	{
		meetings.POST("", d.createMeeting)
		meetings.GET("/:meetingId", d.getMeeting)
		meetings.POST("/:meetingId/start", d.startMeeting)
		meetings.POST("/:meetingId/end", d.endMeeting)
		meetings.POST("/:meetingId/lock", d.lockRoom)
		meetings.POST("/:meetingId/unlock", d.unlockRoom)
		meetings.POST("/:meetingId/invite-code", d.rotateInviteCode)
		meetings.GET("/:meetingId/participants", d.listParticipants)
		meetings.GET("/:meetingId/attendance", d.attendance)
		meetings.GET("/:meetingId/chat", d.chatHistory)
		meetings.GET("/:meetingId/chat/search", d.chatSearch)
		meetings.POST("/:meetingId/recordings/:name/upload-url", d.presignRecordingUpload)
		meetings.GET("/:meetingId/recordings/:name/download-url", d.presignRecordingDownload)
	}

	admin := r.Group("/admin", requireAuth, requireAdmin)
	{
		admin.GET("/stale-participants-stats", d.staleParticipantStats)
		admin.POST("/manual-cleanup", d.manualCleanup)
	}
}

// principalKey is the gin context key authMiddleware stores the resolved
// Principal under.
const principalKey = "principal"

func authMiddleware(v auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "authRequired", "message": "missing bearer token"})
			return
		}
		principal, err := auth.Resolve(v, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "authInvalid", "message": err.Error()})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func requireAdmin(c *gin.Context) {
	p, _ := c.Get(principalKey)
	principal, _ := p.(domain.Principal)
	if principal.SystemRole != domain.SystemRoleAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "forbidden", "message": "admin systemRole required"})
		return
	}
	c.Next()
}

func principalFrom(c *gin.Context) domain.Principal {
	p, _ := c.Get(principalKey)
	principal, _ := p.(domain.Principal)
	return principal
}

func writeError(c *gin.Context, err error) {
	code, status := errorCodeAndStatus(err)
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}

type createMeetingRequest struct {
	Title        string     `json:"title"`
	Privacy      string     `json:"privacy"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
}

func (d Deps) createMeeting(c *gin.Context) {
	var req createMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalidState", "message": err.Error()})
		return
	}
	if req.Privacy != "public" && req.Privacy != "private" {
		req.Privacy = "public"
	}

	principal := principalFrom(c)
	m, err := d.Meetings.CreateMeeting(c.Request.Context(), principal.UserID, req.Title, req.Privacy, req.ScheduledFor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (d Deps) getMeeting(c *gin.Context) {
	m, err := d.Meetings.Get(c.Request.Context(), c.Param("meetingId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (d Deps) startMeeting(c *gin.Context) {
	m, err := d.Meetings.StartMeeting(c.Request.Context(), c.Param("meetingId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// endMeeting closes every open presence session before marking the
// meeting ended, mirroring the ordering internal/admission.Leave already
// uses for a single participant (spec §4.3 rule: a meeting ending closes
// every still-open session).
func (d Deps) endMeeting(c *gin.Context) {
	ctx := c.Request.Context()
	meetingID := c.Param("meetingId")

	if _, err := d.Presence.EndMeeting(ctx, meetingID); err != nil {
		writeError(c, err)
		return
	}
	m, err := d.Meetings.EndMeeting(ctx, meetingID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (d Deps) lockRoom(c *gin.Context) {
	m, err := d.Meetings.LockRoom(c.Request.Context(), c.Param("meetingId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (d Deps) unlockRoom(c *gin.Context) {
	m, err := d.Meetings.UnlockRoom(c.Request.Context(), c.Param("meetingId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (d Deps) rotateInviteCode(c *gin.Context) {
	m, err := d.Meetings.RotateInviteCode(c.Request.Context(), c.Param("meetingId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (d Deps) listParticipants(c *gin.Context) {
	var statuses []domain.ParticipantStatus
	if s := c.Query("status"); s != "" {
		statuses = append(statuses, domain.ParticipantStatus(s))
	}
	participants, err := d.Participants.ListByMeeting(c.Request.Context(), c.Param("meetingId"), statuses)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, participants)
}

// attendance reports each participant's session timeline and total
// duration (spec "Supplemented Features": attendance reporting).
func (d Deps) attendance(c *gin.Context) {
	participants, err := d.Participants.ListByMeeting(c.Request.Context(), c.Param("meetingId"), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, participants)
}

func (d Deps) chatHistory(c *gin.Context) {
	var before *string
	if b := c.Query("before"); b != "" {
		before = &b
	}
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}
	msgs, err := d.Store.ListChatMessages(c.Request.Context(), c.Param("meetingId"), before, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (d Deps) chatSearch(c *gin.Context) {
	query := c.Query("q")
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}
	msgs, err := d.Store.SearchChatMessages(c.Request.Context(), c.Param("meetingId"), query, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

const recordingURLExpiry = 15 * time.Minute

func (d Deps) presignRecordingUpload(c *gin.Context) {
	if d.Files == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "notFound", "message": "recording storage is not configured"})
		return
	}
	contentType := c.DefaultQuery("contentType", "video/webm")
	url, err := d.Files.PresignUpload(c.Request.Context(), c.Param("meetingId"), c.Param("name"), contentType, recordingURLExpiry)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploadUrl": url, "expiresInSec": int(recordingURLExpiry.Seconds())})
}

func (d Deps) presignRecordingDownload(c *gin.Context) {
	if d.Files == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "notFound", "message": "recording storage is not configured"})
		return
	}
	url, err := d.Files.PresignDownload(c.Request.Context(), c.Param("meetingId"), c.Param("name"), recordingURLExpiry)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"downloadUrl": url, "expiresInSec": int(recordingURLExpiry.Seconds())})
}

// staleParticipantStats reports, for a given meeting, how many currently-
// admitted participants have gone silent past thresholdSec without
// closing the gap — the read-only counterpart to manualCleanup.
func (d Deps) staleParticipantStats(c *gin.Context) {
	meetingID := c.Query("meetingId")
	if meetingID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalidState", "message": "meetingId query parameter is required"})
		return
	}
	thresholdSec, _ := strconv.Atoi(c.Query("thresholdSec"))
	if thresholdSec <= 0 {
		thresholdSec = 150
	}
	threshold := time.Duration(thresholdSec) * time.Second

	participants, err := d.Participants.ListByMeeting(c.Request.Context(), meetingID, nil)
	if err != nil {
		writeError(c, err)
		return
	}

	stale, online := 0, 0
	now := time.Now()
	for _, p := range participants {
		if !p.IsCurrentlyOnline() {
			continue
		}
		online++
		if now.Sub(p.LastSeenAt) >= threshold {
			stale++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"meetingId":    meetingID,
		"thresholdSec": thresholdSec,
		"onlineCount":  online,
		"staleCount":   stale,
	})
}

// manualCleanup forces internal/presence's sweep for one meeting outside
// its normal periodic cadence, for operators working an incident.
func (d Deps) manualCleanup(c *gin.Context) {
	meetingID := c.Query("meetingId")
	if meetingID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalidState", "message": "meetingId query parameter is required"})
		return
	}
	closed, err := d.Presence.Sweep(c.Request.Context(), meetingID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meetingId": meetingID, "sessionsClosed": closed})
}

// errorCodeAndStatus mirrors internal/gateway's mapping of the same
// domain sentinels (spec §7); kept as a small local copy rather than an
// exported gateway function so httpapi doesn't have to import gateway.
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
