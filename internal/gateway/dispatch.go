package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classroomlive/control-plane/internal/domain"
	"github.com/classroomlive/control-plane/internal/logging"
	"github.com/classroomlive/control-plane/internal/metrics"
	"github.com/classroomlive/control-plane/internal/moderator"
)

// H is a generic JSON object for ad-hoc broadcast/ack payloads that don't
// warrant their own named type.
type H map[string]any

// dispatch routes one inbound Frame to the collaborator it names (spec
// §4.8 step 4), translating the result into outbound broadcasts and/or a
// direct ack/error reply to the sender. Unknown events get an error frame
// rather than being silently dropped.
func (h *Hub) dispatch(ctx context.Context, c *Client, f Frame) {
	var err error
	switch f.Event {
	case EventHeartbeat:
		err = h.handleHeartbeat(ctx, c, f)
	case EventAdmissionApprove:
		err = h.handleAdmissionDecision(ctx, c, f, true)
	case EventAdmissionReject:
		err = h.handleAdmissionDecision(ctx, c, f, false)
	case EventAdmissionAdmitAll:
		err = h.handleAdmitAll(ctx, c, f)
	case EventAdmissionKick:
		err = h.handleKick(ctx, c, f)
	case EventForceMute:
		err = h.handleForceMute(ctx, c, f, moderator.TrackMic, EventModeratorForceMuted)
	case EventForceCameraOff:
		err = h.handleForceMute(ctx, c, f, moderator.TrackCamera, EventModeratorForceCameraOff)
	case EventScreenShareControl:
		err = h.handleScreenShareControl(ctx, c, f)
	case EventTransferHost:
		err = h.handleTransferHost(ctx, c, f)
	case EventModeratorLowerHand:
		err = h.handleLowerHand(ctx, c, f, true)
	case EventRaiseHand:
		err = h.handleRaiseHand(ctx, c, f)
	case EventLowerHand:
		err = h.handleLowerHand(ctx, c, f, false)
	case EventLowerAllHands:
		err = h.handleLowerAllHands(ctx, c, f)
	case EventChatSend:
		err = h.handleChatSend(ctx, c, f)
	case EventChatDelete:
		err = h.handleChatDelete(ctx, c, f)
	case EventChatHistory:
		err = h.handleChatHistory(ctx, c, f)
	case EventJoinMain, EventJoinWaiting, EventHostJoin, EventLeaveMain, EventLeaveWaiting:
		// Room affiliation is derived from persisted participant state at
		// connect time and on every admission/moderator transition; the
		// gateway never trusts a client's bare request to move channels.
		err = fmt.Errorf("%w: channel affiliation is server-driven", domain.ErrInvalidState)
	default:
		err = fmt.Errorf("%w: unrecognized event %q", domain.ErrInvalidState, f.Event)
	}

	status := "ok"
	if err != nil {
		status = "error"
		code, _ := errorCodeAndStatus(err)
		c.sendError(f.CorrelationID, code, err.Error())
		logging.Warn(ctx, "dispatch failed", zap.String("event", string(f.Event)), zap.Error(err))
	}
	metrics.WebsocketEvents.WithLabelValues(string(f.Event), status).Inc()
}

func decodePayload(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", domain.ErrInvalidState)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidState, err)
	}
	return nil
}

func (h *Hub) roomFor(meetingID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[meetingID]
	return r, ok
}

// requireParticipant fetches the caller's own participant record, the
// shape every handler needs to confirm its request targets the meeting
// it is actually connected to.
func (h *Hub) requireParticipant(ctx context.Context, c *Client) (*domain.Participant, error) {
	return h.participants.Get(ctx, c.ParticipantID)
}

type participantRef struct {
	ParticipantID string `json:"participantId"`
}

func (h *Hub) handleHeartbeat(ctx context.Context, c *Client, f Frame) error {
	if err := h.presenceEngine.HeartbeatParticipant(ctx, c.ParticipantID); err != nil {
		return err
	}
	c.sendAck(f.CorrelationID, H{"participantId": c.ParticipantID})
	return nil
}

// handleAdmissionDecision backs both admission.approve and
// admission.reject. Only a moderator may decide another participant's
// admission (spec §4.4); authorization is re-derived from the caller's
// own participant record rather than trusted from the client.
func (h *Hub) handleAdmissionDecision(ctx context.Context, c *Client, f Frame, approve bool) error {
	var req participantRef
	if err := decodePayload(f, &req); err != nil {
		return err
	}
	caller, err := h.requireParticipant(ctx, c)
	if err != nil {
		return err
	}
	if !caller.IsModerator() && c.Principal.SystemRole != domain.SystemRoleAdmin {
		return fmt.Errorf("%w: only a moderator may decide admission", domain.ErrForbidden)
	}

	var target *domain.Participant
	var event Event
	changed := true
	if approve {
		target, changed, err = h.admissionEng.Approve(ctx, c.MeetingID, req.ParticipantID)
		event = EventAdmissionParticipantApproved
	} else {
		target, err = h.admissionEng.Reject(ctx, c.MeetingID, req.ParticipantID)
		event = EventAdmissionParticipantRejected
	}
	if err != nil {
		return err
	}
	if !changed {
		// Already admitted: a repeat approve is a no-op (R1: one ADMITTED
		// transition and one broadcast), acked but not re-broadcast.
		c.sendAck(f.CorrelationID, target)
		return nil
	}

	room := h.getOrCreateRoom(c.MeetingID)
	if tc, ok := room.clientFor(req.ParticipantID); ok {
		room.setMembership(tc, target.Status, target.IsModerator())
		tc.sendFrame(Frame{Event: event, Payload: marshalOrNil(target)})
		if !approve {
			closeClientConn(tc)
		}
	}
	// channelHost is always a subset of channelMain (setMembership puts
	// every host socket in both), so channelMain alone already reaches
	// every host without a double delivery.
	room.broadcast(ctx, event, target, []channel{channelMain}, "")
	if approve {
		room.broadcast(ctx, EventAdmissionParticipantAdmitted, target, []channel{channelMain}, req.ParticipantID)
	}
	c.sendAck(f.CorrelationID, target)
	return nil
}

func (h *Hub) handleAdmitAll(ctx context.Context, c *Client, f Frame) error {
	caller, err := h.requireParticipant(ctx, c)
	if err != nil {
		return err
	}
	if !caller.IsModerator() && c.Principal.SystemRole != domain.SystemRoleAdmin {
		return fmt.Errorf("%w: only a moderator may admit all", domain.ErrForbidden)
	}

	admitted, err := h.admissionEng.AdmitAll(ctx, c.MeetingID)
	if err != nil {
		return err
	}

	room := h.getOrCreateRoom(c.MeetingID)
	for _, p := range admitted {
		if tc, ok := room.clientFor(p.ID); ok {
			room.setMembership(tc, p.Status, p.IsModerator())
			tc.sendFrame(Frame{Event: EventAdmissionParticipantAdmitted, Payload: marshalOrNil(p)})
		}
		room.broadcast(ctx, EventAdmissionParticipantAdmitted, p, []channel{channelMain}, p.ID)
	}
	c.sendAck(f.CorrelationID, H{"admitted": len(admitted)})
	return nil
}

// handleKick backs a moderator-initiated admission.kick: it removes the
// target's standing and, if locally connected, closes its socket.
func (h *Hub) handleKick(ctx context.Context, c *Client, f Frame) error {
	var req participantRef
	if err := decodePayload(f, &req); err != nil {
		return err
	}
	caller, err := h.requireParticipant(ctx, c)
	if err != nil {
		return err
	}
	if !caller.IsModerator() && c.Principal.SystemRole != domain.SystemRoleAdmin {
		return fmt.Errorf("%w: only a moderator may kick", domain.ErrForbidden)
	}

	target, err := h.admissionEng.Kick(ctx, c.MeetingID, req.ParticipantID)
	if err != nil {
		return err
	}

	room := h.getOrCreateRoom(c.MeetingID)
	if tc, ok := room.clientFor(req.ParticipantID); ok {
		room.remove(tc)
		tc.sendFrame(Frame{Event: EventModeratorKicked, Payload: marshalOrNil(target)})
		closeClientConn(tc)
	}
	room.broadcast(ctx, EventModeratorKicked, target, []channel{channelMain}, "")
	c.sendAck(f.CorrelationID, target)
	return nil
}

type mediaControlRequest struct {
	ParticipantID string `json:"participantId"`
}

func (h *Hub) handleForceMute(ctx context.Context, c *Client, f Frame, track moderator.MediaTrack, event Event) error {
	var req mediaControlRequest
	if err := decodePayload(f, &req); err != nil {
		return err
	}
	target, err := h.moderatorEng.ForceMute(ctx, c.MeetingID, c.Principal.UserID, c.Principal, req.ParticipantID, track)
	if err != nil {
		return err
	}
	room := h.getOrCreateRoom(c.MeetingID)
	room.broadcast(ctx, event, target, []channel{channelMain}, "")
	c.sendAck(f.CorrelationID, target)
	return nil
}

type screenShareRequest struct {
	ParticipantID string `json:"participantId"`
	Allow         bool   `json:"allow"`
}

func (h *Hub) handleScreenShareControl(ctx context.Context, c *Client, f Frame) error {
	var req screenShareRequest
	if err := decodePayload(f, &req); err != nil {
		return err
	}
	target, err := h.moderatorEng.ForceScreenShareControl(ctx, c.MeetingID, c.Principal, req.ParticipantID, req.Allow)
	if err != nil {
		return err
	}
	room := h.getOrCreateRoom(c.MeetingID)
	room.broadcast(ctx, EventModeratorScreenShareChanged, target, []channel{channelMain}, "")
	c.sendAck(f.CorrelationID, target)
	return nil
}

type transferHostRequest struct {
	NewHostParticipantID string `json:"newHostParticipantId"`
}

// handleTransferHost requires the target's own socket be connected so its
// systemRole can be re-resolved from its Principal: spec §4.5 places the
// "target must be tutor or admin" check on the caller of TransferHost
// precisely because the Moderator Engine has no Identity Resolver of its
// own. A target with no connected socket is rejected rather than guessed
// at.
func (h *Hub) handleTransferHost(ctx context.Context, c *Client, f Frame) error {
	var req transferHostRequest
	if err := decodePayload(f, &req); err != nil {
		return err
	}

	room := h.getOrCreateRoom(c.MeetingID)
	targetClient, ok := room.clientFor(req.NewHostParticipantID)
	if !ok {
		return fmt.Errorf("%w: transfer-host target must be connected to this gateway", domain.ErrInvalidState)
	}
	if !moderator.EligibleForHost(targetClient.Principal.SystemRole) {
		return fmt.Errorf("%w: target is not eligible for host", domain.ErrForbidden)
	}

	result, err := h.moderatorEng.TransferHost(ctx, c.MeetingID, c.Principal, req.NewHostParticipantID)
	if err != nil {
		return err
	}

	room.setMembership(targetClient, domain.StatusAdmitted, true)
	room.setMembership(c, domain.StatusAdmitted, false)

	targetClient.sendFrame(Frame{Event: EventModeratorHostTransferred, Payload: marshalOrNil(H{
		"meeting": result.Meeting,
		"sfuToken": result.SFUToken,
	})})
	room.broadcast(ctx, EventModeratorHostTransferred, H{
		"meetingId":   result.Meeting.ID,
		"newHostId":   result.NewHost.ID,
		"oldHostId":   participantIDOrEmpty(result.OldHost),
	}, []channel{channelMain}, req.NewHostParticipantID)
	c.sendAck(f.CorrelationID, result.Meeting)
	return nil
}

func participantIDOrEmpty(p *domain.Participant) string {
	if p == nil {
		return ""
	}
	return p.ID
}

type handRef struct {
	ParticipantID string `json:"participantId"`
}

// handleRaiseHand raises the caller's own hand. Both representations of
// hand-raise state are kept in lockstep here: the Hand-Raise Engine owns
// TTL expiry and ordering, while participant.Store.SetHandRaised persists
// the projection other views (e.g. a roster listing) read back from the
// document store.
func (h *Hub) handleRaiseHand(ctx context.Context, c *Client, f Frame) error {
	p, err := h.requireParticipant(ctx, c)
	if err != nil {
		return err
	}
	rh, created := h.handraiseEng.Raise(c.MeetingID, c.Principal.UserID, c.Principal.DisplayName)
	if created {
		if _, err := h.participants.SetHandRaised(ctx, c.ParticipantID, true, rh.RaisedAt); err != nil {
			return err
		}
	}
	room := h.getOrCreateRoom(c.MeetingID)
	room.broadcast(ctx, EventHandRaised, H{"participantId": p.ID, "raisedHand": rh}, []channel{channelMain}, "")
	c.sendAck(f.CorrelationID, rh)
	return nil
}

// handleLowerHand backs hand.lower (self-service) and
// moderator.lower-hand (byHost=true, any moderator targeting anyone).
func (h *Hub) handleLowerHand(ctx context.Context, c *Client, f Frame, byHost bool) error {
	targetParticipantID := c.ParticipantID
	targetUserID := c.Principal.UserID
	event := EventHandLowered

	if byHost {
		var req handRef
		if err := decodePayload(f, &req); err != nil {
			return err
		}
		target, err := h.participants.Get(ctx, req.ParticipantID)
		if err != nil {
			return err
		}
		targetParticipantID = target.ID
		targetUserID = target.UserID
		event = EventHandLoweredByHost
	}

	updated, err := h.moderatorEng.LowerHand(ctx, c.MeetingID, c.Principal, targetParticipantID, byHost)
	if err != nil {
		return err
	}
	h.handraiseEng.Lower(c.MeetingID, targetUserID)

	room := h.getOrCreateRoom(c.MeetingID)
	room.broadcast(ctx, event, updated, []channel{channelMain}, "")
	c.sendAck(f.CorrelationID, updated)
	return nil
}

func (h *Hub) handleLowerAllHands(ctx context.Context, c *Client, f Frame) error {
	caller, err := h.requireParticipant(ctx, c)
	if err != nil {
		return err
	}
	if !caller.IsModerator() && c.Principal.SystemRole != domain.SystemRoleAdmin {
		return fmt.Errorf("%w: only a moderator may lower all hands", domain.ErrForbidden)
	}

	cleared := h.handraiseEng.LowerAll(c.MeetingID)
	now := h.presenceNow()
	for _, rh := range cleared {
		if p, err := h.participants.GetByUser(ctx, c.MeetingID, rh.UserID); err == nil {
			if _, err := h.participants.SetHandRaised(ctx, p.ID, false, now); err != nil {
				logging.Error(ctx, "failed to persist auto-lowered hand", zap.String("participantId", p.ID), zap.Error(err))
			}
		}
	}

	room := h.getOrCreateRoom(c.MeetingID)
	room.broadcast(ctx, EventHandAllLowered, H{"meetingId": c.MeetingID, "count": len(cleared)}, []channel{channelMain}, "")
	c.sendAck(f.CorrelationID, H{"cleared": len(cleared)})
	return nil
}

// BroadcastHandAutoLowered is the handraise.Engine's onAutoLower callback
// target, wired at construction time in cmd/server. It persists the
// projection and notifies the room the same way an explicit lower would,
// distinguished only by the outbound event name.
func (h *Hub) BroadcastHandAutoLowered(meetingID, userID string) {
	ctx := context.Background()
	p, err := h.participants.GetByUser(ctx, meetingID, userID)
	if err != nil {
		logging.Error(ctx, "auto-lower: participant lookup failed", zap.String("meetingId", meetingID), zap.String("userId", userID), zap.Error(err))
		return
	}
	if _, err := h.participants.SetHandRaised(ctx, p.ID, false, h.presenceNow()); err != nil {
		logging.Error(ctx, "auto-lower: failed to persist", zap.String("participantId", p.ID), zap.Error(err))
		return
	}
	if room, ok := h.roomFor(meetingID); ok {
		room.broadcast(ctx, EventHandAutoLowered, H{"participantId": p.ID, "userId": userID}, []channel{channelMain}, "")
	}
}

type chatSendRequest struct {
	Content string `json:"content"`
}

func (h *Hub) handleChatSend(ctx context.Context, c *Client, f Frame) error {
	var req chatSendRequest
	if err := decodePayload(f, &req); err != nil {
		return err
	}
	if err := validateChatContent(req.Content); err != nil {
		return err
	}

	msg := &domain.ChatMessage{
		ID:          uuid.NewString(),
		MeetingID:   c.MeetingID,
		UserID:      c.Principal.UserID,
		DisplayName: c.Principal.DisplayName,
		Content:     req.Content,
		CreatedAt:   h.presenceNow(),
	}
	if err := h.store.InsertChatMessage(ctx, msg); err != nil {
		return err
	}

	room := h.getOrCreateRoom(c.MeetingID)
	room.pushChatTail(msg)
	room.broadcast(ctx, EventChatMessage, msg, nil, "")
	c.sendAck(f.CorrelationID, msg)
	return nil
}

type chatDeleteRequest struct {
	MessageID string `json:"messageId"`
}

func (h *Hub) handleChatDelete(ctx context.Context, c *Client, f Frame) error {
	var req chatDeleteRequest
	if err := decodePayload(f, &req); err != nil {
		return err
	}
	caller, err := h.requireParticipant(ctx, c)
	if err != nil {
		return err
	}
	if !caller.IsModerator() && c.Principal.SystemRole != domain.SystemRoleAdmin {
		return fmt.Errorf("%w: only a moderator may delete chat messages", domain.ErrForbidden)
	}
	if err := h.store.DeleteChatMessage(ctx, c.MeetingID, req.MessageID); err != nil {
		return err
	}

	room := h.getOrCreateRoom(c.MeetingID)
	room.broadcast(ctx, EventChatMessageDeleted, H{"messageId": req.MessageID}, nil, "")
	c.sendAck(f.CorrelationID, H{"messageId": req.MessageID})
	return nil
}

type chatHistoryRequest struct {
	Before *string `json:"before,omitempty"`
	Limit  int     `json:"limit,omitempty"`
}

func (h *Hub) handleChatHistory(ctx context.Context, c *Client, f Frame) error {
	var req chatHistoryRequest
	_ = decodePayload(f, &req) // payload is optional for history requests

	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	msgs, err := h.store.ListChatMessages(ctx, c.MeetingID, req.Before, limit)
	if err != nil {
		return err
	}
	c.sendFrame(Frame{Event: EventChatMessagesLoaded, Payload: marshalOrNil(msgs), CorrelationID: f.CorrelationID})
	return nil
}

func validateChatContent(content string) error {
	if content == "" {
		return fmt.Errorf("%w: chat message content must not be empty", domain.ErrInvalidState)
	}
	if len(content) > 4000 {
		return fmt.Errorf("%w: chat message exceeds maximum length", domain.ErrInvalidState)
	}
	return nil
}

func marshalOrNil(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// closeClientConn closes a rejected/kicked client's socket directly. The
// readPump's deferred unregister still runs off the resulting read error,
// so room bookkeeping stays in one place.
func closeClientConn(c *Client) {
	_ = c.conn.Close()
}

// presenceNow is the Hub's clock for timestamps it stamps itself (chat
// messages, auto-lower persistence). It always returns time.Now(); unlike
// internal/presence and internal/handraise, the Hub has no clock field
// for tests to replace.
func (h *Hub) presenceNow() time.Time {
	return time.Now()
}
