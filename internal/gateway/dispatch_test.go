package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classroomlive/control-plane/internal/domain"
)

func TestDispatch_UnknownEventSendsErrorFrame(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	p := h.join(t, m, "user1", "User One", domain.Principal{UserID: "user1"})
	c := h.newClient(m.ID, p.ID, domain.Principal{UserID: "user1"})
	room := h.hub.getOrCreateRoom(m.ID)
	room.setMembership(c, p.Status, p.IsModerator())

	h.hub.dispatch(context.Background(), c, Frame{Event: "bogus.event", CorrelationID: "x1"})

	f := recvFrame(t, c)
	assert.Equal(t, EventError, f.Event)
	assert.Equal(t, "x1", f.CorrelationID)
}

func TestDispatch_ChannelAffiliationEventsAreRejected(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	p := h.join(t, m, "user1", "User One", domain.Principal{UserID: "user1"})
	c := h.newClient(m.ID, p.ID, domain.Principal{UserID: "user1"})
	room := h.hub.getOrCreateRoom(m.ID)
	room.setMembership(c, p.Status, p.IsModerator())

	h.hub.dispatch(context.Background(), c, Frame{Event: EventJoinMain})

	f := recvFrame(t, c)
	assert.Equal(t, EventError, f.Event)
}

func TestDispatch_Heartbeat(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	p := h.join(t, m, "user1", "User One", domain.Principal{UserID: "user1"})
	c := h.newClient(m.ID, p.ID, domain.Principal{UserID: "user1"})
	room := h.hub.getOrCreateRoom(m.ID)
	room.setMembership(c, p.Status, p.IsModerator())

	h.hub.dispatch(context.Background(), c, Frame{Event: EventHeartbeat, CorrelationID: "hb"})

	f := recvFrame(t, c)
	assert.Equal(t, EventAck, f.Event)
}

func TestDispatch_ChatSendBroadcastsToEveryoneIncludingSender(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	p1 := h.join(t, m, "user1", "User One", domain.Principal{UserID: "user1"})
	p2 := h.join(t, m, "user2", "User Two", domain.Principal{UserID: "user2"})
	c1 := h.newClient(m.ID, p1.ID, domain.Principal{UserID: "user1"})
	c2 := h.newClient(m.ID, p2.ID, domain.Principal{UserID: "user2"})
	room := h.hub.getOrCreateRoom(m.ID)
	room.setMembership(c1, p1.Status, p1.IsModerator())
	room.setMembership(c2, p2.Status, p2.IsModerator())

	payload, _ := json.Marshal(chatSendRequest{Content: "hello room"})
	h.hub.dispatch(context.Background(), c1, Frame{Event: EventChatSend, Payload: payload, CorrelationID: "chat-1"})

	broadcastToSender := recvFrame(t, c1)
	assert.Equal(t, EventChatMessage, broadcastToSender.Event)
	ack := recvFrame(t, c1)
	assert.Equal(t, EventAck, ack.Event)
	broadcastToOther := recvFrame(t, c2)
	assert.Equal(t, EventChatMessage, broadcastToOther.Event)

	history := room.chatHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "hello room", history[0].Content)
}

func TestDispatch_ChatSendRejectsEmptyContent(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	p := h.join(t, m, "user1", "User One", domain.Principal{UserID: "user1"})
	c := h.newClient(m.ID, p.ID, domain.Principal{UserID: "user1"})
	room := h.hub.getOrCreateRoom(m.ID)
	room.setMembership(c, p.Status, p.IsModerator())

	payload, _ := json.Marshal(chatSendRequest{Content: ""})
	h.hub.dispatch(context.Background(), c, Frame{Event: EventChatSend, Payload: payload})

	f := recvFrame(t, c)
	assert.Equal(t, EventError, f.Event)
}

func TestDispatch_AdmissionApprove_ForbiddenForNonModerator(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "private")
	waiter := h.join(t, m, "user1", "User One", domain.Principal{UserID: "user1"})
	other := h.join(t, m, "user2", "User Two", domain.Principal{UserID: "user2"})

	caller := h.newClient(m.ID, other.ID, domain.Principal{UserID: "user2"})
	room := h.hub.getOrCreateRoom(m.ID)
	room.setMembership(caller, other.Status, other.IsModerator())

	payload, _ := json.Marshal(participantRef{ParticipantID: waiter.ID})
	h.hub.dispatch(context.Background(), caller, Frame{Event: EventAdmissionApprove, Payload: payload})

	f := recvFrame(t, caller)
	assert.Equal(t, EventError, f.Event)
}

func TestDispatch_AdmissionApprove_HostAdmitsWaitingParticipant(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "private")
	waiter := h.join(t, m, "user1", "User One", domain.Principal{UserID: "user1"})
	assert.Equal(t, domain.StatusWaiting, waiter.Status)

	// A private meeting puts every joiner in WAITING, including its own
	// host (spec has no host bypass of the approval gate); admit the host
	// directly here the way a bootstrap/owner flow outside the gateway
	// would, rather than asserting a bypass the domain doesn't implement.
	hostParticipant := h.join(t, m, "host1", "Host", domain.Principal{UserID: "host1"})
	require.Equal(t, domain.StatusWaiting, hostParticipant.Status)
	hostParticipant, _, err := h.admission.Approve(context.Background(), m.ID, hostParticipant.ID)
	require.NoError(t, err)
	hostClient := h.newClient(m.ID, hostParticipant.ID, domain.Principal{UserID: "host1"})
	waiterClient := h.newClient(m.ID, waiter.ID, domain.Principal{UserID: "user1"})
	room := h.hub.getOrCreateRoom(m.ID)
	room.setMembership(hostClient, hostParticipant.Status, hostParticipant.IsModerator())
	room.setMembership(waiterClient, waiter.Status, waiter.IsModerator())

	payload, _ := json.Marshal(participantRef{ParticipantID: waiter.ID})
	h.hub.dispatch(context.Background(), hostClient, Frame{Event: EventAdmissionApprove, Payload: payload, CorrelationID: "approve-1"})

	directToWaiter := recvFrame(t, waiterClient)
	assert.Equal(t, EventAdmissionParticipantApproved, directToWaiter.Event)
	broadcastToWaiter := recvFrame(t, waiterClient)
	assert.Equal(t, EventAdmissionParticipantApproved, broadcastToWaiter.Event)

	broadcastApprovedToHost := recvFrame(t, hostClient)
	assert.Equal(t, EventAdmissionParticipantApproved, broadcastApprovedToHost.Event)
	broadcastAdmittedToHost := recvFrame(t, hostClient)
	assert.Equal(t, EventAdmissionParticipantAdmitted, broadcastAdmittedToHost.Event)

	ack := recvFrame(t, hostClient)
	assert.Equal(t, EventAck, ack.Event)
	assert.Equal(t, "approve-1", ack.CorrelationID)

	updated, err := h.participants.Get(context.Background(), waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAdmitted, updated.Status)
}

func TestDispatch_RaiseAndLowerHand(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	p := h.join(t, m, "user1", "User One", domain.Principal{UserID: "user1", DisplayName: "User One"})
	c := h.newClient(m.ID, p.ID, domain.Principal{UserID: "user1", DisplayName: "User One"})
	room := h.hub.getOrCreateRoom(m.ID)
	room.setMembership(c, p.Status, p.IsModerator())

	h.hub.dispatch(context.Background(), c, Frame{Event: EventRaiseHand, CorrelationID: "raise-1"})
	broadcastRaise := recvFrame(t, c)
	assert.Equal(t, EventHandRaised, broadcastRaise.Event)
	ackRaise := recvFrame(t, c)
	assert.Equal(t, EventAck, ackRaise.Event)

	raised, err := h.participants.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, raised.HasHandRaised)

	h.hub.dispatch(context.Background(), c, Frame{Event: EventLowerHand, CorrelationID: "lower-1"})
	broadcastLower := recvFrame(t, c)
	assert.Equal(t, EventHandLowered, broadcastLower.Event)
	ackLower := recvFrame(t, c)
	assert.Equal(t, EventAck, ackLower.Event)

	lowered, err := h.participants.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, lowered.HasHandRaised)
}

func TestDispatch_ForceMute_RequiresModeratorAuthority(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	target := h.join(t, m, "user1", "User One", domain.Principal{UserID: "user1"})
	bystander := h.join(t, m, "user2", "User Two", domain.Principal{UserID: "user2"})
	c := h.newClient(m.ID, bystander.ID, domain.Principal{UserID: "user2"})
	room := h.hub.getOrCreateRoom(m.ID)
	room.setMembership(c, bystander.Status, bystander.IsModerator())

	payload, _ := json.Marshal(mediaControlRequest{ParticipantID: target.ID})
	h.hub.dispatch(context.Background(), c, Frame{Event: EventForceMute, Payload: payload})

	f := recvFrame(t, c)
	assert.Equal(t, EventError, f.Event)
}
