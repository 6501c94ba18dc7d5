package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/classroomlive/control-plane/internal/domain"
)

func newBareClient(participantID string) *Client {
	return &Client{send: make(chan []byte, 16), ParticipantID: participantID}
}

func TestRoomSetMembership_Waiting(t *testing.T) {
	r := newRoom("m1", nil)
	c := newBareClient("p1")

	r.setMembership(c, domain.StatusWaiting, false)

	assert.Equal(t, channelWaiting, c.getChannel())
	_, inWaiting := r.waiting[c]
	assert.True(t, inWaiting)
	assert.Equal(t, c, r.byParticipant["p1"])
}

func TestRoomSetMembership_HostMovesIntoHostBucket(t *testing.T) {
	r := newRoom("m1", nil)
	c := newBareClient("p1")

	r.setMembership(c, domain.StatusAdmitted, true)

	assert.Equal(t, channelHost, c.getChannel())
	_, inMain := r.main[c]
	_, inHosts := r.hosts[c]
	assert.True(t, inMain)
	assert.True(t, inHosts)
}

func TestRoomSetMembership_MovesFromWaitingToMain(t *testing.T) {
	r := newRoom("m1", nil)
	c := newBareClient("p1")

	r.setMembership(c, domain.StatusWaiting, false)
	r.setMembership(c, domain.StatusAdmitted, false)

	_, stillWaiting := r.waiting[c]
	_, inMain := r.main[c]
	assert.False(t, stillWaiting)
	assert.True(t, inMain)
	assert.Equal(t, channelMain, c.getChannel())
}

func TestRoomRemove_ReportsEmpty(t *testing.T) {
	r := newRoom("m1", nil)
	c1 := newBareClient("p1")
	c2 := newBareClient("p2")
	r.setMembership(c1, domain.StatusAdmitted, false)
	r.setMembership(c2, domain.StatusAdmitted, false)

	assert.False(t, r.remove(c1))
	assert.True(t, r.remove(c2))
}

func TestRoomClientFor(t *testing.T) {
	r := newRoom("m1", nil)
	c := newBareClient("p1")
	r.setMembership(c, domain.StatusAdmitted, false)

	found, ok := r.clientFor("p1")
	assert.True(t, ok)
	assert.Equal(t, c, found)

	_, ok = r.clientFor("missing")
	assert.False(t, ok)
}

func TestRoomBroadcastLocal_ExcludesSenderAndRespectsChannel(t *testing.T) {
	r := newRoom("m1", nil)
	host := newBareClient("host1")
	member := newBareClient("member1")
	waitingClient := newBareClient("waiting1")
	r.setMembership(host, domain.StatusAdmitted, true)
	r.setMembership(member, domain.StatusAdmitted, false)
	r.setMembership(waitingClient, domain.StatusWaiting, false)

	r.broadcast(context.Background(), EventPresenceUserJoined, domain.Participant{ID: "member1"}, []channel{channelMain}, "member1")

	assert.Equal(t, 1, len(host.send), "host is in the main bucket too and should receive it")
	assert.Equal(t, 0, len(member.send), "excluded sender should not receive its own broadcast")
	assert.Equal(t, 0, len(waitingClient.send), "waiting-channel socket is out of scope for a channelMain broadcast")
}

func TestRoomBroadcastLocal_NilChannelsMeansEveryoneButHostOnlyBucket(t *testing.T) {
	r := newRoom("m1", nil)
	member := newBareClient("member1")
	waitingClient := newBareClient("waiting1")
	r.setMembership(member, domain.StatusAdmitted, false)
	r.setMembership(waitingClient, domain.StatusWaiting, false)

	r.broadcast(context.Background(), EventChatMessage, domain.ChatMessage{ID: "c1"}, nil, "")

	assert.Equal(t, 1, len(member.send))
	assert.Equal(t, 1, len(waitingClient.send))
}

func TestRoomBroadcastLocal_FullBufferClosesSend(t *testing.T) {
	r := newRoom("m1", nil)
	c := &Client{send: make(chan []byte, 1), ParticipantID: "p1"}
	r.setMembership(c, domain.StatusAdmitted, false)
	c.send <- []byte("fill it up")

	r.broadcast(context.Background(), EventPresenceUserJoined, domain.Participant{}, []channel{channelMain}, "")

	<-c.send // the message that filled the buffer is still delivered after close
	_, ok := <-c.send
	assert.False(t, ok, "a client whose buffer is full gets its send channel closed rather than blocking the broadcaster")
}

func TestRoomChatTail_CapsAtChatHistoryCacheSize(t *testing.T) {
	r := newRoom("m1", nil)
	for i := 0; i < chatHistoryCacheSize+10; i++ {
		r.pushChatTail(&domain.ChatMessage{ID: "msg"})
	}

	assert.Len(t, r.chatHistory(), chatHistoryCacheSize)
}
