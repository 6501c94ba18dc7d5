package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classroomlive/control-plane/internal/domain"
)

func TestClientSendFrame(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	c := h.newClient(m.ID, "p1", domain.Principal{UserID: "host1"})

	c.sendFrame(Frame{Event: EventAck, CorrelationID: "corr-1"})

	f := recvFrame(t, c)
	assert.Equal(t, EventAck, f.Event)
	assert.Equal(t, "corr-1", f.CorrelationID)
}

func TestClientSendFrame_FullBufferClosesSendAndConn(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	c := h.newClient(m.ID, "p1", domain.Principal{UserID: "host1"})
	c.send = make(chan []byte, 1)
	c.send <- []byte("fill")

	c.sendFrame(Frame{Event: EventAck})

	<-c.send // the message that filled the buffer is still delivered after close
	_, ok := <-c.send
	assert.False(t, ok, "a slow client gets its channel closed rather than blocking the sender")
}

func TestClientSendError(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	c := h.newClient(m.ID, "p1", domain.Principal{UserID: "host1"})

	c.sendError("corr-2", "forbidden", "nope")

	f := recvFrame(t, c)
	assert.Equal(t, EventError, f.Event)
	assert.Equal(t, "corr-2", f.CorrelationID)

	var payload errorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, "forbidden", payload.Code)
	assert.Equal(t, "nope", payload.Message)
}

func TestClientSendAck(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	c := h.newClient(m.ID, "p1", domain.Principal{UserID: "host1"})

	c.sendAck("corr-3", map[string]string{"ok": "yes"})

	f := recvFrame(t, c)
	assert.Equal(t, EventAck, f.Event)
	assert.Equal(t, "corr-3", f.CorrelationID)
}

func TestClientReadPump_DispatchesHeartbeat(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	p := h.join(t, m, "user1", "User One", domain.Principal{UserID: "user1"})

	c := h.newClient(m.ID, p.ID, domain.Principal{UserID: "user1"})
	room := h.hub.getOrCreateRoom(m.ID)
	room.setMembership(c, p.Status, p.IsModerator())

	frame, _ := json.Marshal(Frame{Event: EventHeartbeat, CorrelationID: "hb-1"})
	conn := c.conn.(*fakeConn)
	conn.toRead <- frame

	go c.readPump()
	defer conn.Close()

	ack := recvFrame(t, c)
	assert.Equal(t, EventAck, ack.Event)
	assert.Equal(t, "hb-1", ack.CorrelationID)
}

func TestClientReadPump_InvalidJSONGetsErrorFrame(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	p := h.join(t, m, "user1", "User One", domain.Principal{UserID: "user1"})
	c := h.newClient(m.ID, p.ID, domain.Principal{UserID: "user1"})
	room := h.hub.getOrCreateRoom(m.ID)
	room.setMembership(c, p.Status, p.IsModerator())

	conn := c.conn.(*fakeConn)
	conn.toRead <- []byte("not json")

	go c.readPump()
	defer conn.Close()

	f := recvFrame(t, c)
	assert.Equal(t, EventError, f.Event)
}

func TestClientWritePump_DrainsSendToConn(t *testing.T) {
	h := newHarness()
	m := h.createMeeting(t, "host1", "public")
	c := h.newClient(m.ID, "p1", domain.Principal{UserID: "host1"})
	conn := c.conn.(*fakeConn)

	go c.writePump()
	c.send <- []byte(`{"event":"ack"}`)
	close(c.send)

	require.Eventually(t, func() bool { return conn.writeCount() > 0 }, time.Second, 10*time.Millisecond)
}
