package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classroomlive/control-plane/internal/domain"
	"github.com/classroomlive/control-plane/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
	sendBufferSize = 256
)

// wsConnection is the subset of *websocket.Conn the Client needs,
// narrowed so readPump/writePump can be exercised against a fake in
// tests without a real socket.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one connected socket, affiliated with exactly one meeting
// and one of its three broadcast channels at a time.
type Client struct {
	conn wsConnection
	hub  *Hub
	send chan []byte

	Principal     domain.Principal
	MeetingID     string
	ParticipantID string

	mu      sync.RWMutex
	channel channel
}

func (c *Client) getChannel() channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

func (c *Client) setChannel(ch channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = ch
}

// sendFrame marshals f and enqueues it on the outbound buffer. A full
// buffer means the socket is too slow to keep up; the gateway closes it
// rather than blocking the caller or silently dropping (spec §5
// "Backpressure").
func (c *Client) sendFrame(f Frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound frame", zap.String("event", string(f.Event)), zap.Error(err))
		return
	}
	select {
	case c.send <- raw:
	default:
		close(c.send)
		c.conn.Close()
	}
}

func (c *Client) sendError(correlationID, code, message string) {
	payload, _ := json.Marshal(errorPayload{Code: code, Message: message})
	c.sendFrame(Frame{Event: EventError, Payload: payload, CorrelationID: correlationID})
}

func (c *Client) sendAck(correlationID string, payload any) {
	raw, _ := json.Marshal(payload)
	c.sendFrame(Frame{Event: EventAck, Payload: raw, CorrelationID: correlationID})
}

// readPump reads frames off the socket and hands each to the hub's
// dispatcher until the connection errors or closes. Must run in its own
// goroutine; the caller arranges cleanup on return.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.sendError("", "invalidFrame", "frame is not valid JSON")
			continue
		}
		c.hub.dispatch(context.Background(), c, f)
	}
}

// writePump drains the outbound buffer onto the socket and periodically
// pings to detect dead connections. Must run in its own goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
