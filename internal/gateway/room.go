package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/classroomlive/control-plane/internal/bus"
	"github.com/classroomlive/control-plane/internal/domain"
	"github.com/classroomlive/control-plane/internal/logging"
)

const chatHistoryCacheSize = 200

// Room is one meeting's set of connected sockets. channelMain and
// channelWaiting partition the sockets (every socket is in exactly one);
// channelHost is an overlapping subset of channelMain for host/coHost
// sockets, used for broadcasts only moderators should see (e.g. a new
// waiting-room arrival). All mutation goes through broadcast, which fans
// out locally when no bus is wired and otherwise publishes to the bus,
// whose subscription delivers locally on every pod, so that within one room every broadcast is observed in the
// order the room's single mutex admits it (spec §5 "Per-room outbound
// broadcast: total order").
type Room struct {
	meetingID string
	bus       *bus.Service

	mu            sync.Mutex
	waiting       map[*Client]struct{}
	main          map[*Client]struct{}
	hosts         map[*Client]struct{}
	byParticipant map[string]*Client
	chatTail      []*domain.ChatMessage

	subCancel context.CancelFunc
	subWG     sync.WaitGroup
}

func newRoom(meetingID string, busService *bus.Service) *Room {
	r := &Room{
		meetingID:     meetingID,
		bus:           busService,
		waiting:       make(map[*Client]struct{}),
		main:          make(map[*Client]struct{}),
		hosts:         make(map[*Client]struct{}),
		byParticipant: make(map[string]*Client),
	}
	if busService != nil {
		r.subscribeToBus()
	}
	return r
}

func (r *Room) subscribeToBus() {
	ctx, cancel := context.WithCancel(context.Background())
	r.subCancel = cancel
	r.bus.Subscribe(ctx, r.meetingID, &r.subWG, func(p bus.PubSubPayload) {
		r.broadcastLocal(Event(p.Event), p.Payload, rolesToChannels(p.Roles), p.SenderID)
	})
}

func rolesToChannels(roles []string) []channel {
	if len(roles) == 0 {
		return nil
	}
	out := make([]channel, 0, len(roles))
	for _, r := range roles {
		switch r {
		case "waiting":
			out = append(out, channelWaiting)
		case "host":
			out = append(out, channelHost)
		default:
			out = append(out, channelMain)
		}
	}
	return out
}

func channelsToRoles(channels []channel) []string {
	if len(channels) == 0 {
		return nil
	}
	out := make([]string, len(channels))
	for i, c := range channels {
		out[i] = c.String()
	}
	return out
}

// setMembership places client into the waiting bucket (status ==
// StatusWaiting) or the main bucket, additionally joining the host
// bucket when isHost is true. It clears any prior membership first, so
// it is also how a socket moves from waiting to main on admission.
func (r *Room) setMembership(client *Client, status domain.ParticipantStatus, isHost bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiting, client)
	delete(r.main, client)
	delete(r.hosts, client)
	r.byParticipant[client.ParticipantID] = client

	if status == domain.StatusWaiting {
		r.waiting[client] = struct{}{}
		client.setChannel(channelWaiting)
		return
	}
	r.main[client] = struct{}{}
	if isHost {
		r.hosts[client] = struct{}{}
		client.setChannel(channelHost)
	} else {
		client.setChannel(channelMain)
	}
}

// clientFor looks up the socket currently representing participantID in
// this room, if any (it may be on another pod, or disconnected).
func (r *Room) clientFor(participantID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byParticipant[participantID]
	return c, ok
}

// remove drops client from every bucket. Returns true if the room is
// now empty of sockets.
func (r *Room) remove(client *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiting, client)
	delete(r.main, client)
	delete(r.hosts, client)
	if r.byParticipant[client.ParticipantID] == client {
		delete(r.byParticipant, client.ParticipantID)
	}
	return len(r.waiting) == 0 && len(r.main) == 0
}

// broadcast fans the event out to every socket in the given channels
// (nil means every channel) excluding excludeClientID. When a bus is
// wired, delivery goes exclusively through it: the publish round-trips
// back to this room's own subscription (bus pub/sub always reaches every
// subscriber, including the publisher), which then calls broadcastLocal.
// That single path — rather than a local call plus a bus echo — is what
// keeps every pod, including the origin, from seeing the event twice.
// A failed bus publish is logged, never propagated, since the local
// mutation it follows is already committed (spec §7 "a failed broadcast
// ... does not fail the originating mutation").
func (r *Room) broadcast(ctx context.Context, event Event, payload any, channels []channel, excludeClientID string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Error(ctx, "failed to marshal broadcast payload", zap.String("event", string(event)), zap.Error(err))
		return
	}

	if r.bus == nil {
		r.broadcastLocal(event, raw, channels, excludeClientID)
		return
	}
	if err := r.bus.Publish(ctx, r.meetingID, string(event), json.RawMessage(raw), excludeClientID, channelsToRoles(channels)); err != nil {
		logging.Error(ctx, "failed to publish broadcast to bus, falling back to local delivery", zap.String("event", string(event)), zap.Error(err))
		r.broadcastLocal(event, raw, channels, excludeClientID)
	}
}

func (r *Room) broadcastLocal(event Event, payload json.RawMessage, channels []channel, excludeClientID string) {
	frame := Frame{Event: event, Payload: payload}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target := channels
	if target == nil {
		target = []channel{channelWaiting, channelMain}
	}
	for _, ch := range target {
		var bucket map[*Client]struct{}
		switch ch {
		case channelWaiting:
			bucket = r.waiting
		case channelHost:
			bucket = r.hosts
		default:
			bucket = r.main
		}
		for client := range bucket {
			if excludeClientID != "" && client.ParticipantID == excludeClientID {
				continue
			}
			select {
			case client.send <- raw:
			default:
				close(client.send)
			}
		}
	}
}

func (r *Room) pushChatTail(msg *domain.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chatTail = append(r.chatTail, msg)
	if len(r.chatTail) > chatHistoryCacheSize {
		r.chatTail = r.chatTail[len(r.chatTail)-chatHistoryCacheSize:]
	}
}

func (r *Room) chatHistory() []*domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.ChatMessage, len(r.chatTail))
	copy(out, r.chatTail)
	return out
}

// close cancels the room's bus subscription, if any.
func (r *Room) close() {
	if r.subCancel != nil {
		r.subCancel()
		r.subWG.Wait()
	}
}
