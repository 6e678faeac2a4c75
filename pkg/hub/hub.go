// Package hub owns the websocket side of the broadcaster: it tracks
// connected clients, applies their events to the registry and fans the
// results back out to everyone, including the sender. Loopback is what lets
// a sender observe its own messages in the same order as every other peer.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/waypost-io/waypost/pkg/models"
	"github.com/waypost-io/waypost/pkg/protocol"
	"github.com/waypost-io/waypost/pkg/registry"
)

// Sink receives a copy of every event fanned out to clients. Used to mirror
// the live feed onto secondary transports (see pkg/mqtt).
type Sink interface {
	Publish(evt protocol.EventType, payload any)
}

type outbound struct {
	evt     protocol.EventType
	payload any
	raw     []byte
}

// Hub maintains the set of active clients and broadcasts events to them.
type Hub struct {
	registry *registry.Registry
	log      *slog.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	done       chan struct{}
	sinks      []Sink

	mu      sync.RWMutex
	clients map[*Client]bool
}

// New creates a hub bound to the given registry.
func New(reg *registry.Registry, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		registry:   reg,
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// AddSink registers an event mirror. Must be called before Run.
func (h *Hub) AddSink(s Sink) {
	h.sinks = append(h.sinks, s)
}

// Run processes client lifecycle and fan-out until the context is canceled.
// Fan-out order is decided here, on a single goroutine, so every client and
// every sink observes the same event sequence.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client connected", "remote", client.remote, "total_clients", total)

		case client := <-h.unregister:
			h.dropClient(client)

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// queue hands an event to the run loop for fan-out. Drop-on-full: under
// overload the system sheds load instead of buffering without bound.
func (h *Hub) queue(evt protocol.EventType, payload any) {
	raw, err := protocol.Encode(evt, payload)
	if err != nil {
		h.log.Error("encode broadcast", "event", evt, "error", err)
		return
	}
	select {
	case h.broadcast <- outbound{evt: evt, payload: payload, raw: raw}:
	default:
		h.log.Warn("broadcast channel full, dropping event", "event", evt)
	}
}

func (h *Hub) fanOut(msg outbound) {
	h.mu.Lock()
	var toRemove []*Client
	for client := range h.clients {
		if !client.trySend(msg.raw) {
			// Slow consumer; its channel is full. Cut it loose.
			toRemove = append(toRemove, client)
		}
	}
	for _, client := range toRemove {
		delete(h.clients, client)
		client.closeSend()
	}
	h.mu.Unlock()

	for _, s := range h.sinks {
		s.Publish(msg.evt, msg.payload)
	}
}

// dropClient removes a client and, if it was the last connection bound to
// its visitor id, marks the visitor offline and tells everyone.
func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	client.closeSend()
	total := len(h.clients)

	visitorID := client.boundVisitorID()
	stillConnected := false
	if visitorID != "" {
		for other := range h.clients {
			if other.boundVisitorID() == visitorID {
				stillConnected = true
				break
			}
		}
	}
	h.mu.Unlock()

	h.log.Info("client disconnected", "remote", client.remote, "visitor", visitorID, "total_clients", total)

	if visitorID != "" && !stillConnected {
		h.registry.Leave(visitorID)
		h.fanOut(h.encodeOutbound(protocol.EventVisitorOffline, protocol.OfflinePayload{VisitorID: visitorID}))
	}
}

func (h *Hub) encodeOutbound(evt protocol.EventType, payload any) outbound {
	raw, err := protocol.Encode(evt, payload)
	if err != nil {
		h.log.Error("encode broadcast", "event", evt, "error", err)
	}
	return outbound{evt: evt, payload: payload, raw: raw}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.log.Info("closed all clients during shutdown")
}

// handleEnvelope applies one inbound client event. Runs on the client's read
// goroutine; registry methods carry their own exclusion. Malformed events
// are logged and dropped, never answered with a failure; a broken peer must
// not be able to disturb anyone else's view.
func (h *Hub) handleEnvelope(c *Client, env protocol.Envelope) {
	switch env.Type {
	case protocol.EventClientReady:
		h.sendSnapshot(c)

	case protocol.EventVisitorJoin:
		var join protocol.JoinPayload
		if err := protocol.DecodePayload(env, &join); err != nil {
			h.log.Warn("bad join payload", "remote", c.remote, "error", err)
			return
		}
		v, err := h.registry.Join(join.VisitorID, join.Nickname, join.Coordinates)
		if err != nil {
			h.log.Warn("join rejected", "remote", c.remote, "visitor", join.VisitorID, "error", err)
			return
		}
		c.bind(v.VisitorID, v.Nickname)
		h.queue(protocol.EventVisitorOnline, protocol.JoinPayload{
			VisitorID:   v.VisitorID,
			Nickname:    v.Nickname,
			Coordinates: v.Coordinates,
		})

	case protocol.EventVisitorUpdate:
		var update protocol.UpdatePayload
		if err := protocol.DecodePayload(env, &update); err != nil {
			h.log.Warn("bad update payload", "remote", c.remote, "error", err)
			return
		}
		c.bind(update.VisitorID, update.Nickname)
		if err := h.registry.UpdateNickname(update.VisitorID, update.Nickname); err != nil {
			// A rename before the first pin drop has nothing to update in
			// the registry; the nickname still sticks to the connection.
			h.log.Debug("nickname update without registry entry", "visitor", update.VisitorID)
			return
		}
		h.queue(protocol.EventVisitorUpdated, update)

	case protocol.EventMessageSend:
		var send protocol.SendPayload
		if err := protocol.DecodePayload(env, &send); err != nil {
			h.log.Warn("bad message payload", "remote", c.remote, "error", err)
			return
		}
		msg, err := h.registry.AppendMessage(send.VisitorID, c.nickname(), send.Text)
		if err != nil {
			h.log.Warn("message rejected", "remote", c.remote, "error", err)
			return
		}
		if c.boundVisitorID() == "" {
			c.bind(send.VisitorID, "")
		}
		h.queue(protocol.EventMessageBroadcast, msg)

	default:
		h.log.Debug("ignoring unknown event", "type", env.Type, "remote", c.remote)
	}
}

// sendSnapshot replies to client:ready with the complete current state.
// Mandatory on every (re)connect: it is the only way a client recovers
// whatever it missed during a disconnect window.
func (h *Hub) sendSnapshot(c *Client) {
	visitors, onlineIDs, messages := h.registry.Snapshot()
	if visitors == nil {
		visitors = []models.Visitor{}
	}
	raw, err := protocol.Encode(protocol.EventInitialSync, protocol.SyncPayload{
		Visitors:  visitors,
		OnlineIDs: onlineIDs,
		Messages:  messages,
	})
	if err != nil {
		h.log.Error("encode snapshot", "error", err)
		return
	}
	if c.trySend(raw) {
		h.log.Debug("snapshot sent", "remote", c.remote, "visitors", len(visitors), "messages", len(messages))
	} else {
		h.log.Warn("snapshot dropped, client send buffer full or closed", "remote", c.remote)
	}
}
