// Package client implements the visitor side of the waypost protocol: a
// durable anonymous identity, one self-healing event channel to the
// broadcaster, and an idempotent reconciliation engine that keeps a local
// mirror of presence and chat state correct across replays and reconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/waypost-io/waypost/pkg/models"
	"github.com/waypost-io/waypost/pkg/protocol"
)

// ErrNotJoined is returned by Send before the identity has joined chat.
var ErrNotJoined = errors.New("join chat before sending messages")

// Options configures a Client.
type Options struct {
	// ServerURL is the websocket endpoint, e.g. ws://host:8970/ws.
	ServerURL string
	// Identity is the durable identity store. Required.
	Identity *IdentityStore
	// Locator provides geolocation for pin drops. Optional; without one,
	// pin drops fail as unsupported while chat keeps working.
	Locator Locator

	Dwell           time.Duration
	MaxDialAttempts int
	RetryDelay      time.Duration
	LocateTimeout   time.Duration
	Logger          *slog.Logger

	// OnEvent, if set, observes every applied inbound envelope.
	OnEvent func(protocol.Envelope)
}

// Client is one visitor endpoint.
type Client struct {
	identity *IdentityStore
	conn     *ConnManager
	state    *State
	pipeline *Pipeline
	pin      *PinDropper
	log      *slog.Logger
	onEvent  func(protocol.Envelope)

	mu         sync.Mutex
	lastCoords *models.Coordinates
}

// New wires a client from options.
func New(opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("server url required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("identity store required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		identity: opts.Identity,
		state:    NewState(log),
		pipeline: NewPipeline(opts.Dwell),
		log:      log,
		onEvent:  opts.OnEvent,
	}
	c.conn = NewConnManager(opts.ServerURL, opts.MaxDialAttempts, opts.RetryDelay, c.rejoin, log)
	c.pin = NewPinDropper(opts.Locator, opts.LocateTimeout, c.pinDropped, log)
	return c, nil
}

// Run drives the connection and applies inbound events in arrival order on a
// single goroutine until the context is canceled or the reconnect budget is
// exhausted.
func (c *Client) Run(ctx context.Context) error {
	defer c.pipeline.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.conn.Run(ctx)
	}()

	for env := range c.conn.Events() {
		c.handleEnvelope(env)
	}
	return <-errCh
}

// handleEnvelope merges one inbound event into local state.
func (c *Client) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.EventInitialSync:
		var sync protocol.SyncPayload
		if err := protocol.DecodePayload(env, &sync); err != nil {
			c.log.Warn("bad snapshot", "error", err)
			return
		}
		c.state.ApplySync(sync)
		for _, m := range sync.Messages {
			// Seed history only; stale messages should not pop up as
			// fresh speech bubbles long after they were said.
			c.pipeline.Seed(m)
		}

	case protocol.EventVisitorOnline:
		var join protocol.JoinPayload
		if err := protocol.DecodePayload(env, &join); err != nil {
			c.log.Warn("bad visitor:online", "error", err)
			return
		}
		c.state.ApplyOnline(join)

	case protocol.EventVisitorOffline:
		var offline protocol.OfflinePayload
		if err := protocol.DecodePayload(env, &offline); err != nil {
			c.log.Warn("bad visitor:offline", "error", err)
			return
		}
		c.state.ApplyOffline(offline.VisitorID)

	case protocol.EventVisitorUpdated:
		var update protocol.UpdatePayload
		if err := protocol.DecodePayload(env, &update); err != nil {
			c.log.Warn("bad visitor:updated", "error", err)
			return
		}
		c.state.ApplyUpdated(update)

	case protocol.EventMessageBroadcast:
		var msg models.Message
		if err := protocol.DecodePayload(env, &msg); err != nil {
			c.log.Warn("bad message:broadcast", "error", err)
			return
		}
		c.pipeline.Apply(msg)

	default:
		c.log.Debug("ignoring unknown event", "type", env.Type)
	}

	if c.onEvent != nil {
		c.onEvent(env)
	}
}

// rejoin fires after every successful (re)connect, once client:ready is on
// the wire. The join is re-emitted unconditionally; the server upsert is
// idempotent and the re-emit is what restores online-set membership after a
// disconnect window.
func (c *Client) rejoin() {
	c.mu.Lock()
	coords := c.lastCoords
	c.mu.Unlock()
	if coords == nil {
		return
	}

	id := c.identity.Identity()
	if err := c.conn.Send(protocol.EventVisitorJoin, protocol.JoinPayload{
		VisitorID:   id.VisitorID,
		Nickname:    id.Nickname,
		Coordinates: *coords,
	}); err != nil {
		c.log.Warn("rejoin failed", "error", err)
	}
}

// pinDropped handles a successful geolocation: mint the identity if this is
// its first action, persist the pin flag and announce the new coordinates.
func (c *Client) pinDropped(coords models.Coordinates) {
	if _, err := c.identity.EnsureVisitorID(); err != nil {
		c.log.Error("mint visitor id", "error", err)
		return
	}
	c.identity.MarkDroppedPin()

	c.mu.Lock()
	c.lastCoords = &coords
	c.mu.Unlock()

	id := c.identity.Identity()
	if err := c.conn.Send(protocol.EventVisitorJoin, protocol.JoinPayload{
		VisitorID:   id.VisitorID,
		Nickname:    id.Nickname,
		Coordinates: coords,
	}); err != nil {
		c.log.Warn("join emit failed, will rejoin on reconnect", "error", err)
	}
}

// DropPin starts the geolocation workflow. Failure never blocks chatting.
func (c *Client) DropPin(ctx context.Context) {
	c.pin.Drop(ctx)
}

// PinStatus returns the pin workflow state and any user-facing failure text.
func (c *Client) PinStatus() (PinState, string) {
	return c.pin.Status()
}

// JoinChat opts the identity into chatting under the given nickname.
func (c *Client) JoinChat(nickname string) error {
	if _, err := c.identity.EnsureVisitorID(); err != nil {
		return err
	}
	c.identity.SetNickname(nickname)
	c.identity.MarkJoinedChat()
	c.announceNickname(nickname)
	return nil
}

// SetNickname renames the visitor and announces the change.
func (c *Client) SetNickname(nickname string) error {
	if _, err := c.identity.EnsureVisitorID(); err != nil {
		return err
	}
	c.identity.SetNickname(nickname)
	c.announceNickname(nickname)
	return nil
}

func (c *Client) announceNickname(nickname string) {
	if !c.conn.Connected() {
		return
	}
	id := c.identity.Identity()
	if err := c.conn.Send(protocol.EventVisitorUpdate, protocol.UpdatePayload{
		VisitorID: id.VisitorID,
		Nickname:  nickname,
	}); err != nil {
		c.log.Warn("nickname announce failed", "error", err)
	}
}

// Send emits a chat message. Rejected synchronously while not joined or not
// connected; no event is emitted in either case. The sender's own copy
// arrives via the loopback broadcast so everyone observes the same order.
func (c *Client) Send(text string) error {
	id := c.identity.Identity()
	if !id.JoinedChat {
		return ErrNotJoined
	}
	if !c.conn.Connected() {
		return ErrNotConnected
	}
	return c.conn.Send(protocol.EventMessageSend, protocol.SendPayload{
		VisitorID: id.VisitorID,
		Text:      text,
	})
}

// Connected reports transport health.
func (c *Client) Connected() bool { return c.conn.Connected() }

// Identity returns the current durable identity.
func (c *Client) Identity() models.VisitorIdentity { return c.identity.Identity() }

// Visitors returns the mirrored registry ordered by first visit.
func (c *Client) Visitors() []models.Visitor { return c.state.Visitors() }

// OnlineCount returns the mirrored online-set size.
func (c *Client) OnlineCount() int { return c.state.OnlineCount() }

// OfflineCount returns known-but-offline visitors.
func (c *Client) OfflineCount() int { return c.state.OfflineCount() }

// History returns the persistent message history.
func (c *Client) History() []models.Message { return c.pipeline.History() }

// Visible returns the ephemeral messages currently on display.
func (c *Client) Visible() map[string]models.Message { return c.pipeline.Visible() }
