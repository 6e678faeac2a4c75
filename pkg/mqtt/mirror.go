// Package mqtt mirrors the live presence/message feed onto an embedded MQTT
// broker so external integrations (dashboards, home automation, bots) can
// follow along without speaking the websocket protocol. The mirror is a
// read-only surface: inbound publishes from MQTT clients are never consumed.
package mqtt

import (
	"fmt"
	"log/slog"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/waypost-io/waypost/pkg/protocol"
)

// Topics the mirror publishes on.
const (
	TopicVisitorsOnline  = "waypost/visitors/online"
	TopicVisitorsOffline = "waypost/visitors/offline"
	TopicVisitorsUpdated = "waypost/visitors/updated"
	TopicMessages        = "waypost/messages"
)

// Mirror is an embedded mochi-mqtt broker implementing hub.Sink.
type Mirror struct {
	server *mochi.Server
	log    *slog.Logger
}

// New creates the embedded broker listening on bind.
func New(bind string, log *slog.Logger) (*Mirror, error) {
	if log == nil {
		log = slog.Default()
	}

	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       log.With("component", "mqtt"),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("mqtt auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "mirror", Address: bind})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("mqtt listener: %w", err)
	}

	return &Mirror{server: server, log: log}, nil
}

// Start runs the broker until Close is called. Broker failure degrades the
// mirror, never the websocket feed.
func (m *Mirror) Start() {
	go func() {
		if err := m.server.Serve(); err != nil {
			m.log.Error("mqtt broker stopped", "error", err)
		}
	}()
}

// Close shuts the broker down.
func (m *Mirror) Close() error {
	return m.server.Close()
}

// Publish implements hub.Sink: every fanned-out event is re-published as a
// JSON envelope on its topic.
func (m *Mirror) Publish(evt protocol.EventType, payload any) {
	topic := topicFor(evt)
	if topic == "" {
		return
	}
	raw, err := protocol.Encode(evt, payload)
	if err != nil {
		m.log.Warn("mqtt mirror encode failed", "event", evt, "error", err)
		return
	}
	if err := m.server.Publish(topic, raw, false, 0); err != nil {
		m.log.Warn("mqtt mirror publish failed", "topic", topic, "error", err)
	}
}

func topicFor(evt protocol.EventType) string {
	switch evt {
	case protocol.EventVisitorOnline:
		return TopicVisitorsOnline
	case protocol.EventVisitorOffline:
		return TopicVisitorsOffline
	case protocol.EventVisitorUpdated:
		return TopicVisitorsUpdated
	case protocol.EventMessageBroadcast:
		return TopicMessages
	default:
		return ""
	}
}
