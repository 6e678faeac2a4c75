// Package registry holds the server-authoritative presence state: every
// visitor that has ever dropped a pin, the subset currently connected, and
// the retained message history. It is the one shared mutable resource in the
// system; all mutation goes through a single mutex.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/waypost-io/waypost/pkg/models"
	"github.com/waypost-io/waypost/pkg/store"
)

// DefaultHistoryMax caps the retained message history. Snapshots replay the
// whole history to every connecting client, so it cannot grow unbounded.
const DefaultHistoryMax = 500

// Registry is the canonical visitor/presence/history state.
type Registry struct {
	mu       sync.Mutex
	visitors map[string]*models.Visitor
	online   map[string]struct{}
	messages []models.Message
	seen     map[string]struct{}

	stores     *store.Stores // optional; nil means memory-only
	historyMax int
	log        *slog.Logger
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStores enables write-through persistence.
func WithStores(s *store.Stores) Option {
	return func(r *Registry) { r.stores = s }
}

// WithHistoryMax overrides the retained history cap.
func WithHistoryMax(max int) Option {
	return func(r *Registry) {
		if max > 0 {
			r.historyMax = max
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(log *slog.Logger, opts ...Option) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		visitors:   make(map[string]*models.Visitor),
		online:     make(map[string]struct{}),
		seen:       make(map[string]struct{}),
		historyMax: DefaultHistoryMax,
		log:        log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load seeds visitors and message history from the store. The online set
// always starts empty; connectivity is a live fact, not a persisted one.
func (r *Registry) Load() error {
	if r.stores == nil {
		return nil
	}

	visitors, err := r.stores.Visitors.GetAll()
	if err != nil {
		return fmt.Errorf("load visitors: %w", err)
	}
	messages, err := r.stores.Messages.GetRecent(r.historyMax)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range visitors {
		if err := v.Coordinates.Validate(); err != nil {
			r.log.Warn("dropping stored visitor with invalid coordinates", "visitor", v.VisitorID, "error", err)
			continue
		}
		vc := *v
		r.visitors[v.VisitorID] = &vc
	}
	for _, m := range messages {
		r.messages = append(r.messages, *m)
		r.seen[m.Key()] = struct{}{}
	}
	r.log.Info("registry loaded", "visitors", len(r.visitors), "messages", len(r.messages))
	return nil
}

// Join validates the coordinates and upserts the visitor keyed strictly by
// visitor id, then adds it to the online set. Repeat joins are idempotent;
// re-emitted joins after a reconnect are expected, not an error. Rejected
// coordinates leave all state untouched.
func (r *Registry) Join(visitorID, nickname string, coords models.Coordinates) (models.Visitor, error) {
	if visitorID == "" {
		return models.Visitor{}, fmt.Errorf("join without visitor id")
	}
	if err := coords.Validate(); err != nil {
		return models.Visitor{}, fmt.Errorf("join rejected: %w", err)
	}

	r.mu.Lock()
	now := r.now().UTC()
	v, ok := r.visitors[visitorID]
	if !ok {
		v = &models.Visitor{
			VisitorID:  visitorID,
			FirstVisit: now,
		}
		r.visitors[visitorID] = v
	}
	v.Nickname = nickname
	v.Coordinates = coords
	if now.After(v.LastSeen) {
		v.LastSeen = now
	}
	r.online[visitorID] = struct{}{}
	snapshot := *v
	r.mu.Unlock()

	r.persistVisitor(&snapshot)
	return snapshot, nil
}

// Leave removes the visitor from the online set. The visitor record is
// retained; offline is a membership fact, not deletion.
func (r *Registry) Leave(visitorID string) {
	r.mu.Lock()
	delete(r.online, visitorID)
	r.mu.Unlock()
}

// UpdateNickname changes the display name only. Coordinates, last seen and
// online membership are untouched.
func (r *Registry) UpdateNickname(visitorID, nickname string) error {
	r.mu.Lock()
	v, ok := r.visitors[visitorID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown visitor %q", visitorID)
	}
	v.Nickname = nickname
	r.mu.Unlock()

	if r.stores != nil {
		if err := r.stores.Visitors.UpdateNickname(visitorID, nickname); err != nil {
			r.log.Warn("persist nickname failed", "visitor", visitorID, "error", err)
		}
	}
	return nil
}

// AppendMessage stamps the message server-side, resolves the nickname from
// the registry (falling back to the supplied one for visitors that chat
// without ever dropping a pin), appends it to the retained history and
// returns the message as it will be broadcast.
func (r *Registry) AppendMessage(visitorID, fallbackNickname, text string) (models.Message, error) {
	if visitorID == "" {
		return models.Message{}, fmt.Errorf("message without visitor id")
	}
	if text == "" {
		return models.Message{}, fmt.Errorf("empty message")
	}

	r.mu.Lock()
	nickname := fallbackNickname
	if v, ok := r.visitors[visitorID]; ok && v.Nickname != "" {
		nickname = v.Nickname
	}

	msg := models.Message{
		VisitorID: visitorID,
		Nickname:  nickname,
		Text:      text,
		Timestamp: r.now().UnixMilli(),
	}
	// Two messages from one visitor inside the same millisecond would
	// collide on the uniqueness key; nudge forward until the key is free.
	for {
		if _, dup := r.seen[msg.Key()]; !dup {
			break
		}
		msg.Timestamp++
	}

	r.messages = append(r.messages, msg)
	r.seen[msg.Key()] = struct{}{}
	trimmed := false
	if len(r.messages) > r.historyMax {
		dropped := r.messages[:len(r.messages)-r.historyMax]
		for _, d := range dropped {
			delete(r.seen, d.Key())
		}
		r.messages = append([]models.Message(nil), r.messages[len(r.messages)-r.historyMax:]...)
		trimmed = true
	}
	r.mu.Unlock()

	r.persistMessage(&msg)
	if trimmed {
		r.pruneHistory()
	}
	return msg, nil
}

// Snapshot returns a consistent copy of the full state for initial:sync.
func (r *Registry) Snapshot() ([]models.Visitor, []string, []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	visitors := make([]models.Visitor, 0, len(r.visitors))
	for _, v := range r.visitors {
		visitors = append(visitors, *v)
	}
	onlineIDs := make([]string, 0, len(r.online))
	for id := range r.online {
		onlineIDs = append(onlineIDs, id)
	}
	messages := append([]models.Message(nil), r.messages...)
	return visitors, onlineIDs, messages
}

// IsOnline reports online-set membership for one visitor.
func (r *Registry) IsOnline(visitorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.online[visitorID]
	return ok
}

// OnlineCount returns the size of the online set.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.online)
}

// KnownCount returns the number of visitors ever seen.
func (r *Registry) KnownCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visitors)
}

// Persistence is write-through best effort: a failing store degrades
// durability, never the live presence view.

func (r *Registry) persistVisitor(v *models.Visitor) {
	if r.stores == nil {
		return
	}
	if err := r.stores.Visitors.Upsert(v); err != nil {
		r.log.Warn("persist visitor failed", "visitor", v.VisitorID, "error", err)
	}
}

func (r *Registry) persistMessage(m *models.Message) {
	if r.stores == nil {
		return
	}
	if err := r.stores.Messages.Append(m); err != nil {
		r.log.Warn("persist message failed", "visitor", m.VisitorID, "error", err)
	}
}

// pruneHistory trims the messages table to the retained cap whenever the
// in-memory history trims, keeping the two in step.
func (r *Registry) pruneHistory() {
	if r.stores == nil {
		return
	}
	if err := r.stores.Messages.Prune(r.historyMax); err != nil {
		r.log.Warn("prune message history failed", "error", err)
	}
}
