package client

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/waypost-io/waypost/pkg/models"
)

// DefaultDwell is how long an ephemeral message stays visible absent a
// replacement.
const DefaultDwell = 6 * time.Second

// Pipeline routes inbound message broadcasts into two consumers: the
// persistent session history (ordered, deduplicated, append-only) and the
// ephemeral display table (at most one visible message per visitor, each
// expiring a fixed dwell after its own arrival).
//
// The ephemeral table is a TTL cache keyed by visitor id: setting a newer
// message for the same visitor replaces the entry and re-arms its expiry,
// and expiry always removes exactly the entry that armed it, so a replaced
// message's timer cannot evict its replacement.
type Pipeline struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	history []models.Message

	bubbles *ttlcache.Cache[string, models.Message]
}

// NewPipeline creates a pipeline with the given dwell time.
func NewPipeline(dwell time.Duration) *Pipeline {
	if dwell <= 0 {
		dwell = DefaultDwell
	}
	cache := ttlcache.New[string, models.Message](
		ttlcache.WithTTL[string, models.Message](dwell),
		ttlcache.WithDisableTouchOnHit[string, models.Message](),
	)
	go cache.Start()

	return &Pipeline{
		seen:    make(map[string]struct{}),
		bubbles: cache,
	}
}

// Apply processes one inbound broadcast. Duplicate deliveries of the same
// (visitorId, timestamp) key are ignored entirely: they neither duplicate
// history nor re-arm the ephemeral timer. Returns whether the message was new.
func (p *Pipeline) Apply(m models.Message) bool {
	p.mu.Lock()
	if _, dup := p.seen[m.Key()]; dup {
		p.mu.Unlock()
		return false
	}
	p.seen[m.Key()] = struct{}{}
	p.history = append(p.history, m)
	p.mu.Unlock()

	p.bubbles.Set(m.VisitorID, m, ttlcache.DefaultTTL)
	return true
}

// Seed records a replayed history message without arming an ephemeral
// entry. Used for snapshot replay, where messages may be arbitrarily old.
func (p *Pipeline) Seed(m models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.seen[m.Key()]; dup {
		return
	}
	p.seen[m.Key()] = struct{}{}
	p.history = append(p.history, m)
}

// History returns the persistent session history in arrival order.
func (p *Pipeline) History() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Message(nil), p.history...)
}

// Visible returns the currently displayed ephemeral messages by visitor id.
func (p *Pipeline) Visible() map[string]models.Message {
	items := p.bubbles.Items()
	out := make(map[string]models.Message, len(items))
	for id, item := range items {
		if item.IsExpired() {
			continue
		}
		out[id] = item.Value()
	}
	return out
}

// VisibleFor returns the ephemeral message for one visitor, if any.
func (p *Pipeline) VisibleFor(visitorID string) (models.Message, bool) {
	item := p.bubbles.Get(visitorID)
	if item == nil || item.IsExpired() {
		return models.Message{}, false
	}
	return item.Value(), true
}

// Stop shuts down the expiry loop.
func (p *Pipeline) Stop() {
	p.bubbles.Stop()
}
