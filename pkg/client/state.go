package client

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/waypost-io/waypost/pkg/models"
	"github.com/waypost-io/waypost/pkg/protocol"
)

// State is the client-side mirror of the presence registry. Events are
// applied as pure merge operations keyed strictly by visitor id, so replays
// and reconnect-triggered re-emits can never corrupt the view. Events arrive
// on a single goroutine; the mutex only guards the read-side accessors used
// from elsewhere.
type State struct {
	mu       sync.RWMutex
	visitors map[string]models.Visitor
	online   map[string]struct{}
	log      *slog.Logger
	now      func() time.Time
}

// NewState creates an empty mirror.
func NewState(log *slog.Logger) *State {
	if log == nil {
		log = slog.Default()
	}
	return &State{
		visitors: make(map[string]models.Visitor),
		online:   make(map[string]struct{}),
		log:      log,
		now:      time.Now,
	}
}

// ApplySync replaces the visitors map and online set wholesale from a
// snapshot. Entries with invalid coordinates are dropped and logged; one
// peer's malformed data never breaks the rest of the view.
func (s *State) ApplySync(p protocol.SyncPayload) {
	visitors := make(map[string]models.Visitor, len(p.Visitors))
	for _, v := range p.Visitors {
		if err := v.Coordinates.Validate(); err != nil {
			s.log.Warn("dropping snapshot visitor with invalid coordinates", "visitor", v.VisitorID, "error", err)
			continue
		}
		visitors[v.VisitorID] = v
	}

	online := make(map[string]struct{}, len(p.OnlineIDs))
	for _, id := range p.OnlineIDs {
		if _, known := visitors[id]; known {
			online[id] = struct{}{}
		}
	}

	s.mu.Lock()
	s.visitors = visitors
	s.online = online
	s.mu.Unlock()
}

// ApplyOnline upserts a visitor and adds it to the online set. Receiving the
// same join twice yields exactly the state of receiving it once.
func (s *State) ApplyOnline(p protocol.JoinPayload) {
	if err := p.Coordinates.Validate(); err != nil {
		s.log.Warn("dropping join with invalid coordinates", "visitor", p.VisitorID, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	v, ok := s.visitors[p.VisitorID]
	if !ok {
		v = models.Visitor{VisitorID: p.VisitorID, FirstVisit: now}
	}
	v.Nickname = p.Nickname
	v.Coordinates = p.Coordinates
	if now.After(v.LastSeen) {
		v.LastSeen = now
	}
	s.visitors[p.VisitorID] = v
	s.online[p.VisitorID] = struct{}{}
}

// ApplyOffline removes the visitor from the online set. The visitor entry
// itself is retained, last join intact.
func (s *State) ApplyOffline(visitorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, visitorID)
}

// ApplyUpdated changes the nickname only, leaving coordinates and last seen.
func (s *State) ApplyUpdated(p protocol.UpdatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visitors[p.VisitorID]
	if !ok {
		return
	}
	v.Nickname = p.Nickname
	s.visitors[p.VisitorID] = v
}

// Visitor returns one mirrored entry.
func (s *State) Visitor(visitorID string) (models.Visitor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.visitors[visitorID]
	return v, ok
}

// Visitors returns all known visitors ordered by first visit.
func (s *State) Visitors() []models.Visitor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Visitor, 0, len(s.visitors))
	for _, v := range s.visitors {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstVisit.Before(out[j].FirstVisit)
	})
	return out
}

// IsOnline reports online-set membership.
func (s *State) IsOnline(visitorID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[visitorID]
	return ok
}

// OnlineCount returns the number of connected visitors.
func (s *State) OnlineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.online)
}

// OfflineCount returns the number of known visitors not currently connected.
func (s *State) OfflineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.visitors) - len(s.online)
}
