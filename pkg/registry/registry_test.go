package registry

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/waypost-io/waypost/pkg/models"
	"github.com/waypost-io/waypost/pkg/store"
)

func nan() float64 { return math.NaN() }
func inf() float64 { return math.Inf(1) }

func testClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Millisecond)
		return current
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	r := New(nil)
	coords := models.Coordinates{Lng: -73.96, Lat: 44.13}

	first, err := r.Join("alice", "Alice", coords)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	second, err := r.Join("alice", "Alice", coords)
	if err != nil {
		t.Fatalf("repeat Join() error = %v", err)
	}

	if r.KnownCount() != 1 {
		t.Errorf("KnownCount() = %d, want 1", r.KnownCount())
	}
	if r.OnlineCount() != 1 {
		t.Errorf("OnlineCount() = %d, want 1", r.OnlineCount())
	}
	if second.FirstVisit != first.FirstVisit {
		t.Errorf("FirstVisit changed on repeat join: %v != %v", second.FirstVisit, first.FirstVisit)
	}
	if second.LastSeen.Before(first.LastSeen) {
		t.Errorf("LastSeen went backwards: %v < %v", second.LastSeen, first.LastSeen)
	}
}

func TestJoinRejectsInvalidCoordinates(t *testing.T) {
	tests := []struct {
		name   string
		coords models.Coordinates
	}{
		{"lat out of range", models.Coordinates{Lng: 0, Lat: 999}},
		{"lng out of range", models.Coordinates{Lng: -999, Lat: 0}},
		{"nan", models.Coordinates{Lng: nan(), Lat: 0}},
		{"inf", models.Coordinates{Lng: 0, Lat: inf()}},
	}

	r := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Join("bad", "Bad", tt.coords); err == nil {
				t.Fatal("Join() accepted invalid coordinates")
			}
			if r.KnownCount() != 0 || r.OnlineCount() != 0 {
				t.Errorf("rejected join mutated state: known=%d online=%d", r.KnownCount(), r.OnlineCount())
			}
		})
	}

	// Valid events still process normally afterwards.
	if _, err := r.Join("good", "Good", models.Coordinates{Lng: 1, Lat: 2}); err != nil {
		t.Fatalf("Join() after rejections error = %v", err)
	}
	if !r.IsOnline("good") {
		t.Error("valid visitor not online after rejected joins")
	}
}

func TestLeaveRetainsVisitor(t *testing.T) {
	r := New(nil)
	if _, err := r.Join("alice", "Alice", models.Coordinates{Lng: 1, Lat: 1}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	r.Leave("alice")

	if r.IsOnline("alice") {
		t.Error("visitor still online after Leave()")
	}
	if r.KnownCount() != 1 {
		t.Errorf("KnownCount() = %d, want 1 (history retained)", r.KnownCount())
	}
	// Leave of an unknown id is a no-op.
	r.Leave("nobody")
}

func TestUpdateNicknameLeavesRestAlone(t *testing.T) {
	r := New(nil, WithClock(testClock(time.Unix(1000, 0))))
	v, err := r.Join("alice", "Alice", models.Coordinates{Lng: 5, Lat: 6})
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	if err := r.UpdateNickname("alice", "Alicia"); err != nil {
		t.Fatalf("UpdateNickname() error = %v", err)
	}

	visitors, _, _ := r.Snapshot()
	if len(visitors) != 1 {
		t.Fatalf("snapshot has %d visitors, want 1", len(visitors))
	}
	got := visitors[0]
	if got.Nickname != "Alicia" {
		t.Errorf("Nickname = %q, want %q", got.Nickname, "Alicia")
	}
	if got.Coordinates != v.Coordinates {
		t.Errorf("coordinates changed: %+v", got.Coordinates)
	}
	if !got.LastSeen.Equal(v.LastSeen) {
		t.Errorf("LastSeen changed: %v != %v", got.LastSeen, v.LastSeen)
	}

	if err := r.UpdateNickname("nobody", "x"); err == nil {
		t.Error("UpdateNickname() accepted unknown visitor")
	}
}

func TestAppendMessageStampsAndDedupes(t *testing.T) {
	r := New(nil, WithClock(func() time.Time { return time.UnixMilli(100) }))
	if _, err := r.Join("alice", "Alice", models.Coordinates{Lng: 1, Lat: 1}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	m1, err := r.AppendMessage("alice", "", "hi")
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if m1.Nickname != "Alice" {
		t.Errorf("Nickname = %q, want resolved %q", m1.Nickname, "Alice")
	}
	if m1.Timestamp != 100 {
		t.Errorf("Timestamp = %d, want server-stamped 100", m1.Timestamp)
	}

	// Same frozen clock: the key must still end up unique.
	m2, err := r.AppendMessage("alice", "", "hi again")
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if m2.Key() == m1.Key() {
		t.Errorf("duplicate message key %q", m2.Key())
	}

	_, _, messages := r.Snapshot()
	if len(messages) != 2 {
		t.Errorf("history has %d messages, want 2", len(messages))
	}
}

func TestAppendMessageFallbackNickname(t *testing.T) {
	r := New(nil)
	m, err := r.AppendMessage("ghost", "Casper", "boo")
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if m.Nickname != "Casper" {
		t.Errorf("Nickname = %q, want fallback %q", m.Nickname, "Casper")
	}

	if _, err := r.AppendMessage("ghost", "", ""); err == nil {
		t.Error("AppendMessage() accepted empty text")
	}
	if _, err := r.AppendMessage("", "x", "hi"); err == nil {
		t.Error("AppendMessage() accepted empty visitor id")
	}
}

func TestHistoryCap(t *testing.T) {
	r := New(nil, WithHistoryMax(3), WithClock(testClock(time.Unix(0, 0))))
	for i := 0; i < 5; i++ {
		if _, err := r.AppendMessage("alice", "Alice", "msg"); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	_, _, messages := r.Snapshot()
	if len(messages) != 3 {
		t.Fatalf("history has %d messages, want capped 3", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].Timestamp < messages[i-1].Timestamp {
			t.Errorf("history out of order at %d", i)
		}
	}
}

func TestHistoryCapPrunesStore(t *testing.T) {
	stores, err := store.Open(filepath.Join(t.TempDir(), "waypost.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer stores.Close()

	r := New(nil, WithStores(stores), WithHistoryMax(3), WithClock(testClock(time.Unix(0, 0))))
	for i := 0; i < 5; i++ {
		if _, err := r.AppendMessage("alice", "Alice", "msg"); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	// The table is trimmed in step with the in-memory cap.
	kept, err := stores.Messages.GetRecent(10)
	if err != nil {
		t.Fatalf("GetRecent() error = %v", err)
	}
	if len(kept) != 3 {
		t.Fatalf("store has %d messages, want capped 3", len(kept))
	}
	_, _, inMem := r.Snapshot()
	if len(inMem) != len(kept) {
		t.Fatalf("store has %d messages, memory has %d", len(kept), len(inMem))
	}
	for i := range kept {
		if kept[i].Timestamp != inMem[i].Timestamp {
			t.Errorf("store and memory diverge at %d: %d != %d", i, kept[i].Timestamp, inMem[i].Timestamp)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New(nil)
	if _, err := r.Join("alice", "Alice", models.Coordinates{Lng: 1, Lat: 1}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	visitors, online, _ := r.Snapshot()
	visitors[0].Nickname = "mutated"
	online[0] = "mutated"

	fresh, freshOnline, _ := r.Snapshot()
	if fresh[0].Nickname != "Alice" {
		t.Error("snapshot mutation leaked into registry")
	}
	if freshOnline[0] != "alice" {
		t.Error("online set mutation leaked into registry")
	}
}
