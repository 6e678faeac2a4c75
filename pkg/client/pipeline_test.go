package client

import (
	"testing"
	"time"

	"github.com/waypost-io/waypost/pkg/models"
)

const testDwell = 100 * time.Millisecond

func msg(visitorID string, ts int64, text string) models.Message {
	return models.Message{VisitorID: visitorID, Nickname: visitorID, Text: text, Timestamp: ts}
}

func TestApplyRoutesToHistoryAndDisplay(t *testing.T) {
	p := NewPipeline(testDwell)
	defer p.Stop()

	if !p.Apply(msg("alice", 100, "hi")) {
		t.Fatal("first delivery reported as duplicate")
	}

	if got := len(p.History()); got != 1 {
		t.Errorf("history = %d entries, want 1", got)
	}
	m, ok := p.VisibleFor("alice")
	if !ok {
		t.Fatal("no visible message for alice")
	}
	if m.Text != "hi" {
		t.Errorf("visible text = %q, want hi", m.Text)
	}
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	p := NewPipeline(testDwell)
	defer p.Stop()

	p.Apply(msg("alice", 100, "hi"))
	if p.Apply(msg("alice", 100, "hi")) {
		t.Error("duplicate key reported as new")
	}
	if got := len(p.History()); got != 1 {
		t.Errorf("history = %d entries after duplicate, want 1", got)
	}
}

func TestNewerMessageReplacesNotStacks(t *testing.T) {
	p := NewPipeline(testDwell)
	defer p.Stop()

	p.Apply(msg("alice", 100, "first"))
	p.Apply(msg("alice", 200, "second"))

	visible := p.Visible()
	if len(visible) != 1 {
		t.Fatalf("visible = %d entries, want 1 (replace, not stack)", len(visible))
	}
	if visible["alice"].Text != "second" {
		t.Errorf("visible text = %q, want second", visible["alice"].Text)
	}
	if got := len(p.History()); got != 2 {
		t.Errorf("history = %d entries, want both messages", got)
	}
}

func TestDisplayExpiresAfterDwell(t *testing.T) {
	p := NewPipeline(testDwell)
	defer p.Stop()

	p.Apply(msg("alice", 100, "hi"))
	time.Sleep(2 * testDwell)

	if _, ok := p.VisibleFor("alice"); ok {
		t.Error("message still visible past its dwell")
	}
	if got := len(p.History()); got != 1 {
		t.Errorf("history = %d entries after expiry, want 1 (history is permanent)", got)
	}
}

func TestReplacementGetsFullDwell(t *testing.T) {
	p := NewPipeline(testDwell)
	defer p.Stop()

	p.Apply(msg("alice", 100, "first"))
	// Replace just before the first message's timer would have fired. If the
	// old timer survived the replacement, the second message would vanish
	// almost immediately.
	time.Sleep(testDwell / 2)
	p.Apply(msg("alice", 200, "second"))
	time.Sleep(3 * testDwell / 4)

	m, ok := p.VisibleFor("alice")
	if !ok {
		t.Fatal("replacement evicted before its own dwell elapsed")
	}
	if m.Text != "second" {
		t.Errorf("visible text = %q, want second", m.Text)
	}
}

func TestSeedSkipsDisplay(t *testing.T) {
	p := NewPipeline(testDwell)
	defer p.Stop()

	p.Seed(msg("alice", 100, "old news"))

	if _, ok := p.VisibleFor("alice"); ok {
		t.Error("seeded message showed up as a fresh bubble")
	}
	if got := len(p.History()); got != 1 {
		t.Errorf("history = %d entries, want 1", got)
	}

	// A later live delivery of the same key is still a duplicate.
	if p.Apply(msg("alice", 100, "old news")) {
		t.Error("seeded key re-applied as new")
	}
}

func TestIndependentVisitorsDisplayConcurrently(t *testing.T) {
	p := NewPipeline(testDwell)
	defer p.Stop()

	p.Apply(msg("alice", 100, "hi"))
	p.Apply(msg("bob", 100, "hey"))

	if got := len(p.Visible()); got != 2 {
		t.Errorf("visible = %d entries, want one per visitor", got)
	}
}
