package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/waypost-io/waypost/pkg/hub"
	"github.com/waypost-io/waypost/pkg/models"
	"github.com/waypost-io/waypost/pkg/protocol"
	"github.com/waypost-io/waypost/pkg/registry"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	reg := registry.New(nil)
	h := hub.New(reg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startVisitor(t *testing.T, url string, identity *IdentityStore, locator Locator) (*Client, context.CancelFunc) {
	t.Helper()
	c, err := New(Options{
		ServerURL:  url,
		Identity:   identity,
		Locator:    locator,
		Dwell:      2 * time.Second,
		RetryDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)

	waitFor(t, "connect", c.Connected)
	return c, cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendBeforeJoinIsRejected(t *testing.T) {
	c, err := New(Options{ServerURL: "ws://unused/ws", Identity: NewIdentityStore(nil, nil)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Send("hi"); err != ErrNotJoined {
		t.Errorf("Send before join = %v, want ErrNotJoined", err)
	}
}

func TestSendWhileDisconnectedIsRejected(t *testing.T) {
	identity := NewIdentityStore(nil, nil)
	c, err := New(Options{ServerURL: "ws://unused/ws", Identity: identity})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.JoinChat("Alice"); err != nil {
		t.Fatalf("JoinChat: %v", err)
	}
	if err := c.Send("hi"); err != ErrNotConnected {
		t.Errorf("Send while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestUnknownEventIsIgnored(t *testing.T) {
	c, err := New(Options{ServerURL: "ws://unused/ws", Identity: NewIdentityStore(nil, nil)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.handleEnvelope(protocol.Envelope{Type: "future:thing", Data: json.RawMessage(`{"x":1}`)})
	if len(c.Visitors()) != 0 || len(c.History()) != 0 {
		t.Error("unknown event mutated state")
	}
}

// TestPresenceAndChatAcrossReconnect walks the whole visitor lifecycle: two
// visitors drop pins, chat with loopback echo, one disconnects and comes back
// under the same durable identity, and the snapshot reconciles the gap.
func TestPresenceAndChatAcrossReconnect(t *testing.T) {
	url := newTestServer(t)

	bob, _ := startVisitor(t, url, NewIdentityStore(nil, nil),
		&stubLocator{coords: models.Coordinates{Lng: 2.35, Lat: 48.85}})
	bob.DropPin(context.Background())
	waitFor(t, "bob online", func() bool { return bob.OnlineCount() == 1 })

	// Alice's identity lives in a file so her reconnect reuses the same id.
	alicePath := filepath.Join(t.TempDir(), "identity.json")
	aliceKV, err := NewFileKV(alicePath)
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	aliceLoc := &stubLocator{coords: models.Coordinates{Lng: -73.96, Lat: 44.13}}

	alice, stopAlice := startVisitor(t, url, NewIdentityStore(aliceKV, nil), aliceLoc)
	alice.DropPin(context.Background())
	waitFor(t, "both online everywhere", func() bool {
		return alice.OnlineCount() == 2 && bob.OnlineCount() == 2
	})
	aliceID := alice.Identity().VisitorID

	if err := alice.JoinChat("Alice"); err != nil {
		t.Fatalf("JoinChat: %v", err)
	}
	waitFor(t, "nickname propagated to bob", func() bool {
		v, ok := bobView(bob, aliceID)
		return ok && v.Nickname == "Alice"
	})

	before := time.Now().UnixMilli()
	if err := alice.Send("hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The sender's own copy arrives via loopback, server-stamped.
	waitFor(t, "loopback echo", func() bool { return len(alice.History()) == 1 })
	echoed := alice.History()[0]
	if echoed.Text != "hi" || echoed.Nickname != "Alice" {
		t.Errorf("echoed message = %+v", echoed)
	}
	if echoed.Timestamp < before {
		t.Errorf("timestamp %d predates send at %d", echoed.Timestamp, before)
	}
	if _, visible := alice.Visible()[aliceID]; !visible {
		t.Error("fresh message not on ephemeral display")
	}
	waitFor(t, "bob received broadcast", func() bool { return len(bob.History()) == 1 })

	// Alice drops off; bob keeps her entity but sees her offline.
	stopAlice()
	waitFor(t, "bob sees alice offline", func() bool { return bob.OnlineCount() == 1 })
	if _, known := bobView(bob, aliceID); !known {
		t.Fatal("disconnect erased alice's entity")
	}

	// Same identity file, fresh process. The rejoin upserts, never duplicates.
	aliceKV2, err := NewFileKV(alicePath)
	if err != nil {
		t.Fatalf("reopen identity: %v", err)
	}
	alice2, _ := startVisitor(t, url, NewIdentityStore(aliceKV2, nil), aliceLoc)
	if got := alice2.Identity().VisitorID; got != aliceID {
		t.Fatalf("reconnect minted new id %q, want %q", got, aliceID)
	}
	alice2.DropPin(context.Background())

	waitFor(t, "alice back online for bob", func() bool { return bob.OnlineCount() == 2 })
	if got := len(bob.Visitors()); got != 2 {
		t.Errorf("bob knows %d visitors after rejoin, want 2 (no duplicate)", got)
	}

	// The snapshot replays history but does not resurrect speech bubbles.
	waitFor(t, "alice resynced history", func() bool { return len(alice2.History()) == 1 })
	if _, visible := alice2.Visible()[aliceID]; visible {
		t.Error("replayed snapshot message armed a fresh bubble")
	}
}

func bobView(c *Client, visitorID string) (models.Visitor, bool) {
	for _, v := range c.Visitors() {
		if v.VisitorID == visitorID {
			return v, true
		}
	}
	return models.Visitor{}, false
}
