package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/waypost-io/waypost/pkg/protocol"
)

// ErrNotConnected is returned for outbound actions while the channel is
// down. Sends are rejected locally, never queued for later.
var ErrNotConnected = errors.New("not connected to broadcaster")

// ErrRetriesExhausted is returned by Run once the bounded reconnect budget
// is spent.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

const (
	defaultMaxDialAttempts = 10
	defaultRetryDelay      = 3 * time.Second
)

// ConnManager owns the single logical event channel to the broadcaster and
// re-establishes it on drop with bounded retries and a fixed delay. On every
// successful (re)connection it emits client:ready before anything else: the
// snapshot reply is the only way to recover state lost while disconnected.
type ConnManager struct {
	url         string
	maxAttempts int
	retryDelay  time.Duration
	dialer      *websocket.Dialer
	log         *slog.Logger

	// onReady fires after client:ready is sent on each (re)connect.
	onReady func()

	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	events    chan protocol.Envelope
}

// NewConnManager creates a manager for the given websocket URL.
func NewConnManager(url string, maxAttempts int, retryDelay time.Duration, onReady func(), log *slog.Logger) *ConnManager {
	if log == nil {
		log = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxDialAttempts
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &ConnManager{
		url:         url,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:         log,
		onReady:     onReady,
		events:      make(chan protocol.Envelope, 64),
	}
}

// Events delivers inbound envelopes in arrival order. The channel is closed
// when Run returns; consumers handle events one at a time, so no two
// handlers ever execute concurrently.
func (cm *ConnManager) Events() <-chan protocol.Envelope {
	return cm.events
}

// Connected reports whether the channel is currently up.
func (cm *ConnManager) Connected() bool {
	return cm.connected.Load()
}

// Send emits an outbound event, rejecting locally while disconnected.
func (cm *ConnManager) Send(evt protocol.EventType, payload any) error {
	if !cm.connected.Load() {
		return ErrNotConnected
	}
	raw, err := protocol.Encode(evt, payload)
	if err != nil {
		return err
	}

	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()
	if cm.conn == nil {
		return ErrNotConnected
	}
	_ = cm.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := cm.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("send %s: %w", evt, err)
	}
	return nil
}

// Run maintains the connection until the context is canceled or the retry
// budget is exhausted.
func (cm *ConnManager) Run(ctx context.Context) error {
	defer close(cm.events)

	for {
		conn, err := cm.dial(ctx)
		if err != nil {
			return err
		}

		cm.writeMu.Lock()
		cm.conn = conn
		cm.writeMu.Unlock()
		cm.connected.Store(true)
		cm.log.Info("connected to broadcaster", "url", cm.url)

		if err := cm.Send(protocol.EventClientReady, nil); err != nil {
			cm.log.Warn("ready signal failed", "error", err)
		} else if cm.onReady != nil {
			cm.onReady()
		}

		cm.readLoop(ctx, conn)

		cm.connected.Store(false)
		cm.writeMu.Lock()
		cm.conn = nil
		cm.writeMu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		cm.log.Warn("connection lost, redialing")
	}
}

func (cm *ConnManager) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= cm.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		conn, _, err := cm.dialer.DialContext(ctx, cm.url, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		cm.log.Warn("dial failed", "attempt", attempt, "max_attempts", cm.maxAttempts, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cm.retryDelay):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, cm.maxAttempts, lastErr)
}

// readLoop delivers frames until the connection drops or ctx is canceled.
func (cm *ConnManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock the pending read when the context goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			cm.log.Warn("undecodable frame", "error", err)
			continue
		}

		select {
		case cm.events <- env:
		case <-ctx.Done():
			return
		}
	}
}
