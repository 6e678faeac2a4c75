// visitor-sim is a headless visitor for exercising a waypost server: it drops
// a pin at fixed coordinates, joins chat and sends messages on an interval,
// logging every event it observes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MatusOllah/slogcolor"

	"github.com/waypost-io/waypost/pkg/client"
	"github.com/waypost-io/waypost/pkg/models"
	"github.com/waypost-io/waypost/pkg/protocol"
)

// staticLocator reports fixed coordinates, standing in for a real
// geolocation provider.
type staticLocator struct {
	coords models.Coordinates
}

func (l staticLocator) Locate(ctx context.Context) (models.Coordinates, error) {
	return l.coords, nil
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8970/ws", "waypost websocket URL")
	nickname := flag.String("nickname", "sim-visitor", "chat nickname")
	lng := flag.Float64("lng", -73.9654, "pin longitude")
	lat := flag.Float64("lat", 44.1373, "pin latitude")
	message := flag.String("message", "hello from the simulator", "chat message to send")
	interval := flag.Duration("interval", 10*time.Second, "interval between messages")
	count := flag.Int("count", 0, "messages to send before exiting (0 = forever)")
	identityPath := flag.String("identity", "", "identity file path (empty = session-only identity)")
	flag.Parse()

	logger := slog.New(slogcolor.NewHandler(os.Stderr, slogcolor.DefaultOptions))
	slog.SetDefault(logger)

	var kv client.KV
	if *identityPath != "" {
		fileKV, err := client.NewFileKV(*identityPath)
		if err != nil {
			logger.Error("open identity file", "error", err)
			os.Exit(1)
		}
		kv = fileKV
	}

	c, err := client.New(client.Options{
		ServerURL: *serverURL,
		Identity:  client.NewIdentityStore(kv, logger),
		Locator:   staticLocator{coords: models.Coordinates{Lng: *lng, Lat: *lat}},
		Logger:    logger,
		OnEvent: func(env protocol.Envelope) {
			logger.Info("event", "type", env.Type)
		},
	})
	if err != nil {
		logger.Error("build client", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	waitConnected(ctx, c)
	c.DropPin(ctx)
	if err := c.JoinChat(*nickname); err != nil {
		logger.Error("join chat", "error", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", "sent", sent)
			return
		case err := <-runErr:
			if err != nil && ctx.Err() == nil {
				logger.Error("connection lost for good", "error", err)
				os.Exit(1)
			}
			return
		case <-ticker.C:
			text := fmt.Sprintf("%s (#%d)", *message, sent+1)
			if err := c.Send(text); err != nil {
				logger.Warn("send failed", "error", err)
				continue
			}
			sent++
			logger.Info("sent message", "n", sent, "online", c.OnlineCount())
			if *count > 0 && sent >= *count {
				logger.Info("done", "sent", sent)
				return
			}
		}
	}
}

func waitConnected(ctx context.Context, c *client.Client) {
	for ctx.Err() == nil && !c.Connected() {
		time.Sleep(100 * time.Millisecond)
	}
}
