// Package app wires together the waypost services and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/waypost-io/waypost/pkg/config"
	"github.com/waypost-io/waypost/pkg/hub"
	"github.com/waypost-io/waypost/pkg/mqtt"
	"github.com/waypost-io/waypost/pkg/registry"
	"github.com/waypost-io/waypost/pkg/routes"
	"github.com/waypost-io/waypost/pkg/store"
)

// App is the assembled waypost server.
type App struct {
	cfg    config.Configuration
	logger *slog.Logger
}

// New constructs a new application instance.
func New(cfg config.Configuration, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is
// cancelled or a service fails.
func (a *App) Run(ctx context.Context) error {
	var regOpts []registry.Option
	if a.cfg.HistoryMax > 0 {
		regOpts = append(regOpts, registry.WithHistoryMax(a.cfg.HistoryMax))
	}

	if a.cfg.DatabasePath != "" {
		stores, err := store.Open(a.cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() {
			if cerr := stores.Close(); cerr != nil {
				a.logger.Error("close store", "error", cerr)
			}
		}()
		regOpts = append(regOpts, registry.WithStores(stores))
		a.logger.Info("persistence enabled", "path", a.cfg.DatabasePath)
	} else {
		a.logger.Warn("persistence disabled, registry is memory-only")
	}

	reg := registry.New(a.logger, regOpts...)
	if err := reg.Load(); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	h := hub.New(reg, a.logger)

	var mirror *mqtt.Mirror
	if a.cfg.MQTT.Enabled {
		var err error
		mirror, err = mqtt.New(a.cfg.MQTT.Bind, a.logger)
		if err != nil {
			return fmt.Errorf("mqtt mirror: %w", err)
		}
		h.AddSink(mirror)
		mirror.Start()
		a.logger.Info("mqtt mirror started", "bind", a.cfg.MQTT.Bind)
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go h.Run(hubCtx)

	httpServer := &http.Server{
		Addr:    a.cfg.ListenAddr,
		Handler: routes.New(h, reg, a.logger).Handler(),
	}
	httpErrCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")

		if mirror != nil {
			if err := mirror.Close(); err != nil {
				return fmt.Errorf("mqtt mirror shutdown: %w", err)
			}
			a.logger.Info("mqtt mirror stopped")
		}
		return nil

	case err := <-httpErrCh:
		if mirror != nil {
			_ = mirror.Close()
		}
		return err
	}
}
