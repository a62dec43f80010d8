// Command relayserver is the boat relay's composition root: it loads
// configuration, wires the registry and pipelines, starts the liveness
// monitor, and serves the WebSocket/HTTP surface until signaled to
// shut down.
//
// Grounded on original_source/server/main.py's module-level wiring
// (ConnectionManager / TelemetryHandler / CommandHandler / WebRTCHandler
// constructed once at import time) and the teacher's main.go
// http.ListenAndServe + mux composition.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/n0remac/boat-relay/internal/command"
	"github.com/n0remac/boat-relay/internal/config"
	"github.com/n0remac/boat-relay/internal/debugstore"
	"github.com/n0remac/boat-relay/internal/liveness"
	"github.com/n0remac/boat-relay/internal/logging"
	"github.com/n0remac/boat-relay/internal/registry"
	"github.com/n0remac/boat-relay/internal/signaling"
	"github.com/n0remac/boat-relay/internal/telemetry"
	"github.com/n0remac/boat-relay/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("relayserver: config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogDir)
	if err != nil {
		os.Stderr.WriteString("relayserver: logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	debugStore, err := debugstore.Open(cfg.DebugDBDSN, log.With("debugstore"))
	if err != nil {
		log.Errorf("debug store unavailable, continuing without capture: %v", err)
		debugStore = nil
	} else {
		defer debugStore.Close()
	}

	reg := registry.New(log.With("registry"))
	sig := signaling.New(reg, log.With("signaling"), cfg.ICEServers)
	tel := telemetry.New(reg, log.With("telemetry"), cfg.TelemetryBufferSize)
	cmd := command.New(reg, log.With("command"), cfg.CommandAckTimeout, cfg.CommandHistoryCap)
	mon := liveness.New(reg, log.With("liveness"), cfg.PingInterval, cfg.ConnectionTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	mon.Run(ctx)

	srv := transport.New(reg, sig, tel, cmd, debugStore, log.With("transport"), cfg.Environment)
	mux := http.NewServeMux()
	srv.Routes(mux)

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("relayserver listening on %s", httpServer.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("relayserver: listen: %v", err)
			cancel()
			os.Exit(1)
		}
	case sig := <-stop:
		log.Infof("relayserver received %s, shutting down", sig)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("relayserver: shutdown: %v", err)
	}

	reg.CloseAll()
	log.Infof("relayserver stopped")
}
