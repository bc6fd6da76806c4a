// Command agentd runs one Execution Agent (C5): subscribes to the
// dispatch bus, enforces the §4.5 guard chain, and executes allowed
// actions under the command allowlist and capability matrix.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labctl/fieldplane/internal/agent"
	"github.com/labctl/fieldplane/internal/allowlist"
	"github.com/labctl/fieldplane/internal/bus"
	"github.com/labctl/fieldplane/internal/capability"
	"github.com/labctl/fieldplane/internal/config"
	"github.com/labctl/fieldplane/internal/dedupe"
	"github.com/labctl/fieldplane/internal/eventstore"
	"github.com/labctl/fieldplane/internal/router"
	"github.com/labctl/fieldplane/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()

	shutdownTelemetry := telemetry.Init("agentd")
	defer shutdownTelemetry(context.Background())

	store, err := eventstore.New(cfg.Vault.EventRoot)
	if err != nil {
		log.Fatalf("agentd: open event store: %v", err)
	}
	defer store.Close()

	capStore, err := capability.Load(cfg.Capability.CapabilitiesPath, cfg.Node.NodeID)
	if err != nil {
		slog.Warn("agentd: capability descriptor load failed, running fail-closed default", "path", cfg.Capability.CapabilitiesPath, "error", err)
	}

	allowlistPath := os.Getenv("COMMAND_ALLOWLIST_PATH")
	if allowlistPath == "" {
		allowlistPath = "./config/allowlist.json"
	}
	cmdAllowlist, err := allowlist.Load(allowlistPath)
	if err != nil {
		slog.Error("agentd: command allowlist load failed, no shell actions will be permitted", "path", allowlistPath, "error", err)
		cmdAllowlist = &allowlist.List{Entries: map[string]allowlist.Entry{}}
	}

	a := &agent.Agent{
		NodeID:       cfg.Node.NodeID,
		DeviceID:     cfg.Node.DeviceID,
		Role:         cfg.Node.Role,
		Platform:     os.Getenv("PLATFORM"),
		Capabilities: capStore,
		Allowlist:    cmdAllowlist,
		Tracker:      dedupe.NewTracker(),
		Store:        store,
		ClaimDBPath:  cfg.Capability.ClaimDBPath,
	}

	msgBus := mustBus(cfg)
	defer msgBus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsub, err := msgBus.Subscribe(ctx, "god.button", func(msg bus.Message) {
		handleMessage(ctx, a, msg)
	})
	if err != nil {
		log.Fatalf("agentd: subscribe to god.button: %v", err)
	}
	defer unsub()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if err := capStore.Reload(); err != nil {
				slog.Warn("agentd: capability reload failed, keeping previous descriptor", "error", err)
			}
		}
	}()

	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler(a)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("agentd: execution agent starting", "node_id", a.NodeID, "role", a.Role, "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("agentd: listen: %v", err)
		}
	}()

	waitForShutdown(srv, time.Duration(cfg.Server.ShutdownSec)*time.Second)
}

func handleMessage(ctx context.Context, a *agent.Agent, msg bus.Message) {
	var req router.Request
	encoded, err := json.Marshal(msg.Payload)
	if err != nil {
		slog.Warn("agentd: could not re-marshal bus payload", "error", err)
		return
	}
	if err := json.Unmarshal(encoded, &req); err != nil {
		slog.Warn("agentd: malformed request on bus", "error", err)
		return
	}
	req.Normalize()

	if !a.ShouldHandle(req.Scope, req.Target) {
		return
	}

	if err := a.Handle(ctx, req); err != nil {
		slog.Error("agentd: handling request failed", "request_id", req.RequestID, "action", req.Action, "error", err)
	}
}

func mustBus(cfg *config.Config) bus.Bus {
	if cfg.Bus.RedisAddr == "" {
		slog.Info("agentd: no REDIS_ADDR configured, using in-memory bus")
		return bus.NewInMemoryBus()
	}
	rb, err := bus.NewRedisBus(cfg.Bus.RedisAddr, cfg.Bus.RedisPassword, cfg.Bus.RedisDB, cfg.Bus.TopicPrefix)
	if err != nil {
		slog.Warn("agentd: redis bus unavailable, falling back to in-memory bus", "addr", cfg.Bus.RedisAddr, "error", err)
		return bus.NewInMemoryBus()
	}
	return rb
}

func healthHandler(a *agent.Agent) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":       true,
			"node_id":  a.NodeID,
			"role":     a.Role,
			"frozen":   a.Frozen(),
			"quiet":    a.Quiet(),
		})
	}
}

func waitForShutdown(srv *http.Server, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("agentd: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("agentd: graceful shutdown failed", "error", err)
	}
}
