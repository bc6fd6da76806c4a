// Command router runs the Action Router (C4, the "god gateway"):
// POST /god, GET /health, per spec §4.4.
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

	"github.com/labctl/fieldplane/internal/bus"
	"github.com/labctl/fieldplane/internal/config"
	"github.com/labctl/fieldplane/internal/dedupe"
	"github.com/labctl/fieldplane/internal/errs"
	"github.com/labctl/fieldplane/internal/eventstore"
	"github.com/labctl/fieldplane/internal/router"
	"github.com/labctl/fieldplane/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()

	shutdownTelemetry := telemetry.Init("router")
	defer shutdownTelemetry(context.Background())

	store, err := eventstore.New(cfg.Vault.EventRoot)
	if err != nil {
		log.Fatalf("router: open event store: %v", err)
	}
	defer store.Close()

	msgBus := mustBus(cfg)
	defer msgBus.Close()

	dispatcher := &router.Dispatcher{
		Store:   store,
		Bus:     msgBus,
		Tracker: dedupe.NewTracker(),
		Src:     cfg.Node.NodeID,
	}

	r := mux.NewRouter()
	r.HandleFunc("/god", godHandler(dispatcher)).Methods(http.MethodPost)
	r.HandleFunc("/health", healthHandler(msgBus)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("router: action router starting", "port", cfg.Server.Port, "node_id", cfg.Node.NodeID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("router: listen: %v", err)
		}
	}()

	waitForShutdown(srv, time.Duration(cfg.Server.ShutdownSec)*time.Second)
}

// mustBus wires a Redis-backed bus when REDIS_ADDR is configured, falling
// back to an in-memory bus when Redis is unreachable — the same graceful
// fallback the teacher's cmd/api/main.go applies to its Hub store.
func mustBus(cfg *config.Config) bus.Bus {
	if cfg.Bus.RedisAddr == "" {
		slog.Info("router: no REDIS_ADDR configured, using in-memory bus")
		return bus.NewInMemoryBus()
	}
	rb, err := bus.NewRedisBus(cfg.Bus.RedisAddr, cfg.Bus.RedisPassword, cfg.Bus.RedisDB, cfg.Bus.TopicPrefix)
	if err != nil {
		slog.Warn("router: redis bus unavailable, falling back to in-memory bus", "addr", cfg.Bus.RedisAddr, "error", err)
		return bus.NewInMemoryBus()
	}
	slog.Info("router: redis bus connected", "addr", cfg.Bus.RedisAddr)
	return rb
}

func godHandler(d *router.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var r router.Request
		if err := json.NewDecoder(req.Body).Decode(&r); err != nil {
			writeError(w, http.StatusBadRequest, errs.BadRequest, "malformed request body")
			return
		}

		outcome, err := d.Dispatch(req.Context(), r)
		if err != nil {
			if e, ok := err.(*errs.E); ok {
				status := http.StatusInternalServerError
				if e.Kind == errs.FailClosed || e.Kind == errs.TransientIO {
					status = http.StatusServiceUnavailable
				}
				writeError(w, status, e.Kind, e.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, errs.Internal, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if !outcome.OK {
			w.WriteHeader(http.StatusConflict)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":            outcome.OK,
			"request_id":    outcome.RequestID,
			"dry_run":       outcome.DryRun,
			"denied_reason": outcome.DeniedReason,
			"routed_topic":  outcome.RoutedTopic,
			"result":        outcome.ResultSummary,
		})
	}
}

func healthHandler(b bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		busErr := b.HealthCheck(req.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":         busErr == nil,
			"bus_reachable": busErr == nil,
		})
	}
}

func writeError(w http.ResponseWriter, status int, kind errs.Kind, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":     false,
		"kind":   kind,
		"reason": reason,
	})
}

func waitForShutdown(srv *http.Server, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("router: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("router: graceful shutdown failed", "error", err)
	}
}
