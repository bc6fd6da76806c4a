// Command vaultd runs the Vault Ingest Service (C2): POST /v1/ingest,
// GET /health, GET /metrics, per spec §4.2.
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

	"github.com/labctl/fieldplane/internal/ble"
	"github.com/labctl/fieldplane/internal/config"
	"github.com/labctl/fieldplane/internal/envelope"
	"github.com/labctl/fieldplane/internal/errs"
	"github.com/labctl/fieldplane/internal/eventstore"
	"github.com/labctl/fieldplane/internal/vault"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()

	store, err := eventstore.New(cfg.Vault.EventRoot)
	if err != nil {
		log.Fatalf("vaultd: open event store: %v", err)
	}
	defer store.Close()

	svc := &vault.Service{Store: store}

	registryStore, err := ble.Open(cfg.BLE.RegistryDB)
	if err != nil {
		svc.BLEInitError = err.Error()
		slog.Warn("vaultd: BLE registry unavailable, continuing without device derivation", "error", err)
	} else {
		mergeWindow := time.Duration(cfg.BLE.MergeWindow) * time.Second
		svc.BLE = ble.NewRegistry(registryStore, mergeWindow)
		defer registryStore.Close()
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/ingest", ingestHandler(svc)).Methods(http.MethodPost)
	r.HandleFunc("/health", healthHandler(svc)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("vaultd: vault ingest starting", "port", cfg.Server.Port, "event_root", cfg.Vault.EventRoot)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("vaultd: listen: %v", err)
		}
	}()

	waitForShutdown(srv, time.Duration(cfg.Server.ShutdownSec)*time.Second)
}

// ingestEnvelope is the wire shape of POST /v1/ingest's body — identical
// to envelope.Envelope but decoded separately so a missing field can be
// reported with the distinct error code §4.2 requires.
type ingestEnvelope struct {
	Type string                 `json:"type"`
	Src  string                 `json:"src"`
	TsMs int64                  `json:"ts_ms"`
	Data map[string]interface{} `json:"data"`
}

func ingestHandler(svc *vault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body ingestEnvelope
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, errs.BadRequest, "malformed request body")
			return
		}

		env := &envelope.Envelope{Type: body.Type, Src: body.Src, TsMs: body.TsMs, Data: body.Data}
		if err := env.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, errs.BadRequest, err.Error())
			return
		}

		result, err := svc.Ingest(req.Context(), env)
		if err != nil {
			slog.Error("vaultd: ingest failed", "type", env.Type, "src", env.Src, "error", err)
			writeError(w, http.StatusInternalServerError, errs.Internal, "failed to store event")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func healthHandler(svc *vault.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(svc.Health())
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

	slog.Info("vaultd: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("vaultd: graceful shutdown failed", "error", err)
	}
}
