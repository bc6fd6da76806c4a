// Command tokend runs the Token Issuer (C3): POST /token, GET /health,
// per spec §4.3.
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
	"github.com/labctl/fieldplane/internal/errs"
	"github.com/labctl/fieldplane/internal/token"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()

	if cfg.Token.SigningKey == "" {
		log.Fatal("tokend: TOKEN_SIGNING_KEY is required")
	}
	broker := token.New(cfg.Token.SigningKey, time.Duration(cfg.Token.TTLSec)*time.Second, "fieldplane-tokend")

	msgBus := mustBus(cfg)
	defer msgBus.Close()

	r := mux.NewRouter()
	r.HandleFunc("/token", issueHandler(broker)).Methods(http.MethodPost)
	r.HandleFunc("/health", healthHandler(msgBus)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("tokend: token issuer starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("tokend: listen: %v", err)
		}
	}()

	waitForShutdown(srv, time.Duration(cfg.Server.ShutdownSec)*time.Second)
}

func mustBus(cfg *config.Config) bus.Bus {
	if cfg.Bus.RedisAddr == "" {
		return bus.NewInMemoryBus()
	}
	rb, err := bus.NewRedisBus(cfg.Bus.RedisAddr, cfg.Bus.RedisPassword, cfg.Bus.RedisDB, cfg.Bus.TopicPrefix)
	if err != nil {
		slog.Warn("tokend: redis bus unavailable, falling back to in-memory bus", "addr", cfg.Bus.RedisAddr, "error", err)
		return bus.NewInMemoryBus()
	}
	return rb
}

type issueRequest struct {
	Identity string `json:"identity"`
	Room     string `json:"room"`
}

func issueHandler(broker *token.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body issueRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, errs.BadRequest, "malformed request body")
			return
		}
		tok, err := broker.Issue(body.Identity, body.Room)
		if err != nil {
			writeError(w, http.StatusBadRequest, errs.BadRequest, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tok)
	}
}

// healthHandler fails closed (503) when the messaging plane is
// unreachable, per §4.3: "the issuer fails closed so clients do not try
// to connect to a dead plane."
func healthHandler(b bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := b.HealthCheck(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "bus_reachable": false, "error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "bus_reachable": true})
	}
}

func writeError(w http.ResponseWriter, status int, kind errs.Kind, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "kind": kind, "reason": reason})
}

func waitForShutdown(srv *http.Server, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("tokend: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("tokend: graceful shutdown failed", "error", err)
	}
}
