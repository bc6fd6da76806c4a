// Command feedd runs the Event Feed Reader (C7): GET /events, GET /trace,
// GET /nodes, GET /ready, GET /health, per spec §4.7. The root command
// serves the HTTP surface by default; a `tail` subcommand gives operators
// a one-shot CLI view of recent events without standing up the service,
// following the cobra CLI-companion idiom the rest of this pack's BLE
// tooling (srgg-blecli's cmd/blim) uses for its root+subcommand layout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/labctl/fieldplane/internal/config"
	"github.com/labctl/fieldplane/internal/errs"
	"github.com/labctl/fieldplane/internal/feed"
)

var rootCmd = &cobra.Command{
	Use:   "feedd",
	Short: "Event feed reader for the lab control plane",
	Long: `feedd tails the append-only event store, locally or via a guarded
SSH hop, and serves filtered and trace queries over HTTP.

Run with no subcommand to serve the HTTP surface; use "tail" for a quick
CLI look at recent events without starting the service.`,
	RunE: runServe,
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent events and exit",
	RunE:  runTail,
}

var tailLimit int

func init() {
	rootCmd.SilenceErrors = true
	tailCmd.Flags().IntVar(&tailLimit, "limit", 50, "maximum events to print")
	rootCmd.AddCommand(tailCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "feedd: %v\n", err)
		os.Exit(1)
	}
}

func buildReader(cfg *config.Config) (*feed.Reader, error) {
	src, err := feed.NewSource(feed.ReadMode(cfg.Feed.ReadMode), cfg.Vault.EventRoot, cfg.Feed.SSHTarget, cfg.Feed.SSHKeyPath)
	if err != nil {
		return nil, err
	}
	return feed.NewReader(src), nil
}

func runTail(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()
	cfg := config.Get()

	reader, err := buildReader(cfg)
	if err != nil {
		return err
	}

	res, err := reader.Events(cmd.Context(), feed.EventsQuery{Limit: tailLimit})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runServe(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()
	cfg := config.Get()

	reader, err := buildReader(cfg)
	if err != nil {
		log.Fatalf("feedd: build source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reader.RunReadinessLoop(ctx, 30*time.Second)

	streamer := feed.NewTraceStreamer()
	go streamer.Run()
	go pollAndStream(ctx, reader, streamer)

	r := mux.NewRouter()
	r.HandleFunc("/events", eventsHandler(reader)).Methods(http.MethodGet)
	r.HandleFunc("/trace", traceHandler(reader)).Methods(http.MethodGet)
	r.HandleFunc("/trace/stream", streamer.HandleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/nodes", nodesHandler(reader)).Methods(http.MethodGet)
	r.HandleFunc("/ready", readyHandler(reader)).Methods(http.MethodGet)
	r.HandleFunc("/health", readyHandler(reader)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("feedd: event feed reader starting", "port", cfg.Server.Port, "read_mode", cfg.Feed.ReadMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("feedd: listen: %v", err)
		}
	}()

	waitForShutdown(srv, time.Duration(cfg.Server.ShutdownSec)*time.Second)
	return nil
}

// pollAndStream polls for newly appended events and fans them out to
// /trace/stream subscribers. This is the live-view convenience path;
// /events and /trace remain the source of truth.
func pollAndStream(ctx context.Context, reader *feed.Reader, streamer *feed.TraceStreamer) {
	lastTs := time.Now().UnixMilli()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := reader.Events(ctx, feed.EventsQuery{Limit: 200, SinceMs: lastTs})
			if err != nil {
				continue
			}
			for i := len(res.Events) - 1; i >= 0; i-- {
				ev := res.Events[i]
				if ev.TsMs <= lastTs {
					continue
				}
				streamer.Publish(ev)
			}
			if len(res.Events) > 0 {
				lastTs = res.Events[0].TsMs
			}
		}
	}
}

func eventsHandler(reader *feed.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		res, err := reader.Events(req.Context(), feed.EventsQuery{
			Limit:      atoiDefault(q.Get("limit"), 0),
			SinceMs:    atoi64Default(q.Get("since_ms"), 0),
			TypePrefix: q.Get("typePrefix"),
			Src:        q.Get("src"),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, errs.TransientIO, err.Error())
			return
		}
		writeJSON(w, res)
	}
}

func traceHandler(reader *feed.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		requestID := q.Get("request_id")
		if requestID == "" {
			writeError(w, http.StatusBadRequest, errs.BadRequest, "request_id is required")
			return
		}
		res, err := reader.Trace(req.Context(), feed.TraceQuery{
			RequestID: requestID,
			SinceMs:   atoi64Default(q.Get("since_ms"), 0),
			Limit:     atoiDefault(q.Get("limit"), 0),
			ScanLimit: atoiDefault(q.Get("scan_limit"), 0),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, errs.TransientIO, err.Error())
			return
		}
		writeJSON(w, res)
	}
}

func nodesHandler(reader *feed.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		windowSec := atoiDefault(req.URL.Query().Get("window_s"), 300)
		summaries, err := reader.Nodes(req.Context(), windowSec)
		if err != nil {
			writeError(w, http.StatusInternalServerError, errs.TransientIO, err.Error())
			return
		}
		writeJSON(w, map[string]interface{}{"nodes": summaries})
	}
}

func readyHandler(reader *feed.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ok, lastChecked, errMsg := reader.Ready()
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":           ok,
			"last_checked": lastChecked.UTC().Format(time.RFC3339),
			"error":        errMsg,
		})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind errs.Kind, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "kind": kind, "reason": reason})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func atoi64Default(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func waitForShutdown(srv *http.Server, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("feedd: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("feedd: graceful shutdown failed", "error", err)
	}
}
