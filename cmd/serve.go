package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/leonardo-assistant/leonardo/pkg/service"
	"github.com/leonardo-assistant/leonardo/pkg/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory HTTP API",
	Long: `Serve the memory subsystem over HTTP.

Endpoints:
  POST /v1/memory/update    store one interaction
  POST /v1/memory/search    search memories
  POST /v1/memory/recent    list newest memories
  POST /v1/memory/context   assemble the context bundle
  POST /v1/memory/forget    remove one memory
  GET  /v1/memory/stats     backend statistics
  GET  /healthz             liveness
  GET  /metrics             Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", ":8990", "Listen address")
	_ = viper.BindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))
}

// memoryAPI handles memory HTTP endpoints backed by the service loop.
type memoryAPI struct {
	svc *service.Service
}

// registerRoutes adds memory endpoints to the given mux.
func (a *memoryAPI) registerRoutes(mux *http.ServeMux, mw func(string, http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("/v1/memory/update", mw("/v1/memory/update", a.handleUpdate))
	mux.HandleFunc("/v1/memory/search", mw("/v1/memory/search", a.handleSearch))
	mux.HandleFunc("/v1/memory/recent", mw("/v1/memory/recent", a.handleRecent))
	mux.HandleFunc("/v1/memory/context", mw("/v1/memory/context", a.handleContext))
	mux.HandleFunc("/v1/memory/forget", mw("/v1/memory/forget", a.handleForget))
	mux.HandleFunc("/v1/memory/stats", mw("/v1/memory/stats", a.handleStats))
}

func writeJSONError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type updateRequest struct {
	UserID      string                 `json:"user_id"`
	Interaction map[string]interface{} `json:"interaction"`
	Success     *bool                  `json:"success,omitempty"`
	Quality     *float64               `json:"response_quality,omitempty"`
}

func (a *memoryAPI) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeJSONError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	success := true
	if req.Success != nil {
		success = *req.Success
	}
	quality := 0.8
	if req.Quality != nil {
		quality = *req.Quality
	}

	id, err := a.svc.Update(r.Context(), req.UserID, req.Interaction, success, quality)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"id": id})
}

type queryRequest struct {
	UserID      string `json:"user_id"`
	Query       string `json:"query"`
	Limit       int    `json:"limit"`
	MaxRecent   int    `json:"max_recent"`
	MaxSemantic int    `json:"max_semantic"`
	ID          string `json:"id"`
}

func (a *memoryAPI) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Query == "" {
		writeJSONError(w, "user_id and query are required", http.StatusBadRequest)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	items, err := a.svc.Search(r.Context(), req.UserID, req.Query, req.Limit)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"memories": items})
}

func (a *memoryAPI) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeJSONError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	items, err := a.svc.GetRecent(r.Context(), req.UserID, req.Limit)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"memories": items})
}

func (a *memoryAPI) handleContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeJSONError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.MaxRecent <= 0 {
		req.MaxRecent = 5
	}
	if req.MaxSemantic <= 0 {
		req.MaxSemantic = 5
	}

	bundle, err := a.svc.GetContext(r.Context(), req.UserID, req.Query, req.MaxRecent, req.MaxSemantic)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, bundle)
}

func (a *memoryAPI) handleForget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.ID == "" {
		writeJSONError(w, "user_id and id are required", http.StatusBadRequest)
		return
	}

	ok, err := a.svc.Forget(r.Context(), req.UserID, req.ID)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"removed": ok})
}

func (a *memoryAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "default"
	}
	stats, err := a.svc.Stats(r.Context(), userID)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

// loggingMiddleware wraps each handler with request logging.
func loggingMiddleware(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		slog.Debug("http request", "path", path, "method", r.Method, "duration", time.Since(start))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:  viper.GetBool("tracing.enabled"),
		Endpoint: viper.GetString("tracing.endpoint"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	svc, stop, err := startService(ctx)
	if err != nil {
		return err
	}
	defer stop()

	mux := http.NewServeMux()
	api := &memoryAPI{svc: svc}
	api.registerRoutes(mux, loggingMiddleware)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "backend": svc.Backend()})
	})

	addr := viper.GetString("serve.addr")
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("memory api listening", "addr", addr, "backend", svc.Backend())
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
