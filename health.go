package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type HealthServer struct {
	cfg     *Config
	server  *Server
	seeder  *Seeder
	store   *RecordStore
	metrics *Metrics
	log     zerolog.Logger
}

func NewHealthServer(cfg *Config, server *Server, seeder *Seeder, store *RecordStore, metrics *Metrics, log zerolog.Logger) *HealthServer {
	return &HealthServer{
		cfg:     cfg,
		server:  server,
		seeder:  seeder,
		store:   store,
		metrics: metrics,
		log:     log.With().Str("component", "health").Logger(),
	}
}

type healthResponse struct {
	Status            string `json:"status"`
	Records           int    `json:"records"`
	ActiveConnections int64  `json:"active_connections"`
	LastLoad          string `json:"last_load,omitempty"`
	LoadErrors        int64  `json:"load_errors"`
}

func (h *HealthServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", h.metrics.Handler())
	return mux
}

// Run serves /healthz and /metrics until ctx is cancelled.
func (h *HealthServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + h.cfg.HealthPort,
		Handler:           h.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	h.log.Info().Str("addr", srv.Addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:            "ok",
		Records:           h.store.Count(),
		ActiveConnections: h.server.ActiveConns(),
		LoadErrors:        h.seeder.loadErrors.Load(),
	}
	if t := h.seeder.lastLoad.Load(); t != nil {
		resp.LastLoad = t.(time.Time).UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
