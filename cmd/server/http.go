package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Error   string `json:"error,omitempty"`
}

// newHTTPHandler serves the liveness and readiness probes and metrics
func newHTTPHandler(service string, ready func(context.Context) error) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, healthResponse{Status: "healthy", Service: service})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := ready(ctx); err != nil {
			writeHealth(w, http.StatusServiceUnavailable, healthResponse{
				Status:  "not_ready",
				Service: service,
				Error:   err.Error(),
			})
			return
		}
		writeHealth(w, http.StatusOK, healthResponse{Status: "ready", Service: service})
	})

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func writeHealth(w http.ResponseWriter, code int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to write health response")
	}
}
