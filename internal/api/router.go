package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the HTTP route table.
func Router(h *Handlers) *mux.Router {
	r := mux.NewRouter()

	// Health and metrics routes
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Intake API
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/upload", h.Upload).Methods("POST")
	api.HandleFunc("/media/{id:[0-9]+}", h.GetMedia).Methods("GET")
	api.HandleFunc("/media/{id:[0-9]+}/conversions/{name}/ready", h.MarkConversionReady).Methods("POST")

	return r
}
