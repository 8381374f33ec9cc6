package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all API routes. When token is set every /api/v1 route requires
// "Authorization: Bearer <token>".
func SetupRoutes(handler *Handler, token string, metrics bool) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	if metrics {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	if token != "" {
		api.Use(requireToken(token))
	}
	api.HandleFunc("/status", handler.GetStatus).Methods("GET")
	api.HandleFunc("/cycles", handler.RunCycle).Methods("POST")
	api.HandleFunc("/pause", handler.Pause).Methods("POST")
	api.HandleFunc("/resume", handler.Resume).Methods("POST")
	api.HandleFunc("/orders", handler.PlaceManualOrder).Methods("POST")
	api.HandleFunc("/confirmations", handler.GetPending).Methods("GET")
	api.HandleFunc("/confirmations/{id}/{decision:approve|reject}", handler.ResolveConfirmation).Methods("POST")
	api.HandleFunc("/overrides", handler.GetOverrides).Methods("GET")
	api.HandleFunc("/overrides/{key}", handler.SetOverride).Methods("PUT")
	api.HandleFunc("/overrides/{key}", handler.RemoveOverride).Methods("DELETE")

	return r
}

func requireToken(token string) mux.MiddlewareFunc {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(strings.TrimSpace(r.Header.Get("Authorization")))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				respondError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
