package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "modelfetch/api/v1"
	"modelfetch/internal/auth"
	"modelfetch/internal/repo"
)

// New sets up the application routes and required middleware. progressWS may
// be nil when the WebSocket feed is disabled.
func New(logger *slog.Logger, svc v1.Service, taskRepo repo.TaskRepo, progressWS http.Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := taskRepo.(repo.Pinger); ok {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				logger.Error("readiness ping", "err", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	downloadHandler := v1.NewDownloadHandler(logger, svc)

	r.Use(v1.RequestID)
	r.Use(downloadHandler.Log)
	r.Use(auth.Middleware)

	api := r.PathPrefix("/v1").Subrouter()

	if progressWS != nil {
		api.Handle("/progress/ws", progressWS).Methods("GET")
	}

	// GETs
	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/downloads", downloadHandler.GetDownloads)
	get.HandleFunc("/downloads/{id}", downloadHandler.GetDownload)

	// POSTs
	post := api.Methods("POST").Subrouter()
	post.HandleFunc("/downloads", downloadHandler.AddDownload)
	post.Use(v1.MiddlewareEnqueueValidation)

	// PATCHes
	patch := api.Methods("PATCH").Subrouter()
	patch.HandleFunc("/downloads/{id}", downloadHandler.UpdateDownload)
	patch.Use(v1.MiddlewarePatchDesired)

	// DELETEs
	del := api.Methods("DELETE").Subrouter()
	del.HandleFunc("/downloads/{id}", downloadHandler.DeleteDownload)

	return r
}
