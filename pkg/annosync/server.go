package annosync

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// Router returns the operational HTTP surface:
//
//	GET  /health                            - liveness and breaker state
//	GET  /api/stats                         - combined statistics of both stores
//	GET  /api/documents/{id}/annotation     - annotation with schema and history
//	GET  /api/documents/{id}/history        - annotation history, oldest first
//	POST /api/admin/reconcile               - run one reconciliation sweep
//	GET  /metrics                           - prometheus metrics
func (a *App) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", a.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", a.handleHealth).Methods("GET")
	api.HandleFunc("/stats", a.handleStats).Methods("GET")
	api.HandleFunc("/documents/{id}/annotation", a.handleGetAnnotation).Methods("GET")
	api.HandleFunc("/documents/{id}/history", a.handleGetHistory).Methods("GET")
	api.HandleFunc("/admin/reconcile", a.handleReconcile).Methods("POST")
	return router
}

// handleHealth reports the process as up. The DocumentStore being down is
// not a failure here; the breaker state says whether writes are queued.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"document_store": a.breaker.State().String(),
		"time":           a.clock.Now().Unix(),
	})
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.coord.GetCombinedStatistics(r.Context())
	if err != nil {
		a.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (a *App) handleGetAnnotation(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseDocumentID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid document ID")
		return
	}
	view, err := a.coord.ReadAnnotation(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *App) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseDocumentID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid document ID")
		return
	}
	hist, err := a.coord.GetHistory(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, hist)
}

func (a *App) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := a.coord.Reconcile(r.Context())
	if err != nil {
		a.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// respondStoreError maps the coordinator's error types to status codes.
func (a *App) respondStoreError(w http.ResponseWriter, err error) {
	var (
		conflict   *store.ConflictError
		validation *store.ValidationError
		timeout    *store.TimeoutError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &timeout):
		status = http.StatusGatewayTimeout
	case store.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		a.logger.Error().Err(err).Msg("request failed")
	}
	respondError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
