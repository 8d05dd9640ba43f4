// Package app HTTP handlers for the ops surface: health checks and the
// manual per-series routing trigger. Grounded on the teacher's
// internal/app/handlers.go mux wiring, trimmed of every handler backed by a
// dropped enterprise feature (config dump, SLO report, security audit log).
package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// healthResponse is the /healthz payload: enough for a liveness probe to
// judge the daemon, not a full component-by-component status page.
type healthResponse struct {
	Status string `json:"status"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
}

// routeTriggerResponse reports the outcome of a manually triggered
// RouteSeries call.
type routeTriggerResponse struct {
	SeriesUID string `json:"series_uid"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// handleRouteTrigger lets an operator replay routing for a series already
// sitting in incoming — e.g. after fixing a rule that previously sent it to
// error. It calls RouteSeries directly rather than going through the
// watcher/worker-pool path, since this is a deliberate, low-volume operator
// action, not ingest traffic the backpressure manager needs to shed.
func (a *App) handleRouteTrigger(w http.ResponseWriter, r *http.Request) {
	seriesUID := mux.Vars(r)["seriesUID"]
	w.Header().Set("Content-Type", "application/json")

	if err := a.currentController().RouteSeries(r.Context(), seriesUID); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(routeTriggerResponse{
			SeriesUID: seriesUID,
			Status:    "error",
			Error:     err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(routeTriggerResponse{SeriesUID: seriesUID, Status: "routed"})
}

// tracingTargetResponse reports the outcome of an on-demand tracing toggle
// for one rule target.
type tracingTargetResponse struct {
	Target string `json:"target"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleEnableTargetTracing lets an operator force full tracing for a single
// rule target (e.g. one PACS destination that's misbehaving) without
// switching the whole daemon to full-e2e mode, which would trace every
// series. ?rate defaults to 1.0, ?duration defaults to 10 minutes.
func (a *App) handleEnableTargetTracing(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	w.Header().Set("Content-Type", "application/json")

	rate := 1.0
	if v := r.URL.Query().Get("rate"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			rate = parsed
		}
	}
	duration := 10 * time.Minute
	if v := r.URL.Query().Get("duration"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			duration = parsed
		}
	}

	if err := a.tracer.EnableOnDemandTracing(target, rate, duration); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(tracingTargetResponse{Target: target, Status: "error", Error: err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(tracingTargetResponse{Target: target, Status: "enabled"})
}

// handleDisableTargetTracing cancels an on-demand tracing override before it
// would otherwise expire.
func (a *App) handleDisableTargetTracing(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	w.Header().Set("Content-Type", "application/json")

	if err := a.tracer.DisableOnDemandTracing(target); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(tracingTargetResponse{Target: target, Status: "error", Error: err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(tracingTargetResponse{Target: target, Status: "disabled"})
}
