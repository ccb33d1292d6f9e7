package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/health"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

// TrafficService is the traffic router slice the admin surface drives.
type TrafficService interface {
	ShiftNewest(ctx context.Context, predictionType, description string) ([]models.Predictor, error)
	SetTraffic(ctx context.Context, predictionType string, predictorVersion, traffic int, description string) ([]models.Predictor, error)
	Deactivate(ctx context.Context, predictionType string, predictorVersion int, description string) ([]models.Predictor, error)
}

// HealthEvaluator produces the health snapshot behind /health/check.
type HealthEvaluator interface {
	Evaluate(ctx context.Context) health.Snapshot
}

// Options wires the admin handlers.
type Options struct {
	Traffic TrafficService
	Health  HealthEvaluator
	Log     logging.Logger

	// MetricsHandler, when non-nil, is mounted at /metrics.
	MetricsHandler http.Handler
}

type shiftRequest struct {
	PredictionType string  `json:"prediction_type"`
	Description    *string `json:"description"`
}

type setRequest struct {
	PredictionType   string  `json:"prediction_type"`
	PredictorVersion int     `json:"predictor_version"`
	Traffic          int     `json:"traffic"`
	Description      *string `json:"description"`
}

type deactivateRequest struct {
	PredictionType   string  `json:"prediction_type"`
	PredictorVersion int     `json:"predictor_version"`
	Description      *string `json:"description"`
}

type trafficShare struct {
	PredictorID       string `json:"predictor_id"`
	TrafficPercentage int    `json:"traffic_percentage"`
}

type trafficResponse struct {
	PredictionType      string         `json:"prediction_type"`
	TrafficDistribution []trafficShare `json:"traffic_distribution"`
}

// NewMux builds the admin HTTP surface.
func NewMux(opts Options) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /traffic/shift", opts.handleShift)
	mux.HandleFunc("POST /traffic/set", opts.handleSet)
	mux.HandleFunc("POST /traffic/deactivate", opts.handleDeactivate)
	mux.HandleFunc("GET /health/check", opts.handleHealth)
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}
	return mux
}

func (o Options) handleShift(w http.ResponseWriter, r *http.Request) {
	var req shiftRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PredictionType == "" {
		writeError(w, http.StatusBadRequest, "prediction_type is required")
		return
	}
	dist, err := o.Traffic.ShiftNewest(r.Context(), req.PredictionType, deref(req.Description))
	if err != nil {
		o.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(req.PredictionType, dist))
}

func (o Options) handleSet(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PredictionType == "" {
		writeError(w, http.StatusBadRequest, "prediction_type is required")
		return
	}
	dist, err := o.Traffic.SetTraffic(r.Context(), req.PredictionType, req.PredictorVersion, req.Traffic, deref(req.Description))
	if err != nil {
		o.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(req.PredictionType, dist))
}

func (o Options) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req deactivateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PredictionType == "" {
		writeError(w, http.StatusBadRequest, "prediction_type is required")
		return
	}
	dist, err := o.Traffic.Deactivate(r.Context(), req.PredictionType, req.PredictorVersion, deref(req.Description))
	if err != nil {
		o.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(req.PredictionType, dist))
}

func (o Options) handleHealth(w http.ResponseWriter, r *http.Request) {
	if o.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	snap := o.Health.Evaluate(r.Context())
	if snap.Overall == health.StatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(snap.Overall)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (o Options) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTraffic), errors.Is(err, models.ErrUnknownPredictor):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNoActivePredictor):
		writeError(w, http.StatusConflict, err.Error())
	default:
		o.Log.ErrorCtx(r.Context(), "admin request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toResponse(predictionType string, dist []models.Predictor) trafficResponse {
	shares := make([]trafficShare, 0, len(dist))
	for _, p := range dist {
		shares = append(shares, trafficShare{
			PredictorID:       p.ID.Hex(),
			TrafficPercentage: p.TrafficPercentage,
		})
	}
	return trafficResponse{PredictionType: predictionType, TrafficDistribution: shares}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
