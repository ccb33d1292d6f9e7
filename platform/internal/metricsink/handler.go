package metricsink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

// Recorder is the sink slice the handler writes through.
type Recorder interface {
	Record(ctx context.Context, name string, value float64, tags map[string]string, description string) (models.Metric, error)
}

// Handler consumes MetricsEvent batches off the event bus and persists each
// entry through the sink.
type Handler struct {
	sink Recorder
	log  logging.Logger
}

func NewHandler(sink Recorder, log logging.Logger) *Handler {
	return &Handler{sink: sink, log: log}
}

func (h *Handler) EventTypes() []models.EventType {
	return []models.EventType{models.MetricsEvent}
}

func (h *Handler) Handle(ctx context.Context, events []models.Event) error {
	for _, ev := range events {
		var payload models.MetricPayload
		if err := json.Unmarshal(ev.Content, &payload); err != nil {
			h.log.ErrorCtx(ctx, "dropping malformed metric event", "error", err)
			continue
		}
		if _, err := h.sink.Record(ctx, payload.MetricName, payload.MetricValue, payload.Tags, payload.Description); err != nil {
			return fmt.Errorf("persist metric %s: %w", payload.MetricName, err)
		}
	}
	return nil
}
