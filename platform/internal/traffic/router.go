package traffic

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

// Registry is the slice of the predictor registry the router needs.
type Registry interface {
	Find(ctx context.Context, predictionType string, predictorVersion int) (models.Predictor, error)
	FindByID(ctx context.Context, id primitive.ObjectID) (models.Predictor, error)
	ListByType(ctx context.Context, predictionType string, onlyActive bool) ([]models.Predictor, error)
	Newest(ctx context.Context, predictionType string) (models.Predictor, error)
	UpdateTraffic(ctx context.Context, id primitive.ObjectID, trafficPercentage int) (models.Predictor, error)
}

// MetricRecorder appends traffic-change audit rows.
type MetricRecorder interface {
	Record(ctx context.Context, name string, value float64, tags map[string]string, description string) (models.Metric, error)
}

// Transactor runs a function inside a store transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Router mutates traffic distributions under the conservation invariant:
// after every committed mutation the percentages of a prediction type sum
// to 100, or to 0 when everything is deactivated.
type Router struct {
	registry Registry
	metrics  MetricRecorder
	tx       Transactor
	log      logging.Logger

	maxTrafficThreshold int
	shiftStep           int
}

func NewRouter(registry Registry, metrics MetricRecorder, tx Transactor, log logging.Logger, maxTrafficThreshold int) *Router {
	if maxTrafficThreshold <= 0 || maxTrafficThreshold > 100 {
		maxTrafficThreshold = 50
	}
	return &Router{
		registry:            registry,
		metrics:             metrics,
		tx:                  tx,
		log:                 log,
		maxTrafficThreshold: maxTrafficThreshold,
		shiftStep:           5,
	}
}

// AdjustTraffic recomputes and persists the distribution for the target's
// prediction type in one transaction: every changed predictor gets an audit
// metric row plus its new percentage. Returns the post-mutation rows
// ordered by ascending version.
func (r *Router) AdjustTraffic(ctx context.Context, targetID primitive.ObjectID, targetValue int, metricKind, description string) ([]models.Predictor, error) {
	var result []models.Predictor

	err := r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		target, err := r.registry.FindByID(ctx, targetID)
		if err != nil {
			return err
		}

		active, err := r.registry.ListByType(ctx, target.PredictionType, true)
		if err != nil {
			return err
		}

		byID := make(map[primitive.ObjectID]models.Predictor, len(active)+1)
		current := make(Distribution, len(active)+1)
		for _, p := range active {
			byID[p.ID] = p
			current[p.ID] = p.TrafficPercentage
		}
		// The target may currently hold no traffic (a fresh version being
		// shifted in); it still participates in the redistribution.
		if _, ok := current[target.ID]; !ok {
			byID[target.ID] = target
			current[target.ID] = target.TrafficPercentage
		}

		next, err := Redistribute(current, targetID, targetValue)
		if err != nil {
			return err
		}

		result = result[:0]
		for id, pct := range next {
			p := byID[id]
			if pct == current[id] {
				result = append(result, p)
				continue
			}
			if _, err := r.metrics.Record(ctx, metricKind, float64(pct),
				models.PredictorTags(p.PredictionType, p.PredictorVersion), description); err != nil {
				return err
			}
			updated, err := r.registry.UpdateTraffic(ctx, id, pct)
			if err != nil {
				return err
			}
			result = append(result, updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByVersion(result)
	return result, nil
}

// ShiftNewest moves the newest predictor of a type one step (5 points)
// toward MaxTrafficThreshold. At the threshold the call is an idempotent
// no-op that returns the current distribution.
func (r *Router) ShiftNewest(ctx context.Context, predictionType, description string) ([]models.Predictor, error) {
	newest, err := r.registry.Newest(ctx, predictionType)
	if err != nil {
		return nil, err
	}

	if newest.TrafficPercentage >= r.maxTrafficThreshold {
		r.log.WarnCtx(ctx, "newest predictor already at max traffic threshold",
			"prediction_type", predictionType,
			"predictor_version", newest.PredictorVersion,
			"traffic_percentage", newest.TrafficPercentage,
			"max_traffic_threshold", r.maxTrafficThreshold)
		return r.currentDistribution(ctx, predictionType, newest)
	}

	target := newest.TrafficPercentage + r.shiftStep
	if target > r.maxTrafficThreshold {
		target = r.maxTrafficThreshold
	}
	return r.AdjustTraffic(ctx, newest.ID, target, models.MetricTrafficUpdate, description)
}

// SetTraffic pins an explicit percentage on one predictor version.
func (r *Router) SetTraffic(ctx context.Context, predictionType string, predictorVersion, traffic int, description string) ([]models.Predictor, error) {
	if traffic < 0 || traffic > 100 {
		return nil, fmt.Errorf("%w: %d not in [0, 100]", models.ErrInvalidTraffic, traffic)
	}
	p, err := r.registry.Find(ctx, predictionType, predictorVersion)
	if err != nil {
		return nil, err
	}
	return r.AdjustTraffic(ctx, p.ID, traffic, models.MetricTrafficUpdate, description)
}

// Deactivate routes a predictor version to zero traffic.
func (r *Router) Deactivate(ctx context.Context, predictionType string, predictorVersion int, description string) ([]models.Predictor, error) {
	p, err := r.registry.Find(ctx, predictionType, predictorVersion)
	if err != nil {
		return nil, err
	}
	return r.AdjustTraffic(ctx, p.ID, 0, models.MetricTrafficDeactivation, description)
}

// PickForType draws one predictor among the currently active ones,
// weighted by traffic percentage.
func (r *Router) PickForType(ctx context.Context, predictionType string) (models.Predictor, error) {
	active, err := r.registry.ListByType(ctx, predictionType, true)
	if err != nil {
		return models.Predictor{}, err
	}
	return Pick(active)
}

func (r *Router) currentDistribution(ctx context.Context, predictionType string, include models.Predictor) ([]models.Predictor, error) {
	active, err := r.registry.ListByType(ctx, predictionType, true)
	if err != nil {
		return nil, err
	}
	found := false
	for _, p := range active {
		if p.ID == include.ID {
			found = true
			break
		}
	}
	if !found {
		active = append(active, include)
	}
	sortByVersion(active)
	return active, nil
}
