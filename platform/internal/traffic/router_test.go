package traffic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

type fakeRegistry struct {
	predictors map[primitive.ObjectID]models.Predictor
}

func newFakeRegistry(predictors ...models.Predictor) *fakeRegistry {
	r := &fakeRegistry{predictors: make(map[primitive.ObjectID]models.Predictor)}
	for _, p := range predictors {
		r.predictors[p.ID] = p
	}
	return r
}

func (r *fakeRegistry) Find(_ context.Context, predictionType string, predictorVersion int) (models.Predictor, error) {
	for _, p := range r.predictors {
		if p.PredictionType == predictionType && p.PredictorVersion == predictorVersion {
			return p, nil
		}
	}
	return models.Predictor{}, fmt.Errorf("%w: predictor %s.%d", models.ErrNotFound, predictionType, predictorVersion)
}

func (r *fakeRegistry) FindByID(_ context.Context, id primitive.ObjectID) (models.Predictor, error) {
	p, ok := r.predictors[id]
	if !ok {
		return models.Predictor{}, fmt.Errorf("%w: predictor id %s", models.ErrNotFound, id.Hex())
	}
	return p, nil
}

func (r *fakeRegistry) ListByType(_ context.Context, predictionType string, onlyActive bool) ([]models.Predictor, error) {
	var out []models.Predictor
	for _, p := range r.predictors {
		if p.PredictionType != predictionType {
			continue
		}
		if onlyActive && p.TrafficPercentage <= 0 {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PredictorVersion > out[j].PredictorVersion })
	return out, nil
}

func (r *fakeRegistry) Newest(ctx context.Context, predictionType string) (models.Predictor, error) {
	all, _ := r.ListByType(ctx, predictionType, false)
	if len(all) == 0 {
		return models.Predictor{}, fmt.Errorf("%w: no predictor for type %s", models.ErrNotFound, predictionType)
	}
	return all[0], nil
}

func (r *fakeRegistry) UpdateTraffic(_ context.Context, id primitive.ObjectID, trafficPercentage int) (models.Predictor, error) {
	p, ok := r.predictors[id]
	if !ok {
		return models.Predictor{}, fmt.Errorf("%w: predictor id %s", models.ErrNotFound, id.Hex())
	}
	p.TrafficPercentage = trafficPercentage
	p.UpdatedAt = time.Now().UTC()
	r.predictors[id] = p
	return p, nil
}

type recordedMetric struct {
	name  string
	value float64
	tags  map[string]string
}

type fakeRecorder struct {
	records []recordedMetric
}

func (f *fakeRecorder) Record(_ context.Context, name string, value float64, tags map[string]string, _ string) (models.Metric, error) {
	f.records = append(f.records, recordedMetric{name: name, value: value, tags: tags})
	return models.Metric{MetricName: name, MetricValue: value, Tags: tags}, nil
}

type fakeTransactor struct{}

func (fakeTransactor) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func seedPredictor(predictionType string, version, traffic int) models.Predictor {
	return models.Predictor{
		ID:                primitive.NewObjectID(),
		PredictionType:    predictionType,
		PredictorVersion:  version,
		TrafficPercentage: traffic,
	}
}

func newTestRouter(reg *fakeRegistry, rec *fakeRecorder) *Router {
	return NewRouter(reg, rec, fakeTransactor{}, logging.New(slog.Default()), 50)
}

func TestShiftNewestStepsByFiveUntilThreshold(t *testing.T) {
	v1 := seedPredictor("sentiment_analysis", 1, 100)
	v2 := seedPredictor("sentiment_analysis", 2, 0)
	reg := newFakeRegistry(v1, v2)
	rec := &fakeRecorder{}
	router := newTestRouter(reg, rec)
	ctx := context.Background()

	dist, err := router.ShiftNewest(ctx, "sentiment_analysis", "")
	require.NoError(t, err)
	require.Len(t, dist, 2)
	assert.Equal(t, 95, dist[0].TrafficPercentage)
	assert.Equal(t, 5, dist[1].TrafficPercentage)

	for i := 0; i < 9; i++ {
		dist, err = router.ShiftNewest(ctx, "sentiment_analysis", "")
		require.NoError(t, err)
	}
	assert.Equal(t, 50, dist[0].TrafficPercentage)
	assert.Equal(t, 50, dist[1].TrafficPercentage)

	// At the threshold the next shift is a no-op returning the current
	// distribution with no extra audit rows.
	audits := len(rec.records)
	dist, err = router.ShiftNewest(ctx, "sentiment_analysis", "")
	require.NoError(t, err)
	assert.Equal(t, 50, dist[0].TrafficPercentage)
	assert.Equal(t, 50, dist[1].TrafficPercentage)
	assert.Len(t, rec.records, audits)
}

func TestDeactivateMovesTrafficToRemaining(t *testing.T) {
	v1 := seedPredictor("sentiment_analysis", 1, 50)
	v2 := seedPredictor("sentiment_analysis", 2, 50)
	reg := newFakeRegistry(v1, v2)
	rec := &fakeRecorder{}
	router := newTestRouter(reg, rec)

	dist, err := router.Deactivate(context.Background(), "sentiment_analysis", 1, "rollback")
	require.NoError(t, err)
	require.Len(t, dist, 2)
	assert.Equal(t, 0, dist[0].TrafficPercentage)
	assert.Equal(t, 100, dist[1].TrafficPercentage)

	require.NotEmpty(t, rec.records)
	for _, rm := range rec.records {
		assert.Equal(t, models.MetricTrafficDeactivation, rm.name)
		assert.Contains(t, rm.tags, "prediction_type")
		assert.Contains(t, rm.tags, "predictor_version")
	}
}

func TestSetTrafficKeepsSumExact(t *testing.T) {
	v1 := seedPredictor("news_classification", 1, 33)
	v2 := seedPredictor("news_classification", 2, 33)
	v3 := seedPredictor("news_classification", 3, 34)
	reg := newFakeRegistry(v1, v2, v3)
	router := newTestRouter(reg, &fakeRecorder{})

	dist, err := router.SetTraffic(context.Background(), "news_classification", 1, 50, "")
	require.NoError(t, err)
	require.Len(t, dist, 3)

	total := 0
	for _, p := range dist {
		total += p.TrafficPercentage
	}
	assert.Equal(t, 100, total)
	assert.Equal(t, 50, dist[0].TrafficPercentage)
	assert.Equal(t, 50, dist[1].TrafficPercentage+dist[2].TrafficPercentage)
}

func TestSetTrafficRejectsOutOfRange(t *testing.T) {
	reg := newFakeRegistry(seedPredictor("sentiment_analysis", 1, 100))
	router := newTestRouter(reg, &fakeRecorder{})

	_, err := router.SetTraffic(context.Background(), "sentiment_analysis", 1, 120, "")
	assert.ErrorIs(t, err, models.ErrInvalidTraffic)
}

func TestAdjustTrafficAuditsOnlyChangedPredictors(t *testing.T) {
	v1 := seedPredictor("sentiment_analysis", 1, 100)
	v2 := seedPredictor("sentiment_analysis", 2, 0)
	reg := newFakeRegistry(v1, v2)
	rec := &fakeRecorder{}
	router := newTestRouter(reg, rec)

	_, err := router.AdjustTraffic(context.Background(), v2.ID, 5, models.MetricTrafficUpdate, "canary")
	require.NoError(t, err)

	// Both predictors changed (100->95, 0->5): two audit rows.
	assert.Len(t, rec.records, 2)
}

func TestShiftNewestUnknownTypeSurfacesNotFound(t *testing.T) {
	router := newTestRouter(newFakeRegistry(), &fakeRecorder{})

	_, err := router.ShiftNewest(context.Background(), "nope", "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
