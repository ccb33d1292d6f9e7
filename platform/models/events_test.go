package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestArticleIDAcceptsHexString(t *testing.T) {
	var payload ArticlePayload
	raw := `{"id":"65f000000000000000000001","title":"t","description":null}`
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	assert.Equal(t, "65f000000000000000000001", payload.ID.Hex())
	require.NotNil(t, payload.Title)
	assert.Equal(t, "t", *payload.Title)
	assert.Nil(t, payload.Description)
}

func TestArticleIDAcceptsExtendedJSON(t *testing.T) {
	var payload ArticlePayload
	raw := `{"id":{"$oid":"65f000000000000000000002"}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	assert.Equal(t, "65f000000000000000000002", payload.ID.Hex())
}

func TestArticleIDRejectsGarbage(t *testing.T) {
	var payload ArticlePayload
	assert.Error(t, json.Unmarshal([]byte(`{"id":"zz"}`), &payload))
	assert.Error(t, json.Unmarshal([]byte(`{"id":42}`), &payload))
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	id := primitive.NewObjectID()
	ev, err := NewEvent(ArticlesEvent, ArticlePayload{ID: ArticleID{ObjectID: id}})
	require.NoError(t, err)
	assert.False(t, ev.Timestamp.IsZero())

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, ArticlesEvent, decoded.EventType)

	var payload ArticlePayload
	require.NoError(t, json.Unmarshal(decoded.Content, &payload))
	assert.Equal(t, id.Hex(), payload.ID.Hex())
}

func TestNewMetricEventCarriesTags(t *testing.T) {
	ev, err := NewMetricEvent(MetricPredictorLatency, 1.5, PredictorTags("sentiment_analysis", 3))
	require.NoError(t, err)
	assert.Equal(t, MetricsEvent, ev.EventType)

	var payload MetricPayload
	require.NoError(t, json.Unmarshal(ev.Content, &payload))
	assert.Equal(t, MetricPredictorLatency, payload.MetricName)
	assert.Equal(t, 1.5, payload.MetricValue)
	assert.Equal(t, map[string]string{"prediction_type": "sentiment_analysis", "predictor_version": "3"}, payload.Tags)
}

func TestPredictorActive(t *testing.T) {
	assert.True(t, Predictor{TrafficPercentage: 5}.Active())
	assert.False(t, Predictor{TrafficPercentage: 0}.Active())
}
