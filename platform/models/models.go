package models

import (
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Predictor is a persisted predictor record. One row exists per
// (prediction_type, predictor_version) pair; version numbers for a given
// type form a strictly increasing, gap-allowed sequence.
type Predictor struct {
	ID                   primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	PredictionType       string             `bson:"prediction_type" json:"prediction_type"`
	PredictorVersion     int                `bson:"predictor_version" json:"predictor_version"`
	PredictorDescription string             `bson:"predictor_description" json:"predictor_description"`
	TrafficPercentage    int                `bson:"traffic_percentage" json:"traffic_percentage"`
	CreatedAt            time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt            time.Time          `bson:"updated_at" json:"updated_at"`
}

// Active reports whether the predictor currently receives traffic.
func (p Predictor) Active() bool { return p.TrafficPercentage > 0 }

// Prediction is a single predictor output for one input text.
type Prediction struct {
	Value      string  `bson:"prediction_value" json:"prediction_value"`
	Confidence float64 `bson:"prediction_confidence" json:"prediction_confidence"`
	Price      float64 `bson:"-" json:"price"`
}

// ArticlePrediction aggregates every active predictor's output for one
// (article_id, prediction_type) pair. Predictions is keyed by predictor id
// hex; SelectedPredictorID, when set, always names a key of Predictions.
type ArticlePrediction struct {
	ID                  primitive.ObjectID    `bson:"_id,omitempty" json:"id"`
	ArticleID           primitive.ObjectID    `bson:"article_id" json:"article_id"`
	PredictionType      string                `bson:"prediction_type" json:"prediction_type"`
	SelectedPredictorID primitive.ObjectID    `bson:"selected_predictor_id,omitempty" json:"selected_predictor_id,omitempty"`
	Predictions         map[string]Prediction `bson:"predictions" json:"predictions"`
	CreatedAt           time.Time             `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time             `bson:"updated_at" json:"updated_at"`
}

// Metric is an append-only telemetry record. Rows are never mutated after
// insert.
type Metric struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	MetricName  string             `bson:"metric_name" json:"metric_name"`
	MetricValue float64            `bson:"metric_value" json:"metric_value"`
	Tags        map[string]string  `bson:"tags" json:"tags"`
	Description string             `bson:"description,omitempty" json:"description,omitempty"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
}

// Metric names emitted by the predictor runtimes and the traffic router.
const (
	MetricPredictorLatency          = "PREDICTOR_LATENCY"
	MetricPredictorPrice            = "PREDICTOR_PRICE"
	MetricPredictorError            = "PREDICTOR_ERROR"
	MetricPredictorLoadingLatency   = "PREDICTOR_LOADING_LATENCY"
	MetricPredictorLoadingError     = "PREDICTOR_LOADING_ERROR"
	MetricPredictorUnloadingLatency = "PREDICTOR_UNLOADING_LATENCY"
	MetricPredictorUnloadingError   = "PREDICTOR_UNLOADING_ERROR"
	MetricTrafficUpdate             = "PREDICTOR_TRAFFIC_UPDATE"
	MetricTrafficDeactivation       = "PREDICTOR_TRAFFIC_DEACTIVATION"
)

// PredictorTags builds the canonical metric tag set for a predictor.
func PredictorTags(predictionType string, predictorVersion int) map[string]string {
	return map[string]string{
		"prediction_type":   predictionType,
		"predictor_version": strconv.Itoa(predictorVersion),
	}
}
