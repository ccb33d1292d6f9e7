package metricsink

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/store"
	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
)

const collectionName = "metrics"

// Sink is the append-only metric record store. Rows are inserted and never
// touched again; no indexes are required.
type Sink struct {
	coll *mongo.Collection
}

func New(st *store.Client) *Sink {
	return &Sink{coll: st.Collection(collectionName)}
}

// Record appends one metric row. The transactional traffic-audit path calls
// this with a session-bound context.
func (s *Sink) Record(ctx context.Context, name string, value float64, tags map[string]string, description string) (models.Metric, error) {
	m := models.Metric{
		MetricName:  name,
		MetricValue: value,
		Tags:        tags,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	res, err := s.coll.InsertOne(ctx, m)
	if err != nil {
		return models.Metric{}, fmt.Errorf("record metric %s: %w", name, err)
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		m.ID = id
	}
	return m, nil
}
