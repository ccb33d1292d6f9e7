package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/store"
	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
)

const collectionName = "predictors"

// Registry persists predictor records. Traffic percentages are only ever
// mutated through UpdateTraffic, inside the traffic router's transaction.
type Registry struct {
	store *store.Client
	coll  *mongo.Collection
}

func New(st *store.Client) *Registry {
	return &Registry{store: st, coll: st.Collection(collectionName)}
}

// Setup creates the collection indexes. Idempotent.
func (r *Registry) Setup(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "prediction_type", Value: 1}, {Key: "predictor_version", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("prediction_type_version_unique"),
		},
		{
			Keys:    bson.D{{Key: "prediction_type", Value: 1}},
			Options: options.Index().SetName("prediction_type_index"),
		},
	})
	if err != nil {
		return fmt.Errorf("create predictor indexes: %w", err)
	}
	return nil
}

// Find returns the predictor for (type, version), or ErrNotFound.
func (r *Registry) Find(ctx context.Context, predictionType string, predictorVersion int) (models.Predictor, error) {
	var p models.Predictor
	err := r.coll.FindOne(ctx, bson.M{
		"prediction_type":   predictionType,
		"predictor_version": predictorVersion,
	}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Predictor{}, fmt.Errorf("%w: predictor %s.%d", models.ErrNotFound, predictionType, predictorVersion)
	}
	if err != nil {
		return models.Predictor{}, fmt.Errorf("find predictor %s.%d: %w", predictionType, predictorVersion, err)
	}
	return p, nil
}

// FindByID returns the predictor with the given id, or ErrNotFound.
func (r *Registry) FindByID(ctx context.Context, id primitive.ObjectID) (models.Predictor, error) {
	var p models.Predictor
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Predictor{}, fmt.Errorf("%w: predictor id %s", models.ErrNotFound, id.Hex())
	}
	if err != nil {
		return models.Predictor{}, fmt.Errorf("find predictor %s: %w", id.Hex(), err)
	}
	return p, nil
}

// ListByType returns every predictor of a type ordered by version
// descending. With onlyActive, predictors without traffic are filtered out.
func (r *Registry) ListByType(ctx context.Context, predictionType string, onlyActive bool) ([]models.Predictor, error) {
	filter := bson.M{"prediction_type": predictionType}
	if onlyActive {
		filter["traffic_percentage"] = bson.M{"$gt": 0}
	}
	cursor, err := r.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "predictor_version", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list predictors %s: %w", predictionType, err)
	}
	var out []models.Predictor
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode predictors %s: %w", predictionType, err)
	}
	return out, nil
}

// Newest returns the highest-versioned predictor of a type, or ErrNotFound
// when the type has none.
func (r *Registry) Newest(ctx context.Context, predictionType string) (models.Predictor, error) {
	var p models.Predictor
	err := r.coll.FindOne(ctx, bson.M{"prediction_type": predictionType},
		options.FindOne().SetSort(bson.D{{Key: "predictor_version", Value: -1}})).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Predictor{}, fmt.Errorf("%w: no predictor for type %s", models.ErrNotFound, predictionType)
	}
	if err != nil {
		return models.Predictor{}, fmt.Errorf("newest predictor %s: %w", predictionType, err)
	}
	return p, nil
}

// Create inserts a new predictor row with zero traffic. The version must
// exceed every existing version for the type; racing creators are excluded
// by the transactional block plus the unique index.
func (r *Registry) Create(ctx context.Context, predictionType, description string, predictorVersion int) (models.Predictor, error) {
	var created models.Predictor
	err := r.store.WithTransaction(ctx, func(ctx context.Context) error {
		newest, err := r.Newest(ctx, predictionType)
		maxVersion := 0
		switch {
		case err == nil:
			maxVersion = newest.PredictorVersion
		case errors.Is(err, models.ErrNotFound):
		default:
			return err
		}
		if predictorVersion <= maxVersion {
			return fmt.Errorf("%w: %s max version is %d, cannot create version %d",
				models.ErrVersionRegression, predictionType, maxVersion, predictorVersion)
		}

		now := time.Now().UTC()
		created = models.Predictor{
			PredictionType:       predictionType,
			PredictorVersion:     predictorVersion,
			PredictorDescription: description,
			TrafficPercentage:    0,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		res, err := r.coll.InsertOne(ctx, created)
		if err != nil {
			return fmt.Errorf("insert predictor %s.%d: %w", predictionType, predictorVersion, err)
		}
		created.ID = res.InsertedID.(primitive.ObjectID)
		return nil
	})
	if err != nil {
		return models.Predictor{}, err
	}
	return created, nil
}

// UpdateTraffic sets a predictor's traffic percentage and refreshes
// updated_at, returning the new row.
func (r *Registry) UpdateTraffic(ctx context.Context, id primitive.ObjectID, trafficPercentage int) (models.Predictor, error) {
	var p models.Predictor
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"traffic_percentage": trafficPercentage,
			"updated_at":         time.Now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Predictor{}, fmt.Errorf("%w: predictor id %s", models.ErrNotFound, id.Hex())
	}
	if err != nil {
		return models.Predictor{}, fmt.Errorf("update traffic for %s: %w", id.Hex(), err)
	}
	return p, nil
}
