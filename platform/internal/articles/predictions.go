package articles

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

const collectionName = "article_predictions"

// PredictionStore persists article prediction aggregates. Upserts target a
// single predictions map key, so concurrent writers for different
// predictors merge instead of clobbering each other.
type PredictionStore struct {
	coll *mongo.Collection
}

func NewPredictionStore(st *store.Client) *PredictionStore {
	return &PredictionStore{coll: st.Collection(collectionName)}
}

// Setup creates the collection indexes. Idempotent.
func (s *PredictionStore) Setup(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "article_id", Value: 1}, {Key: "prediction_type", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("article_id_prediction_type_unique"),
		},
		{
			Keys:    bson.D{{Key: "article_id", Value: 1}},
			Options: options.Index().SetName("article_id"),
		},
	})
	if err != nil {
		return fmt.Errorf("create article prediction indexes: %w", err)
	}
	return nil
}

// FindByArticle returns every aggregate stored for an article.
func (s *PredictionStore) FindByArticle(ctx context.Context, articleID primitive.ObjectID) ([]models.ArticlePrediction, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"article_id": articleID})
	if err != nil {
		return nil, fmt.Errorf("find predictions for article %s: %w", articleID.Hex(), err)
	}
	var out []models.ArticlePrediction
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode predictions for article %s: %w", articleID.Hex(), err)
	}
	return out, nil
}

// Find returns the aggregate for (article, type), or ErrNotFound.
func (s *PredictionStore) Find(ctx context.Context, articleID primitive.ObjectID, predictionType string) (models.ArticlePrediction, error) {
	var out models.ArticlePrediction
	err := s.coll.FindOne(ctx, bson.M{"article_id": articleID, "prediction_type": predictionType}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.ArticlePrediction{}, fmt.Errorf("%w: prediction for article %s type %s",
			models.ErrNotFound, articleID.Hex(), predictionType)
	}
	if err != nil {
		return models.ArticlePrediction{}, fmt.Errorf("find prediction %s/%s: %w", articleID.Hex(), predictionType, err)
	}
	return out, nil
}

// Upsert sets one predictor's entry in the aggregate's predictions map,
// creating the aggregate on first write. With selected, the predictor also
// becomes the aggregate's selected answer.
func (s *PredictionStore) Upsert(ctx context.Context, articleID primitive.ObjectID, predictionType string, predictorID primitive.ObjectID, prediction models.Prediction, selected bool) (models.ArticlePrediction, error) {
	now := time.Now().UTC()

	set := bson.M{
		"predictions." + predictorID.Hex(): bson.M{
			"prediction_value":      prediction.Value,
			"prediction_confidence": prediction.Confidence,
		},
		"updated_at": now,
	}
	if selected {
		set["selected_predictor_id"] = predictorID
	}

	var out models.ArticlePrediction
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"article_id": articleID, "prediction_type": predictionType},
		bson.M{
			"$set": set,
			"$setOnInsert": bson.M{
				"article_id":      articleID,
				"prediction_type": predictionType,
				"created_at":      now,
			},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		return models.ArticlePrediction{}, fmt.Errorf("upsert prediction %s/%s predictor %s: %w",
			articleID.Hex(), predictionType, predictorID.Hex(), err)
	}
	return out, nil
}
