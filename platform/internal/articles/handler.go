package articles

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/traffic"
	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

// Registry lists the active predictors of a prediction type.
type Registry interface {
	ListByType(ctx context.Context, predictionType string, onlyActive bool) ([]models.Predictor, error)
}

// Forwarder is the runtime slice the pipeline drives.
type Forwarder interface {
	Forward(ctx context.Context, input string) (models.Prediction, error)
}

// Upserter merges one predictor's output into an article's aggregate.
type Upserter interface {
	Upsert(ctx context.Context, articleID primitive.ObjectID, predictionType string, predictorID primitive.ObjectID, prediction models.Prediction, selected bool) (models.ArticlePrediction, error)
}

// Handler consumes ArticlesEvent batches: for every configured prediction
// type it runs each article through every active predictor (shadow
// comparison) and marks one predictor's answer as selected according to the
// traffic split.
type Handler struct {
	registry Registry
	store    Upserter
	log      logging.Logger

	// runtimes indexes the in-process forwarders by type and version.
	runtimes map[string]map[int]Forwarder

	// pick draws the selected predictor; defaults to traffic.Pick.
	pick func(active []models.Predictor) (models.Predictor, error)

	// concurrency bounds in-flight forwards across the whole batch;
	// consulted per batch so tuning changes apply live.
	concurrency func() int
}

// NewHandler wires the article pipeline. concurrency may be nil (defaults
// to 1 in-flight prediction).
func NewHandler(registry Registry, store Upserter, log logging.Logger, concurrency func() int) *Handler {
	if concurrency == nil {
		concurrency = func() int { return 1 }
	}
	return &Handler{
		registry:    registry,
		store:       store,
		log:         log,
		runtimes:    make(map[string]map[int]Forwarder),
		pick:        traffic.Pick,
		concurrency: concurrency,
	}
}

// RegisterRuntime attaches a forwarder for one (type, version) pair.
func (h *Handler) RegisterRuntime(predictionType string, predictorVersion int, f Forwarder) {
	byVersion, ok := h.runtimes[predictionType]
	if !ok {
		byVersion = make(map[int]Forwarder)
		h.runtimes[predictionType] = byVersion
	}
	byVersion[predictorVersion] = f
}

// PredictionTypes returns the types with at least one registered runtime.
func (h *Handler) PredictionTypes() []string {
	out := make([]string, 0, len(h.runtimes))
	for t := range h.runtimes {
		out = append(out, t)
	}
	return out
}

func (h *Handler) EventTypes() []models.EventType {
	return []models.EventType{models.ArticlesEvent}
}

func (h *Handler) Handle(ctx context.Context, events []models.Event) error {
	articles := make([]models.ArticlePayload, 0, len(events))
	for _, ev := range events {
		var payload models.ArticlePayload
		if err := json.Unmarshal(ev.Content, &payload); err != nil {
			h.log.ErrorCtx(ctx, "dropping malformed article event", "error", err)
			continue
		}
		articles = append(articles, payload)
	}
	_, err := h.ProcessArticles(ctx, articles)
	return err
}

// ProcessArticles fans a batch out across every active predictor of every
// configured prediction type. Per-article and per-predictor failures are
// logged and skipped; one failure never aborts the batch.
func (h *Handler) ProcessArticles(ctx context.Context, articles []models.ArticlePayload) ([]models.ArticlePrediction, error) {
	if len(articles) == 0 {
		h.log.WarnCtx(ctx, "no articles to process")
		return nil, nil
	}
	h.log.InfoCtx(ctx, "processing article batch", "count", len(articles))

	slots := h.concurrency()
	if slots <= 0 {
		slots = 1
	}
	semaphore := make(chan struct{}, slots)

	var (
		mu      sync.Mutex
		stored  []models.ArticlePrediction
		wg      sync.WaitGroup
	)

	for predictionType, byVersion := range h.runtimes {
		active, err := h.registry.ListByType(ctx, predictionType, true)
		if err != nil {
			h.log.ErrorCtx(ctx, "list active predictors failed", "prediction_type", predictionType, "error", err)
			continue
		}

		type boundPredictor struct {
			predictor models.Predictor
			forwarder Forwarder
		}
		bound := make([]boundPredictor, 0, len(active))
		for _, p := range active {
			f, ok := byVersion[p.PredictorVersion]
			if !ok {
				h.log.WarnCtx(ctx, "active predictor has no registered runtime",
					"prediction_type", predictionType, "predictor_version", p.PredictorVersion)
				continue
			}
			bound = append(bound, boundPredictor{predictor: p, forwarder: f})
		}
		if len(bound) == 0 {
			h.log.WarnCtx(ctx, "no runnable predictors for type", "prediction_type", predictionType)
			continue
		}

		for _, article := range articles {
			text := articleText(article)
			if text == "" {
				h.log.WarnCtx(ctx, "skipping article without text", "article_id", article.ID.Hex())
				continue
			}

			// Independent draw per article.
			selected, err := h.pick(active)
			if err != nil {
				h.log.ErrorCtx(ctx, "predictor selection failed",
					"prediction_type", predictionType, "error", err)
				continue
			}

			for _, bp := range bound {
				wg.Add(1)
				go func(article models.ArticlePayload, bp boundPredictor, text string, selectedID primitive.ObjectID) {
					defer wg.Done()
					semaphore <- struct{}{}
					defer func() { <-semaphore }()

					prediction, err := bp.forwarder.Forward(ctx, text)
					if err != nil {
						h.log.ErrorCtx(ctx, "forward failed",
							"article_id", article.ID.Hex(),
							"prediction_type", bp.predictor.PredictionType,
							"predictor_version", bp.predictor.PredictorVersion,
							"error", err)
						return
					}

					aggregate, err := h.store.Upsert(ctx, article.ID.ObjectID, bp.predictor.PredictionType,
						bp.predictor.ID, prediction, bp.predictor.ID == selectedID)
					if err != nil {
						h.log.ErrorCtx(ctx, "store prediction failed",
							"article_id", article.ID.Hex(),
							"prediction_type", bp.predictor.PredictionType,
							"error", err)
						return
					}
					mu.Lock()
					stored = append(stored, aggregate)
					mu.Unlock()
				}(article, bp, text, selected.ID)
			}
		}
	}

	wg.Wait()
	h.log.InfoCtx(ctx, "finished processing article batch", "count", len(articles))
	return stored, nil
}

// articleText joins title and description; either side may be missing.
func articleText(a models.ArticlePayload) string {
	var parts []string
	if a.Title != nil && *a.Title != "" {
		parts = append(parts, *a.Title)
	}
	if a.Description != nil && *a.Description != "" {
		parts = append(parts, *a.Description)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
