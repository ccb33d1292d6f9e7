package predictors

import (
	"context"

	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

// PredictionTypeNewsClassification is the news categorization family name.
const PredictionTypeNewsClassification = "news_classification"

func newsLexicon() lexiconModel {
	return lexiconModel{
		Labels: []string{"business", "technology", "sports", "politics", "entertainment"},
		Weights: map[string]map[string]float64{
			"business": {
				"market": 2, "markets": 2, "stocks": 2, "earnings": 2, "economy": 2,
				"inflation": 1.5, "merger": 1.5, "revenue": 1.5, "bank": 1, "trade": 1,
			},
			"technology": {
				"software": 2, "ai": 2, "startup": 2, "chip": 1.5, "cloud": 1.5,
				"app": 1, "robot": 1.5, "data": 1, "cyber": 1.5, "launch": 0.5,
			},
			"sports": {
				"match": 2, "league": 2, "championship": 2, "goal": 1.5, "tournament": 2,
				"coach": 1.5, "season": 1, "team": 1, "player": 1.5, "olympic": 2,
			},
			"politics": {
				"election": 2, "parliament": 2, "senate": 2, "minister": 1.5, "policy": 1.5,
				"vote": 1.5, "campaign": 1.5, "government": 1.5, "bill": 1, "president": 1.5,
			},
			"entertainment": {
				"film": 2, "album": 2, "festival": 1.5, "celebrity": 2, "premiere": 2,
				"concert": 2, "series": 1, "award": 1.5, "boxoffice": 2,
			},
		},
		Bias: map[string]float64{
			"business": 0.1, "technology": 0.1, "sports": 0.1, "politics": 0.1, "entertainment": 0.1,
		},
	}
}

// NewsClassificationV2 categorizes articles into newsroom sections.
type NewsClassificationV2 struct {
	lexiconPredictor
}

func NewNewsClassificationV2(log logging.Logger) *NewsClassificationV2 {
	return &NewsClassificationV2{lexiconPredictor{log: log}}
}

func (p *NewsClassificationV2) PredictionType() string { return PredictionTypeNewsClassification }
func (p *NewsClassificationV2) PredictorVersion() int  { return 2 }
func (p *NewsClassificationV2) Description() string {
	return "Zero-shot news section classifier"
}

func (p *NewsClassificationV2) Download(ctx context.Context) (string, error) {
	if err := simulateContext(ctx); err != nil {
		return "", err
	}
	p.log.InfoCtx(ctx, "downloading news classification model", "predictor_version", 2)
	return writeArtifacts(newsLexicon())
}

func (p *NewsClassificationV2) Load(ctx context.Context, weightsPath string) error {
	p.log.InfoCtx(ctx, "loading news classification model", "weights_path", weightsPath)
	return p.load(weightsPath)
}

func (p *NewsClassificationV2) Unload(ctx context.Context) error {
	return p.unload()
}

func (p *NewsClassificationV2) Forward(ctx context.Context, input string) (models.Prediction, error) {
	return p.forward(input, 0.9, 0.0015)
}
