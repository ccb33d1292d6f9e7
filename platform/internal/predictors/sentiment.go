package predictors

import (
	"context"

	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

// PredictionTypeSentiment is the sentiment analysis family name.
const PredictionTypeSentiment = "sentiment_analysis"

var sentimentLabels = []string{"negative", "neutral", "positive"}

func sentimentLexicon() lexiconModel {
	return lexiconModel{
		Labels: sentimentLabels,
		Weights: map[string]map[string]float64{
			"positive": {
				"great": 2, "good": 1.5, "love": 2, "excellent": 2.5, "amazing": 2.5,
				"rally": 1.5, "gains": 1.5, "record": 1, "strong": 1, "win": 1.5,
				"growth": 1.5, "soar": 2, "breakthrough": 2,
			},
			"negative": {
				"bad": 1.5, "terrible": 2.5, "hate": 2, "awful": 2.5, "crash": 2,
				"loss": 1.5, "losses": 1.5, "weak": 1, "fail": 2, "failure": 2,
				"decline": 1.5, "plunge": 2, "scandal": 2, "crisis": 2,
			},
			"neutral": {
				"announce": 0.5, "report": 0.5, "expected": 0.5, "plans": 0.5,
				"update": 0.5, "statement": 0.5,
			},
		},
		Bias: map[string]float64{"negative": 0.1, "neutral": 0.3, "positive": 0.1},
	}
}

// SentimentAnalysisV1 is the full-precision sentiment predictor.
type SentimentAnalysisV1 struct {
	lexiconPredictor
}

func NewSentimentAnalysisV1(log logging.Logger) *SentimentAnalysisV1 {
	return &SentimentAnalysisV1{lexiconPredictor{log: log}}
}

func (p *SentimentAnalysisV1) PredictionType() string { return PredictionTypeSentiment }
func (p *SentimentAnalysisV1) PredictorVersion() int  { return 1 }
func (p *SentimentAnalysisV1) Description() string {
	return "Multilingual sentiment classifier, full precision"
}

func (p *SentimentAnalysisV1) Download(ctx context.Context) (string, error) {
	if err := simulateContext(ctx); err != nil {
		return "", err
	}
	p.log.InfoCtx(ctx, "downloading sentiment analysis model", "predictor_version", 1)
	return writeArtifacts(sentimentLexicon())
}

func (p *SentimentAnalysisV1) Load(ctx context.Context, weightsPath string) error {
	p.log.InfoCtx(ctx, "loading sentiment analysis model", "weights_path", weightsPath)
	return p.load(weightsPath)
}

func (p *SentimentAnalysisV1) Unload(ctx context.Context) error {
	return p.unload()
}

func (p *SentimentAnalysisV1) Forward(ctx context.Context, input string) (models.Prediction, error) {
	return p.forward(input, 1.0, 0.002)
}

// SentimentAnalysisV2 is the quantized variant: cheaper per call, slightly
// less confident.
type SentimentAnalysisV2 struct {
	lexiconPredictor
}

func NewSentimentAnalysisV2(log logging.Logger) *SentimentAnalysisV2 {
	return &SentimentAnalysisV2{lexiconPredictor{log: log}}
}

func (p *SentimentAnalysisV2) PredictionType() string { return PredictionTypeSentiment }
func (p *SentimentAnalysisV2) PredictorVersion() int  { return 2 }
func (p *SentimentAnalysisV2) Description() string {
	return "Multilingual sentiment classifier, 8-bit quantized"
}

func (p *SentimentAnalysisV2) Download(ctx context.Context) (string, error) {
	if err := simulateContext(ctx); err != nil {
		return "", err
	}
	p.log.InfoCtx(ctx, "downloading quantized sentiment analysis model", "predictor_version", 2)
	return writeArtifacts(sentimentLexicon())
}

func (p *SentimentAnalysisV2) Load(ctx context.Context, weightsPath string) error {
	p.log.InfoCtx(ctx, "loading quantized sentiment analysis model", "weights_path", weightsPath)
	return p.load(weightsPath)
}

func (p *SentimentAnalysisV2) Unload(ctx context.Context) error {
	return p.unload()
}

func (p *SentimentAnalysisV2) Forward(ctx context.Context, input string) (models.Prediction, error) {
	return p.forward(input, 0.95, 0.0008)
}
