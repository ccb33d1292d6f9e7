package predictors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

// lexiconModel is the in-memory artifact shared by the concrete predictors:
// a token-weight table plus label metadata, materialised to disk by
// Download and parsed back by Load. It stands in for the opaque neural
// inference library at the platform boundary.
type lexiconModel struct {
	Labels  []string                      `json:"labels"`
	Weights map[string]map[string]float64 `json:"weights"`
	Bias    map[string]float64            `json:"bias"`
}

const artifactFile = "model.json"

// writeArtifacts materialises the model into a fresh temp directory and
// returns its path, mirroring a model-hub download.
func writeArtifacts(model lexiconModel) (string, error) {
	dir, err := os.MkdirTemp("", "predictor-download-*")
	if err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}
	raw, err := json.Marshal(model)
	if err != nil {
		return "", fmt.Errorf("encode model artifact: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, artifactFile), raw, 0o644); err != nil {
		return "", fmt.Errorf("write model artifact: %w", err)
	}
	return dir, nil
}

// loadArtifacts parses the artifact file from a weights directory.
func loadArtifacts(weightsPath string) (lexiconModel, error) {
	raw, err := os.ReadFile(filepath.Join(weightsPath, artifactFile))
	if err != nil {
		return lexiconModel{}, fmt.Errorf("read model artifact: %w", err)
	}
	var model lexiconModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return lexiconModel{}, fmt.Errorf("decode model artifact: %w", err)
	}
	return model, nil
}

// score runs the weighted-token classification and returns the winning
// label with its confidence: the winning score's share of the sum of the
// positive scores (0.5 when no score is positive), capped at 0.99.
func (m lexiconModel) score(input string) (string, float64) {
	scores := make(map[string]float64, len(m.Labels))
	for _, label := range m.Labels {
		scores[label] = m.Bias[label]
	}
	for _, token := range strings.Fields(strings.ToLower(input)) {
		token = strings.Trim(token, ".,;:!?\"'()[]")
		for label, weights := range m.Weights {
			if w, ok := weights[token]; ok {
				scores[label] += w
			}
		}
	}

	best, bestScore := m.Labels[0], scores[m.Labels[0]]
	var total float64
	for _, label := range m.Labels {
		s := scores[label]
		if s > bestScore {
			best, bestScore = label, s
		}
		if s > 0 {
			total += s
		}
	}
	confidence := 0.5
	if total > 0 && bestScore > 0 {
		confidence = bestScore / total
	}
	if confidence > 0.99 {
		confidence = 0.99
	}
	return best, confidence
}

// lexiconPredictor carries the load/unload plumbing shared by every
// concrete predictor in this package.
type lexiconPredictor struct {
	log logging.Logger

	mu    sync.RWMutex
	model *lexiconModel
}

func (p *lexiconPredictor) load(weightsPath string) error {
	model, err := loadArtifacts(weightsPath)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.model = &model
	p.mu.Unlock()
	return nil
}

func (p *lexiconPredictor) unload() error {
	p.mu.Lock()
	p.model = nil
	p.mu.Unlock()
	return nil
}

func (p *lexiconPredictor) forward(input string, confidenceScale, price float64) (models.Prediction, error) {
	p.mu.RLock()
	model := p.model
	p.mu.RUnlock()
	if model == nil {
		return models.Prediction{}, fmt.Errorf("model not loaded")
	}
	label, confidence := model.score(input)
	return models.Prediction{
		Value:      label,
		Confidence: confidence * confidenceScale,
		Price:      price + 0.00001*float64(len(strings.Fields(input))),
	}, nil
}

// simulateContext lets long downloads honour cancellation.
func simulateContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
