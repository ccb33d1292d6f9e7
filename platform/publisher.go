package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/broker"
	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
)

// ArticlePublisher is a lightweight producer-side handle on the articles
// queue, for tooling that feeds the platform without running it (the
// crawler replay command).
type ArticlePublisher struct {
	broker *broker.Client
	queue  string
}

// NewArticlePublisher dials the broker only.
func NewArticlePublisher(ctx context.Context, cfg Config) (*ArticlePublisher, error) {
	br, err := broker.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return &ArticlePublisher{broker: br, queue: cfg.QueueArticles}, nil
}

// Publish wraps one article payload in an event envelope and enqueues it.
func (p *ArticlePublisher) Publish(ctx context.Context, article models.ArticlePayload) error {
	ev, err := models.NewEvent(models.ArticlesEvent, article)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode article event: %w", err)
	}
	return p.broker.Push(ctx, p.queue, payload)
}

func (p *ArticlePublisher) Close() error { return p.broker.Close() }
