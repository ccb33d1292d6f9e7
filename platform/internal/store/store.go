package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

// Client is the document store gateway. It owns the mongo connection and
// exposes collection handles plus transactional blocks; repositories layer
// on top and never touch the driver client directly.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	log    logging.Logger
}

// Connect dials the store and verifies reachability with a ping.
func Connect(ctx context.Context, url, databaseName string, log logging.Logger) (*Client, error) {
	opts := options.Client().ApplyURI(url).SetServerSelectionTimeout(10 * time.Second)
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	c := &Client{client: cli, db: cli.Database(databaseName), log: log}
	if err := c.Ping(ctx); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return c, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping document store: %w", err)
	}
	return nil
}

// Collection returns a handle in the platform database.
func (c *Client) Collection(name string) *mongo.Collection { return c.db.Collection(name) }

// WithTransaction runs fn inside a session transaction. The session rides
// the context fn receives, so repository calls made with that context join
// the transaction. Nothing persists when fn returns an error.
func (c *Client) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := c.client.StartSession()
	if err != nil {
		return fmt.Errorf("%w: start session: %v", models.ErrTransactionFailed, err)
	}
	defer session.EndSession(ctx)

	var fnErr error
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		fnErr = fn(sc)
		return nil, fnErr
	})
	if err != nil {
		if fnErr != nil {
			// Domain errors surface unchanged so callers can errors.Is them.
			return fnErr
		}
		return fmt.Errorf("%w: %v", models.ErrTransactionFailed, err)
	}
	return nil
}

// Close tears down the connection pool.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
