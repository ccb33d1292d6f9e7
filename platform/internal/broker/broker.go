package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
)

// ErrPopTimeout reports that a blocking pop elapsed without an entry. It is
// the consumer loop's flush signal, not a failure.
var ErrPopTimeout = errors.New("blocking pop timed out")

// Client is the list-queue broker gateway: RPUSH to publish, blocking LPOP
// to consume.
type Client struct {
	rdb *redis.Client
}

// Connect parses the broker URL and verifies reachability.
func Connect(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", models.ErrBrokerUnavailable, err)
	}
	c := &Client{rdb: redis.NewClient(opts)}
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrBrokerUnavailable, err)
	}
	return nil
}

// Push appends payload to the tail of the named queue.
func (c *Client) Push(ctx context.Context, queue string, payload []byte) error {
	if err := c.rdb.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("%w: rpush %s: %v", models.ErrBrokerUnavailable, queue, err)
	}
	return nil
}

// BlockingPop pops one entry from the head of the named queue, waiting up
// to timeout. Returns ErrPopTimeout when the queue stayed empty.
func (c *Client) BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BLPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPopTimeout
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: blpop %s: %v", models.ErrBrokerUnavailable, queue, err)
	}
	// BLPOP replies [queue, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("%w: blpop %s: unexpected reply shape", models.ErrBrokerUnavailable, queue)
	}
	return []byte(res[1]), nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }
