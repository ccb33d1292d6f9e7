package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/broker"
	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/metrics"
)

const (
	defaultPopTimeout   = 100 * time.Millisecond
	defaultRetryBackoff = time.Second
)

// Broker is the list-queue slice the bus consumes. The redis gateway
// satisfies it; tests use an in-memory fake.
type Broker interface {
	Ping(ctx context.Context) error
	Push(ctx context.Context, queue string, payload []byte) error
	BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
}

// Handler consumes batches of events of the types it declares.
type Handler interface {
	EventTypes() []models.EventType
	Handle(ctx context.Context, events []models.Event) error
}

// Options tunes consumer behavior. Zero values fall back to defaults.
type Options struct {
	PopTimeout   time.Duration
	RetryBackoff time.Duration
}

// Bus routes typed events across named broker queues with at-least-once
// delivery up to the pop. Each event type binds to exactly one queue; each
// queue runs one consumer goroutine that accumulates batches and fans them
// out to subscribing handlers.
type Bus struct {
	broker   Broker
	log      logging.Logger
	provider metrics.Provider

	popTimeout   time.Duration
	retryBackoff time.Duration

	mu          sync.Mutex
	queues      map[string]int
	bindings    map[models.EventType]string
	subscribers map[string][]Handler
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	published     metrics.Counter
	consumed      metrics.Counter
	dropped       metrics.Counter
	handlerErrors metrics.Counter
}

func New(b Broker, log logging.Logger, provider metrics.Provider, opts Options) *Bus {
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = defaultPopTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	bus := &Bus{
		broker:       b,
		log:          log,
		provider:     provider,
		popTimeout:   opts.PopTimeout,
		retryBackoff: opts.RetryBackoff,
		queues:       make(map[string]int),
		bindings:     make(map[models.EventType]string),
		subscribers:  make(map[string][]Handler),
	}
	if provider != nil {
		bus.published = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "smartnews", Subsystem: "bus", Name: "published_total",
			Help: "Events published to the broker", Labels: []string{"queue"},
		}})
		bus.consumed = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "smartnews", Subsystem: "bus", Name: "consumed_total",
			Help: "Events popped and delivered to handlers", Labels: []string{"queue"},
		}})
		bus.dropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "smartnews", Subsystem: "bus", Name: "dropped_total",
			Help: "Events dropped (malformed or lost on shutdown)", Labels: []string{"queue"},
		}})
		bus.handlerErrors = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "smartnews", Subsystem: "bus", Name: "handler_errors_total",
			Help: "Handler invocations that returned an error or panicked", Labels: []string{"queue"},
		}})
	}
	return bus
}

// RegisterQueue declares a named queue with its batch size. Idempotent:
// re-registering an existing queue is a no-op.
func (b *Bus) RegisterQueue(name string, batchSize int) {
	if batchSize <= 0 {
		batchSize = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; ok {
		return
	}
	b.queues[name] = batchSize
}

// Subscribe attaches a handler to a queue and installs the event-type
// bindings it declares. An event type already bound to a different queue is
// a configuration error.
func (b *Bus) Subscribe(queueName string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("subscribe: queue %s not registered", queueName)
	}
	for _, et := range h.EventTypes() {
		if bound, ok := b.bindings[et]; ok && bound != queueName {
			return fmt.Errorf("%w: %s is bound to %s, cannot bind to %s",
				models.ErrQueueBindingConflict, et, bound, queueName)
		}
	}
	for _, et := range h.EventTypes() {
		b.bindings[et] = queueName
	}
	b.subscribers[queueName] = append(b.subscribers[queueName], h)
	return nil
}

// Publish serialises the event and right-pushes it onto its bound queue.
func (b *Bus) Publish(ctx context.Context, ev models.Event) error {
	b.mu.Lock()
	queue, ok := b.bindings[ev.EventType]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("publish: no queue bound for event type %s", ev.EventType)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.EventType, err)
	}
	if err := b.broker.Push(ctx, queue, payload); err != nil {
		return err
	}
	if b.published != nil {
		b.published.Inc(1, queue)
	}
	return nil
}

// Start verifies broker reachability and spawns one consumer per registered
// queue. Broker unavailability here is fatal.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.broker.Ping(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	consumerCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.running = true

	for name, batchSize := range b.queues {
		b.wg.Add(1)
		go func(queue string, batchSize int) {
			defer b.wg.Done()
			b.consumeLoop(consumerCtx, queue, batchSize)
		}(name, batchSize)
	}
	return nil
}

// Stop cancels every consumer and waits for them to exit. In-flight handler
// invocations complete; events popped but not yet delivered are lost.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
}

// Running reports whether consumers are active.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bus) consumeLoop(ctx context.Context, queue string, batchSize int) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch := b.accumulate(ctx, queue, batchSize)
		if ctx.Err() != nil {
			if n := len(batch); n > 0 {
				b.log.WarnCtx(ctx, "dropping events popped during shutdown", "queue", queue, "count", n)
				if b.dropped != nil {
					b.dropped.Inc(float64(n), queue)
				}
			}
			return
		}
		if len(batch) == 0 {
			continue
		}
		b.dispatch(ctx, queue, batch)
	}
}

// accumulate gathers up to batchSize payloads. A pop timeout with a
// non-empty accumulator flushes the batch; with an empty one it keeps
// waiting.
func (b *Bus) accumulate(ctx context.Context, queue string, batchSize int) [][]byte {
	var batch [][]byte
	for len(batch) < batchSize {
		payload, err := b.broker.BlockingPop(ctx, queue, b.popTimeout)
		switch {
		case err == nil:
			batch = append(batch, payload)
		case errors.Is(err, broker.ErrPopTimeout):
			if len(batch) > 0 {
				return batch
			}
		case ctx.Err() != nil:
			return batch
		default:
			b.log.ErrorCtx(ctx, "broker pop failed, backing off", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return batch
			case <-time.After(b.retryBackoff):
			}
		}
	}
	return batch
}

func (b *Bus) dispatch(ctx context.Context, queue string, batch [][]byte) {
	groups := make(map[models.EventType][]models.Event)
	order := make([]models.EventType, 0, 2)
	for _, payload := range batch {
		var ev models.Event
		if err := json.Unmarshal(payload, &ev); err != nil || ev.EventType == "" {
			b.log.ErrorCtx(ctx, "dropping malformed event", "queue", queue, "error", err)
			if b.dropped != nil {
				b.dropped.Inc(1, queue)
			}
			continue
		}
		if _, ok := groups[ev.EventType]; !ok {
			order = append(order, ev.EventType)
		}
		groups[ev.EventType] = append(groups[ev.EventType], ev)
	}

	b.mu.Lock()
	handlers := append([]Handler(nil), b.subscribers[queue]...)
	b.mu.Unlock()

	// Handlers run to completion even when Stop cancels the consumer mid
	// batch; only undelivered events are lost.
	hctx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, et := range order {
		events := groups[et]
		for _, h := range handlers {
			if !accepts(h, et) {
				continue
			}
			wg.Add(1)
			go func(h Handler, events []models.Event) {
				defer wg.Done()
				defer func() {
					if rec := recover(); rec != nil {
						b.log.ErrorCtx(ctx, "handler panicked", "queue", queue, "panic", rec)
						if b.handlerErrors != nil {
							b.handlerErrors.Inc(1, queue)
						}
					}
				}()
				if err := h.Handle(hctx, events); err != nil {
					b.log.ErrorCtx(ctx, "handler failed", "queue", queue,
						"event_type", string(events[0].EventType), "error", err)
					if b.handlerErrors != nil {
						b.handlerErrors.Inc(1, queue)
					}
				}
			}(h, events)
		}
		if b.consumed != nil {
			b.consumed.Inc(float64(len(events)), queue)
		}
	}
	wg.Wait()
}

func accepts(h Handler, et models.EventType) bool {
	for _, t := range h.EventTypes() {
		if t == et {
			return true
		}
	}
	return false
}
