package platform

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Antoine-Prieur/smart-news-ml/platform/adapters/adminhttp"
	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/articles"
	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/broker"
	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/bus"
	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/metricsink"
	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/predictors"
	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/registry"
	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/runtime"
	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/store"
	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/traffic"
	"github.com/Antoine-Prieur/smart-news-ml/platform/internal/tuning"
	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/health"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/metrics"
)

// RuntimeSnapshot is one predictor runtime's lifecycle view.
type RuntimeSnapshot struct {
	PredictionType   string `json:"prediction_type"`
	PredictorVersion int    `json:"predictor_version"`
	State            string `json:"state"`
}

// Snapshot is a unified view of platform state.
type Snapshot struct {
	StartedAt  time.Time         `json:"started_at"`
	Uptime     time.Duration     `json:"uptime"`
	BusRunning bool              `json:"bus_running"`
	Runtimes   []RuntimeSnapshot `json:"runtimes,omitempty"`
}

// Platform composes every subsystem behind a single facade. Construction
// order: settings, store, broker, tuning knobs, metrics provider, registry,
// metrics sink, traffic router, prediction store, event bus, article
// handler, runtimes, admin HTTP surface. No subsystem reaches for ambient
// singletons; everything is passed in.
type Platform struct {
	cfg Config
	log logging.Logger

	store    *store.Client
	broker   *broker.Client
	registry *registry.Registry
	sink     *metricsink.Sink
	router   *traffic.Router
	bus      *bus.Bus

	predictions     *articles.PredictionStore
	articlesHandler *articles.Handler
	runtimes        []*runtime.Runtime

	tuning     *tuning.Manager
	provider   metrics.Provider
	healthEval *health.Evaluator

	httpServer *http.Server
	started    atomic.Bool
	startedAt  time.Time

	watchCancel context.CancelFunc
}

// New dials the external stores and wires every subsystem. Nothing consumes
// events until Start.
func New(ctx context.Context, cfg Config, log logging.Logger) (*Platform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Connect(ctx, cfg.MongoURL, cfg.MongoDatabaseName, log)
	if err != nil {
		return nil, err
	}
	br, err := broker.Connect(ctx, cfg.RedisURL)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	tun, err := tuning.NewManager(cfg.TuningFile, log)
	if err != nil {
		_ = st.Close(ctx)
		_ = br.Close()
		return nil, err
	}

	p := &Platform{cfg: cfg, log: log, store: st, broker: br, tuning: tun}
	p.provider = selectMetricsProvider(cfg)

	p.registry = registry.New(st)
	p.sink = metricsink.New(st)
	p.router = traffic.NewRouter(p.registry, p.sink, st, log, cfg.MaxTrafficThreshold)
	p.predictions = articles.NewPredictionStore(st)

	p.bus = bus.New(br, log, p.provider, bus.Options{
		PopTimeout: time.Duration(tun.Current().PopTimeoutMillis) * time.Millisecond,
	})
	p.bus.RegisterQueue(cfg.QueueArticles, cfg.ArticlesBatchSize)
	p.bus.RegisterQueue(cfg.QueueMetrics, cfg.MetricsBatchSize)

	weights := runtime.NewWeightsStore(cfg.WeightsPath)
	deps := runtime.Deps{
		Registry:      p.registry,
		Events:        p.bus,
		Weights:       weights,
		Log:           log,
		Provider:      p.provider,
		UnloadTimeout: tun.UnloadTimeout,
	}
	capabilities := []runtime.Capability{
		predictors.NewSentimentAnalysisV1(log),
		predictors.NewSentimentAnalysisV2(log),
		predictors.NewNewsClassificationV2(log),
	}
	p.articlesHandler = articles.NewHandler(p.registry, p.predictions, log, tun.ConcurrentPredictions)
	for _, capability := range capabilities {
		rt := runtime.New(capability, deps)
		p.runtimes = append(p.runtimes, rt)
		p.articlesHandler.RegisterRuntime(capability.PredictionType(), capability.PredictorVersion(), rt)
	}

	if err := p.bus.Subscribe(cfg.QueueArticles, p.articlesHandler); err != nil {
		return nil, err
	}
	if err := p.bus.Subscribe(cfg.QueueMetrics, metricsink.NewHandler(p.sink, log)); err != nil {
		return nil, err
	}

	p.healthEval = health.NewEvaluator(5*time.Second, p.healthProbes()...)

	var metricsHandler http.Handler
	if hp, ok := p.provider.(interface{ MetricsHandler() http.Handler }); ok {
		metricsHandler = hp.MetricsHandler()
	}
	mux := adminhttp.NewMux(adminhttp.Options{
		Traffic:        p.router,
		Health:         p.healthEval,
		Log:            log,
		MetricsHandler: metricsHandler,
	})
	p.httpServer = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.APIPort)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p, nil
}

// selectMetricsProvider picks the telemetry backend from config.
func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: cfg.Name})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

func (p *Platform) healthProbes() []health.Probe {
	storeProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if err := p.store.Ping(ctx); err != nil {
			return health.Unhealthy("store", err.Error())
		}
		return health.Healthy("store")
	})
	brokerProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if err := p.broker.Ping(ctx); err != nil {
			return health.Unhealthy("broker", err.Error())
		}
		return health.Healthy("broker")
	})
	busProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if !p.bus.Running() {
			return health.Degraded("event_bus", "consumers not running")
		}
		return health.Healthy("event_bus")
	})
	return []health.Probe{storeProbe, brokerProbe, busProbe}
}

// Start creates indexes, sets up every predictor runtime, starts the event
// bus consumers and the admin HTTP server. A failure before the admin
// server starts is returned; admin server listen errors are only logged.
func (p *Platform) Start(ctx context.Context) error {
	if p.started.Load() {
		return nil
	}

	if err := p.registry.Setup(ctx); err != nil {
		return err
	}
	if err := p.predictions.Setup(ctx); err != nil {
		return err
	}

	for _, rt := range p.runtimes {
		if err := rt.Setup(ctx); err != nil {
			return fmt.Errorf("setup runtime %s.%d: %w", rt.PredictionType(), rt.PredictorVersion(), err)
		}
	}

	if p.cfg.TuningFile != "" {
		watchCtx, cancel := context.WithCancel(context.Background())
		if err := p.tuning.Watch(watchCtx, p.cfg.TuningFile); err != nil {
			cancel()
			return err
		}
		p.watchCancel = cancel
	}

	if err := p.bus.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := p.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.log.ErrorCtx(context.Background(), "admin http server failed", "error", err)
		}
	}()

	p.startedAt = time.Now()
	p.started.Store(true)
	p.log.InfoCtx(ctx, "platform started",
		"api_port", p.cfg.APIPort,
		"queues", []string{p.cfg.QueueArticles, p.cfg.QueueMetrics},
		"runtimes", len(p.runtimes))
	return nil
}

// Stop shuts everything down in reverse order: HTTP surface, bus
// consumers, runtime unloads, then the store and broker connections.
// Idempotent.
func (p *Platform) Stop(ctx context.Context) error {
	if !p.started.CompareAndSwap(true, false) {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = p.httpServer.Shutdown(shutdownCtx)

	p.bus.Stop()

	if p.watchCancel != nil {
		p.watchCancel()
	}

	for _, rt := range p.runtimes {
		if err := rt.ManualUnload(ctx); err != nil {
			p.log.ErrorCtx(ctx, "unload runtime failed",
				"prediction_type", rt.PredictionType(),
				"predictor_version", rt.PredictorVersion(),
				"error", err)
		}
	}

	_ = p.broker.Close()
	if err := p.store.Close(ctx); err != nil {
		return err
	}
	p.log.InfoCtx(ctx, "platform stopped")
	return nil
}

// Snapshot returns a unified state view.
func (p *Platform) Snapshot() Snapshot {
	snap := Snapshot{StartedAt: p.startedAt, BusRunning: p.bus.Running()}
	if !p.startedAt.IsZero() {
		snap.Uptime = time.Since(p.startedAt)
	}
	for _, rt := range p.runtimes {
		snap.Runtimes = append(snap.Runtimes, RuntimeSnapshot{
			PredictionType:   rt.PredictionType(),
			PredictorVersion: rt.PredictorVersion(),
			State:            string(rt.State()),
		})
	}
	return snap
}

// Router exposes the traffic router for embedding callers.
func (p *Platform) Router() *traffic.Router { return p.router }

// Bus exposes the event bus, e.g. for publishing test events.
func (p *Platform) Bus() *bus.Bus { return p.bus }

// HealthSnapshot evaluates (or returns cached) subsystem health.
func (p *Platform) HealthSnapshot(ctx context.Context) health.Snapshot {
	return p.healthEval.Evaluate(ctx)
}

// PublishMetric pushes an ad-hoc metric event onto the bus.
func (p *Platform) PublishMetric(ctx context.Context, name string, value float64, tags map[string]string) error {
	ev, err := models.NewMetricEvent(name, value, tags)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, ev)
}
