package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/metrics"
)

// DefaultUnloadTimeout is the idle window after the last forward before a
// loaded model is released.
const DefaultUnloadTimeout = 300 * time.Second

// Capability is the concrete predictor contract: a value that knows how to
// obtain, load, release and run one model version.
type Capability interface {
	PredictionType() string
	PredictorVersion() int
	Description() string
	Download(ctx context.Context) (string, error)
	Load(ctx context.Context, weightsPath string) error
	Unload(ctx context.Context) error
	Forward(ctx context.Context, input string) (models.Prediction, error)
}

// RegistryOps is the registry slice the runtime needs during setup.
type RegistryOps interface {
	Find(ctx context.Context, predictionType string, predictorVersion int) (models.Predictor, error)
	Create(ctx context.Context, predictionType, description string, predictorVersion int) (models.Predictor, error)
}

// Publisher pushes metric events onto the event bus.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// State is the runtime lifecycle phase.
type State string

const (
	StateFresh       State = "fresh"
	StateInitialized State = "initialized"
	StateLoaded      State = "loaded"
)

// Deps wires a Runtime's collaborators.
type Deps struct {
	Registry RegistryOps
	Events   Publisher
	Weights  *WeightsStore
	Log      logging.Logger
	Provider metrics.Provider

	// UnloadTimeout returns the current idle-unload window; consulted on
	// every forward so tuning changes apply without restarts. Nil means
	// DefaultUnloadTimeout.
	UnloadTimeout func() time.Duration
}

// Runtime wraps a Capability with the lifecycle state machine, its locks,
// the idle-unload timer and metric instrumentation.
//
// Locking discipline: setup is serialised by initMu; load and unload take
// loadMu as writers; Forward holds loadMu as a reader across the inference
// call, so the idle-unload timer (a writer) can never release the model
// under an in-flight forward.
type Runtime struct {
	capability Capability
	deps       Deps

	initMu      sync.Mutex
	initialized bool
	predictor   models.Predictor

	loadMu sync.RWMutex
	loaded bool

	timerMu   sync.Mutex
	idleTimer *time.Timer

	latencyHist metrics.Histogram
	errorCount  metrics.Counter
}

// New builds a Runtime around a capability. The runtime starts FRESH; call
// Setup before anything else.
func New(capability Capability, deps Deps) *Runtime {
	if deps.UnloadTimeout == nil {
		deps.UnloadTimeout = func() time.Duration { return DefaultUnloadTimeout }
	}
	r := &Runtime{capability: capability, deps: deps}
	if deps.Provider != nil {
		r.latencyHist = deps.Provider.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "smartnews", Subsystem: "predictor", Name: "latency_seconds",
			Help:   "Inference latency per predictor",
			Labels: []string{"prediction_type", "predictor_version"},
		}})
		r.errorCount = deps.Provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "smartnews", Subsystem: "predictor", Name: "errors_total",
			Help:   "Inference and lifecycle errors per predictor",
			Labels: []string{"prediction_type", "predictor_version"},
		}})
	}
	return r
}

func (r *Runtime) PredictionType() string { return r.capability.PredictionType() }
func (r *Runtime) PredictorVersion() int  { return r.capability.PredictorVersion() }

// Predictor returns the persisted row backing this runtime. Zero value
// before Setup.
func (r *Runtime) Predictor() models.Predictor {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	return r.predictor
}

// State reports the current lifecycle phase.
func (r *Runtime) State() State {
	r.initMu.Lock()
	initialized := r.initialized
	r.initMu.Unlock()
	if !initialized {
		return StateFresh
	}
	r.loadMu.RLock()
	defer r.loadMu.RUnlock()
	if r.loaded {
		return StateLoaded
	}
	return StateInitialized
}

// Setup makes the runtime INITIALIZED: the registry row exists and the
// artifact directory is in place. Idempotent; concurrent callers observe
// at most one download and at most one registry insert.
func (r *Runtime) Setup(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.initialized {
		return nil
	}

	predictionType := r.capability.PredictionType()
	version := r.capability.PredictorVersion()
	log := r.deps.Log.With("prediction_type", predictionType, "predictor_version", version)
	log.InfoCtx(ctx, "initializing predictor runtime")

	predictor, err := r.deps.Registry.Find(ctx, predictionType, version)
	switch {
	case err == nil:
		if !r.deps.Weights.Exists(predictor.ID) {
			log.InfoCtx(ctx, "predictor row found but weights missing, re-downloading")
			srcDir, err := r.capability.Download(ctx)
			if err != nil {
				r.emit(ctx, models.MetricPredictorLoadingError, 1)
				return fmt.Errorf("download predictor %s.%d: %w", predictionType, version, err)
			}
			if err := r.deps.Weights.Install(predictor.ID, srcDir); err != nil {
				r.emit(ctx, models.MetricPredictorLoadingError, 1)
				return err
			}
		}
	case errors.Is(err, models.ErrNotFound):
		log.InfoCtx(ctx, "predictor not found, registering new one")
		srcDir, err := r.capability.Download(ctx)
		if err != nil {
			r.emit(ctx, models.MetricPredictorLoadingError, 1)
			return fmt.Errorf("download predictor %s.%d: %w", predictionType, version, err)
		}
		predictor, err = r.deps.Registry.Create(ctx, predictionType, r.capability.Description(), version)
		if err != nil {
			return err
		}
		if err := r.deps.Weights.Install(predictor.ID, srcDir); err != nil {
			r.emit(ctx, models.MetricPredictorLoadingError, 1)
			return err
		}
	default:
		return err
	}

	r.predictor = predictor
	r.initialized = true
	return nil
}

// Load brings the model into memory. Requires Setup; asserts the artifact
// directory still exists.
func (r *Runtime) Load(ctx context.Context) error {
	predictor, err := r.requireInitialized()
	if err != nil {
		return err
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.loaded {
		r.deps.Log.WarnCtx(ctx, "predictor already loaded",
			"prediction_type", predictor.PredictionType, "predictor_version", predictor.PredictorVersion)
		return nil
	}

	path := r.deps.Weights.Path(predictor.ID)
	if !r.deps.Weights.Exists(predictor.ID) {
		r.emit(ctx, models.MetricPredictorLoadingError, 1)
		return fmt.Errorf("%w: weights directory %s does not exist", models.ErrLoadFailed, path)
	}

	start := time.Now()
	if err := r.capability.Load(ctx, path); err != nil {
		r.emit(ctx, models.MetricPredictorLoadingError, 1)
		r.countError()
		return fmt.Errorf("%w: %s.%d: %v", models.ErrLoadFailed,
			predictor.PredictionType, predictor.PredictorVersion, err)
	}
	r.emit(ctx, models.MetricPredictorLoadingLatency, time.Since(start).Seconds())
	r.loaded = true
	return nil
}

// Unload releases model memory. Unloading an unloaded runtime is a warning,
// not an error.
func (r *Runtime) Unload(ctx context.Context) error {
	predictor, err := r.requireInitialized()
	if err != nil {
		return err
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if !r.loaded {
		r.deps.Log.WarnCtx(ctx, "predictor already unloaded",
			"prediction_type", predictor.PredictionType, "predictor_version", predictor.PredictorVersion)
		return nil
	}

	start := time.Now()
	if err := r.capability.Unload(ctx); err != nil {
		r.emit(ctx, models.MetricPredictorUnloadingError, 1)
		r.countError()
		return fmt.Errorf("%w: %s.%d: %v", models.ErrUnloadFailed,
			predictor.PredictionType, predictor.PredictorVersion, err)
	}
	r.emit(ctx, models.MetricPredictorUnloadingLatency, time.Since(start).Seconds())
	r.loaded = false
	return nil
}

// Forward runs one inference, loading the model on demand, and resets the
// idle-unload timer on success.
func (r *Runtime) Forward(ctx context.Context, input string) (models.Prediction, error) {
	if _, err := r.requireInitialized(); err != nil {
		return models.Prediction{}, err
	}

	for {
		r.loadMu.RLock()
		if r.loaded {
			break
		}
		r.loadMu.RUnlock()
		if err := r.Load(ctx); err != nil {
			return models.Prediction{}, err
		}
	}
	defer r.loadMu.RUnlock()

	start := time.Now()
	prediction, err := r.capability.Forward(ctx, input)
	if err != nil {
		r.emit(ctx, models.MetricPredictorError, 1)
		r.countError()
		return models.Prediction{}, fmt.Errorf("%w: %s.%d: %v", models.ErrInferenceFailed,
			r.capability.PredictionType(), r.capability.PredictorVersion(), err)
	}

	elapsed := time.Since(start).Seconds()
	r.emit(ctx, models.MetricPredictorLatency, elapsed)
	r.emit(ctx, models.MetricPredictorPrice, prediction.Price)
	if r.latencyHist != nil {
		r.latencyHist.Observe(elapsed, r.capability.PredictionType(), versionLabel(r.capability.PredictorVersion()))
	}

	r.scheduleIdleUnload()
	return prediction, nil
}

// ManualUnload cancels any pending idle unload and releases the model
// synchronously. Used on shutdown.
func (r *Runtime) ManualUnload(ctx context.Context) error {
	r.timerMu.Lock()
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
	r.timerMu.Unlock()

	r.initMu.Lock()
	initialized := r.initialized
	r.initMu.Unlock()
	if !initialized {
		return nil
	}
	return r.Unload(ctx)
}

// scheduleIdleUnload arms (or re-arms) the idle timer. Cancelling a pending
// timer is silent.
func (r *Runtime) scheduleIdleUnload() {
	timeout := r.deps.UnloadTimeout()
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleTimer = time.AfterFunc(timeout, r.idleUnload)
}

func (r *Runtime) idleUnload() {
	ctx := context.Background()
	r.loadMu.RLock()
	loaded := r.loaded
	r.loadMu.RUnlock()
	if !loaded {
		return
	}
	r.deps.Log.InfoCtx(ctx, "idle timeout reached, unloading predictor",
		"prediction_type", r.capability.PredictionType(),
		"predictor_version", r.capability.PredictorVersion())
	if err := r.Unload(ctx); err != nil {
		r.deps.Log.ErrorCtx(ctx, "idle unload failed", "error", err)
	}
}

func (r *Runtime) requireInitialized() (models.Predictor, error) {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if !r.initialized {
		return models.Predictor{}, fmt.Errorf("runtime %s.%d not initialized, call Setup first",
			r.capability.PredictionType(), r.capability.PredictorVersion())
	}
	return r.predictor, nil
}

func (r *Runtime) emit(ctx context.Context, name string, value float64) {
	ev, err := models.NewMetricEvent(name, value,
		models.PredictorTags(r.capability.PredictionType(), r.capability.PredictorVersion()))
	if err != nil {
		r.deps.Log.ErrorCtx(ctx, "encode metric event", "metric_name", name, "error", err)
		return
	}
	if err := r.deps.Events.Publish(ctx, ev); err != nil {
		r.deps.Log.ErrorCtx(ctx, "publish metric event", "metric_name", name, "error", err)
	}
}

func (r *Runtime) countError() {
	if r.errorCount != nil {
		r.errorCount.Inc(1, r.capability.PredictionType(), versionLabel(r.capability.PredictorVersion()))
	}
}

func versionLabel(v int) string { return strconv.Itoa(v) }
