package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Antoine-Prieur/smart-news-ml/platform/models"
	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

type fakeCapability struct {
	downloads atomic.Int64
	loads     atomic.Int64
	unloads   atomic.Int64
	forwards  atomic.Int64

	mu          sync.Mutex
	downloadErr error
	loadErr     error

	dir string
}

func (f *fakeCapability) setDownloadErr(err error) {
	f.mu.Lock()
	f.downloadErr = err
	f.mu.Unlock()
}

func (f *fakeCapability) setLoadErr(err error) {
	f.mu.Lock()
	f.loadErr = err
	f.mu.Unlock()
}

func newFakeCapability(t *testing.T) *fakeCapability {
	return &fakeCapability{dir: t.TempDir()}
}

func (f *fakeCapability) PredictionType() string { return "sentiment_analysis" }
func (f *fakeCapability) PredictorVersion() int  { return 1 }
func (f *fakeCapability) Description() string    { return "test predictor" }

func (f *fakeCapability) Download(ctx context.Context) (string, error) {
	f.downloads.Add(1)
	f.mu.Lock()
	err := f.downloadErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(f.dir, "weights.bin"), []byte("w"), 0o644); err != nil {
		return "", err
	}
	return f.dir, nil
}

func (f *fakeCapability) Load(ctx context.Context, weightsPath string) error {
	f.loads.Add(1)
	f.mu.Lock()
	err := f.loadErr
	f.mu.Unlock()
	return err
}

func (f *fakeCapability) Unload(ctx context.Context) error {
	f.unloads.Add(1)
	return nil
}

func (f *fakeCapability) Forward(ctx context.Context, input string) (models.Prediction, error) {
	f.forwards.Add(1)
	return models.Prediction{Value: "positive", Confidence: 0.9, Price: 0.002}, nil
}

type fakeRegistryOps struct {
	mu         sync.Mutex
	creates    int
	predictors map[string]models.Predictor
}

func newFakeRegistryOps() *fakeRegistryOps {
	return &fakeRegistryOps{predictors: make(map[string]models.Predictor)}
}

func regKey(predictionType string, version int) string {
	return fmt.Sprintf("%s.%d", predictionType, version)
}

func (f *fakeRegistryOps) Find(_ context.Context, predictionType string, version int) (models.Predictor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.predictors[regKey(predictionType, version)]
	if !ok {
		return models.Predictor{}, fmt.Errorf("%w: predictor %s.%d", models.ErrNotFound, predictionType, version)
	}
	return p, nil
}

func (f *fakeRegistryOps) Create(_ context.Context, predictionType, description string, version int) (models.Predictor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	p := models.Predictor{
		ID:                   primitive.NewObjectID(),
		PredictionType:       predictionType,
		PredictorVersion:     version,
		PredictorDescription: description,
	}
	f.predictors[regKey(predictionType, version)] = p
	return p, nil
}

type capturedEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *capturedEvents) Publish(_ context.Context, ev models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturedEvents) metricNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		var payload models.MetricPayload
		if err := json.Unmarshal(ev.Content, &payload); err == nil {
			out = append(out, payload.MetricName)
		}
	}
	return out
}

func newTestRuntime(t *testing.T, capability *fakeCapability, unloadTimeout time.Duration) (*Runtime, *fakeRegistryOps, *capturedEvents) {
	reg := newFakeRegistryOps()
	events := &capturedEvents{}
	deps := Deps{
		Registry: reg,
		Events:   events,
		Weights:  NewWeightsStore(t.TempDir()),
		Log:      logging.New(slog.Default()),
	}
	if unloadTimeout > 0 {
		deps.UnloadTimeout = func() time.Duration { return unloadTimeout }
	}
	return New(capability, deps), reg, events
}

func TestSetupIsIdempotentUnderConcurrency(t *testing.T) {
	capability := newFakeCapability(t)
	rt, reg, _ := newTestRuntime(t, capability, 0)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = rt.Setup(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), capability.downloads.Load())
	assert.Equal(t, 1, reg.creates)
	assert.Equal(t, StateInitialized, rt.State())
}

func TestSetupReusesExistingRowAndWeights(t *testing.T) {
	capability := newFakeCapability(t)
	rt, reg, _ := newTestRuntime(t, capability, 0)

	require.NoError(t, rt.Setup(context.Background()))

	// A second runtime over the same registry and weights store finds
	// everything in place and downloads nothing.
	capability2 := newFakeCapability(t)
	rt2 := New(capability2, Deps{
		Registry: reg,
		Events:   &capturedEvents{},
		Weights:  rt.deps.Weights,
		Log:      logging.New(slog.Default()),
	})
	require.NoError(t, rt2.Setup(context.Background()))
	assert.Equal(t, int64(0), capability2.downloads.Load())
}

func TestSetupDownloadFailureSurfacesAndRecovers(t *testing.T) {
	capability := newFakeCapability(t)
	rt, _, events := newTestRuntime(t, capability, 0)

	boom := errors.New("network down")
	capability.setDownloadErr(boom)
	err := rt.Setup(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, events.metricNames(), models.MetricPredictorLoadingError)

	capability.setDownloadErr(nil)
	require.NoError(t, rt.Setup(context.Background()))

	_, err = rt.Forward(context.Background(), "great news")
	require.NoError(t, err)
	assert.Contains(t, events.metricNames(), models.MetricPredictorLoadingLatency)
}

func TestForwardLoadsOnceUnderConcurrency(t *testing.T) {
	capability := newFakeCapability(t)
	rt, _, _ := newTestRuntime(t, capability, 0)
	require.NoError(t, rt.Setup(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rt.Forward(context.Background(), "text")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), capability.loads.Load())
	assert.Equal(t, int64(16), capability.forwards.Load())
	assert.Equal(t, StateLoaded, rt.State())
}

func TestForwardEmitsLatencyAndPrice(t *testing.T) {
	capability := newFakeCapability(t)
	rt, _, events := newTestRuntime(t, capability, 0)
	require.NoError(t, rt.Setup(context.Background()))

	_, err := rt.Forward(context.Background(), "text")
	require.NoError(t, err)

	names := events.metricNames()
	assert.Contains(t, names, models.MetricPredictorLatency)
	assert.Contains(t, names, models.MetricPredictorPrice)
	assert.Contains(t, names, models.MetricPredictorLoadingLatency)
}

func TestIdleUnloadReturnsToInitialized(t *testing.T) {
	capability := newFakeCapability(t)
	rt, _, _ := newTestRuntime(t, capability, 50*time.Millisecond)
	require.NoError(t, rt.Setup(context.Background()))

	_, err := rt.Forward(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, rt.State())

	require.Eventually(t, func() bool {
		return rt.State() == StateInitialized
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), capability.unloads.Load())

	// The next forward loads again.
	_, err = rt.Forward(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, int64(2), capability.loads.Load())
}

func TestForwardKeepsModelLoadedWhileActive(t *testing.T) {
	capability := newFakeCapability(t)
	rt, _, _ := newTestRuntime(t, capability, 80*time.Millisecond)
	require.NoError(t, rt.Setup(context.Background()))

	// Keep forwarding under the idle window; the timer must keep
	// re-arming and never fire.
	for i := 0; i < 5; i++ {
		_, err := rt.Forward(context.Background(), "text")
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
	}
	assert.Equal(t, StateLoaded, rt.State())
	assert.Equal(t, int64(0), capability.unloads.Load())
}

func TestLoadFailureEmitsErrorMetricAndRetries(t *testing.T) {
	capability := newFakeCapability(t)
	rt, _, events := newTestRuntime(t, capability, 0)
	require.NoError(t, rt.Setup(context.Background()))

	capability.setLoadErr(errors.New("corrupt weights"))
	_, err := rt.Forward(context.Background(), "text")
	require.ErrorIs(t, err, models.ErrLoadFailed)
	assert.Contains(t, events.metricNames(), models.MetricPredictorLoadingError)

	capability.setLoadErr(nil)
	_, err = rt.Forward(context.Background(), "text")
	require.NoError(t, err)
	assert.Contains(t, events.metricNames(), models.MetricPredictorLoadingLatency)
}

func TestManualUnloadCancelsIdleTimer(t *testing.T) {
	capability := newFakeCapability(t)
	rt, _, _ := newTestRuntime(t, capability, time.Hour)
	require.NoError(t, rt.Setup(context.Background()))

	_, err := rt.Forward(context.Background(), "text")
	require.NoError(t, err)

	require.NoError(t, rt.ManualUnload(context.Background()))
	assert.Equal(t, StateInitialized, rt.State())
	assert.Equal(t, int64(1), capability.unloads.Load())

	// Unloading again is a no-op that returns no error.
	require.NoError(t, rt.ManualUnload(context.Background()))
	assert.Equal(t, int64(1), capability.unloads.Load())
}

func TestForwardBeforeSetupFails(t *testing.T) {
	capability := newFakeCapability(t)
	rt, _, _ := newTestRuntime(t, capability, 0)

	_, err := rt.Forward(context.Background(), "text")
	assert.Error(t, err)
}
