package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8001, cfg.APIPort)
	assert.Equal(t, "articles", cfg.QueueArticles)
	assert.Equal(t, 50, cfg.MaxTrafficThreshold)
}

func TestLoadEnvOverlaysDefaults(t *testing.T) {
	t.Setenv("MONGO_URL", "mongodb://db:27017")
	t.Setenv("API_PORT", "9090")
	t.Setenv("MAX_TRAFFIC_THRESHOLD", "30")
	t.Setenv("QUEUE_ARTICLES", "crawler_articles")

	cfg := Defaults()
	require.NoError(t, cfg.LoadEnv())
	assert.Equal(t, "mongodb://db:27017", cfg.MongoURL)
	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, 30, cfg.MaxTrafficThreshold)
	assert.Equal(t, "crawler_articles", cfg.QueueArticles)
}

func TestLoadEnvRejectsBadIntegers(t *testing.T) {
	t.Setenv("API_PORT", "not-a-port")
	cfg := Defaults()
	assert.Error(t, cfg.LoadEnv())
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_port: 7000\nmongo_database_name: staging\n"), 0o644))
	t.Setenv("API_PORT", "7100")

	cfg := Defaults()
	require.NoError(t, cfg.LoadFile(path))
	assert.Equal(t, 7000, cfg.APIPort)
	require.NoError(t, cfg.LoadEnv())
	// Environment wins over the file.
	assert.Equal(t, 7100, cfg.APIPort)
	assert.Equal(t, "staging", cfg.MongoDatabaseName)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.APIPort = 0
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.MaxTrafficThreshold = 120
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.WeightsPath = ""
	assert.Error(t, cfg.Validate())
}
