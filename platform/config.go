package platform

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the public configuration surface for the Platform facade.
// Values resolve in three layers: Defaults, then an optional YAML file,
// then environment variables.
type Config struct {
	Name         string `yaml:"name"`
	LoggingLevel string `yaml:"logging_level"`

	APIPort int `yaml:"api_port"`

	MongoURL          string `yaml:"mongo_url"`
	MongoDatabaseName string `yaml:"mongo_database_name"`
	RedisURL          string `yaml:"redis_url"`

	WeightsPath string `yaml:"weights_path"`

	QueueArticles     string `yaml:"queue_articles"`
	QueueMetrics      string `yaml:"queue_metrics"`
	ArticlesBatchSize int    `yaml:"articles_batch_size"`
	MetricsBatchSize  int    `yaml:"metrics_batch_size"`

	MaxTrafficThreshold int `yaml:"max_traffic_threshold"`

	// MetricsBackend selects the telemetry provider: "prom" (default),
	// "otel" or "noop".
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsBackend string `yaml:"metrics_backend"`

	// TuningFile, when set, is hot-reloaded for the dynamic knobs
	// (idle-unload timeout, concurrent predictions, pop timeout).
	TuningFile string `yaml:"tuning_file"`
}

// Defaults returns a Config with reasonable defaults.
func Defaults() Config {
	return Config{
		Name:                "smart-news-ml",
		LoggingLevel:        "info",
		APIPort:             8001,
		MongoURL:            "mongodb://localhost:27017",
		MongoDatabaseName:   "news",
		RedisURL:            "redis://127.0.0.1:6379",
		WeightsPath:         "/app/data/weights",
		QueueArticles:       "articles",
		QueueMetrics:        "metrics",
		ArticlesBatchSize:   10,
		MetricsBatchSize:    50,
		MaxTrafficThreshold: 50,
		MetricsEnabled:      true,
		MetricsBackend:      "prom",
	}
}

// LoadFile overlays YAML settings from path onto c.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// LoadEnv overlays environment variables onto c.
func (c *Config) LoadEnv() error {
	setString(&c.LoggingLevel, "LOGGING_LEVEL")
	setString(&c.MongoURL, "MONGO_URL")
	setString(&c.MongoDatabaseName, "MONGO_DATABASE_NAME")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.WeightsPath, "WEIGHTS_PATH")
	setString(&c.QueueArticles, "QUEUE_ARTICLES")
	setString(&c.MetricsBackend, "METRICS_BACKEND")
	setString(&c.TuningFile, "TUNING_FILE")

	if err := setInt(&c.APIPort, "API_PORT"); err != nil {
		return err
	}
	if err := setInt(&c.MaxTrafficThreshold, "MAX_TRAFFIC_THRESHOLD"); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the platform cannot start with.
func (c Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("api port %d out of range", c.APIPort)
	}
	if c.MaxTrafficThreshold <= 0 || c.MaxTrafficThreshold > 100 {
		return fmt.Errorf("max traffic threshold %d out of range", c.MaxTrafficThreshold)
	}
	if c.WeightsPath == "" {
		return fmt.Errorf("weights path is required")
	}
	if c.QueueArticles == "" {
		return fmt.Errorf("articles queue name is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}
