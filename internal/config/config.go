// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Output backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// MinLayerDelaySeconds is the smallest allowed pause between top-level layers.
const MinLayerDelaySeconds = 2

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	ArcGIS   ArcGISConfig   `mapstructure:"arcgis"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Output   OutputConfig   `mapstructure:"output"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Export   ExportConfig   `mapstructure:"export"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ArcGISConfig points at the portal and the webmap to harvest.
type ArcGISConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	WebmapID string `mapstructure:"webmap_id"`
}

// HTTPConfig configures the upstream client and its retry behavior.
type HTTPConfig struct {
	UserAgent              string `mapstructure:"user_agent"`
	MetadataTimeoutSeconds int    `mapstructure:"metadata_timeout_seconds"`
	QueryTimeoutSeconds    int    `mapstructure:"query_timeout_seconds"`
	MaxAttempts            int    `mapstructure:"max_attempts"`
	BackoffInitialMs       int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs           int    `mapstructure:"backoff_max_ms"`
}

// FetchConfig governs feature queries and container fan-out.
type FetchConfig struct {
	MaxRecordCount      int  `mapstructure:"max_record_count"`
	Paginate            bool `mapstructure:"paginate"`
	MaxPages            int  `mapstructure:"max_pages"`
	SublayerConcurrency int  `mapstructure:"sublayer_concurrency"`
	MetadataCacheSize   int  `mapstructure:"metadata_cache_size"`
}

// PipelineConfig controls the sequential layer loop.
type PipelineConfig struct {
	LayerDelaySeconds int `mapstructure:"layer_delay_seconds"`
}

// OutputConfig selects where layer files are written.
type OutputConfig struct {
	Backend             string `mapstructure:"backend"`
	Dir                 string `mapstructure:"dir"`
	GCSBucket           string `mapstructure:"gcs_bucket"`
	Prefix              string `mapstructure:"prefix"`
	NormalizeProperties bool   `mapstructure:"normalize_properties"`
}

// DBConfig controls the optional layer-result ledger.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for layer notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ExportConfig controls monitoring of asset export jobs.
type ExportConfig struct {
	AssetID             string `mapstructure:"asset_id"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
}

// ServerConfig controls the ops HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("arcgis.base_url", "https://www.arcgis.com")
	v.SetDefault("arcgis.webmap_id", "")
	v.SetDefault("http.user_agent", "webmap-harvester/0.1")
	v.SetDefault("http.metadata_timeout_seconds", 30)
	v.SetDefault("http.query_timeout_seconds", 60)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 4000)
	v.SetDefault("fetch.max_record_count", 2000)
	v.SetDefault("fetch.paginate", false)
	v.SetDefault("fetch.max_pages", 50)
	v.SetDefault("fetch.sublayer_concurrency", 4)
	v.SetDefault("fetch.metadata_cache_size", 128)
	v.SetDefault("pipeline.layer_delay_seconds", MinLayerDelaySeconds)
	v.SetDefault("output.backend", BackendLocal)
	v.SetDefault("output.dir", "data/layers")
	v.SetDefault("output.gcs_bucket", "")
	v.SetDefault("output.prefix", "")
	v.SetDefault("output.normalize_properties", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "layer_results")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("export.asset_id", "")
	v.SetDefault("export.poll_interval_seconds", 10)
	v.SetDefault("export.timeout_seconds", 600)
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ArcGIS.BaseURL) == "" {
		return fmt.Errorf("arcgis.base_url is required")
	}
	if c.HTTP.MetadataTimeoutSeconds <= 0 {
		return fmt.Errorf("http.metadata_timeout_seconds must be > 0")
	}
	if c.HTTP.QueryTimeoutSeconds <= 0 {
		return fmt.Errorf("http.query_timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts < 1 || c.HTTP.MaxAttempts > 3 {
		return fmt.Errorf("http.max_attempts must be between 1 and 3")
	}
	if c.HTTP.BackoffInitialMs <= 0 {
		return fmt.Errorf("http.backoff_initial_ms must be > 0")
	}
	if c.Fetch.MaxRecordCount <= 0 {
		return fmt.Errorf("fetch.max_record_count must be > 0")
	}
	if c.Fetch.Paginate && c.Fetch.MaxPages <= 0 {
		return fmt.Errorf("fetch.max_pages must be > 0 when pagination is enabled")
	}
	if c.Fetch.SublayerConcurrency <= 0 {
		return fmt.Errorf("fetch.sublayer_concurrency must be > 0")
	}
	if c.Pipeline.LayerDelaySeconds < MinLayerDelaySeconds {
		return fmt.Errorf("pipeline.layer_delay_seconds must be >= %d", MinLayerDelaySeconds)
	}
	switch c.Output.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.Output.Dir) == "" {
			return fmt.Errorf("output.dir is required for the local backend")
		}
	case BackendGCS:
		if strings.TrimSpace(c.Output.GCSBucket) == "" {
			return fmt.Errorf("output.gcs_bucket is required for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("output.backend must be one of local, gcs, memory (got %q)", c.Output.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Export.AssetID != "" && (c.Export.PollIntervalSeconds <= 0 || c.Export.TimeoutSeconds <= 0) {
		return fmt.Errorf("export.poll_interval_seconds and export.timeout_seconds must be > 0")
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	return nil
}

// BackoffInitial returns the first retry delay.
func (c HTTPConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay cap.
func (c HTTPConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// MetadataTimeout bounds webmap and service metadata requests.
func (c HTTPConfig) MetadataTimeout() time.Duration {
	return time.Duration(c.MetadataTimeoutSeconds) * time.Second
}

// QueryTimeout bounds feature queries.
func (c HTTPConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// LayerDelay is the pause between top-level layers.
func (c PipelineConfig) LayerDelay() time.Duration {
	return time.Duration(c.LayerDelaySeconds) * time.Second
}

// PollInterval is the wait between export status checks.
func (c ExportConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Timeout bounds export monitoring.
func (c ExportConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
