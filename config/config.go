package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/eddielth/risk-stream/logger"
)

// EnvPrefix prefixes environment overrides, e.g. RISKSTREAM_MQTT_PASSWORD.
const EnvPrefix = "RISKSTREAM"

// Config represents the application configuration
type Config struct {
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Model      ModelConfig      `mapstructure:"model"`
	Validation ValidationConfig `mapstructure:"validation"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// MQTTConfig holds the broker connection settings
type MQTTConfig struct {
	Broker               string        `mapstructure:"broker"`
	ClientID             string        `mapstructure:"client_id"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	Topic                string        `mapstructure:"topic"`
	QoS                  byte          `mapstructure:"qos"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
	TLS                  TLSConfig     `mapstructure:"tls"`
}

// TLSConfig configures the encrypted broker connection
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CAFile             string `mapstructure:"ca_file"`
	ServerName         string `mapstructure:"server_name"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// PipelineConfig tunes the queue and the batch processor
type PipelineConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
	FlushRetries      int           `mapstructure:"flush_retries"`
	FlushRetryBackoff time.Duration `mapstructure:"flush_retry_backoff"`
}

// ModelConfig points at the scoring artifact
type ModelConfig struct {
	ScriptPath string        `mapstructure:"script_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ValidationConfig holds optional range rules applied after schema checks
type ValidationConfig struct {
	Ranges []RangeRule `mapstructure:"ranges"`
}

// RangeRule bounds one numeric telemetry field
type RangeRule struct {
	Field string  `mapstructure:"field"`
	Min   float64 `mapstructure:"min"`
	Max   float64 `mapstructure:"max"`
}

// StorageConfig represents storage configuration
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Object   ObjectStorageConfig   `mapstructure:"object"`
	Database DatabaseStorageConfig `mapstructure:"database"`
}

// FileStorageConfig is the local, authoritative CSV file
type FileStorageConfig struct {
	Path string `mapstructure:"path"`
}

// ObjectStorageConfig is the S3-compatible bucket receiving snapshots
type ObjectStorageConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Endpoint      string        `mapstructure:"endpoint"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	Bucket        string        `mapstructure:"bucket"`
	Region        string        `mapstructure:"region"`
	Prefix        string        `mapstructure:"prefix"`
	Secure        bool          `mapstructure:"secure"`
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`
}

// DatabaseStorageConfig represents database mirror configuration
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// LoggerConfig represents logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// MetricsConfig controls the Prometheus listener
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ConfigChangeCallback is invoked with the new configuration after the file changes
type ConfigChangeCallback func(cfg *Config) error

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "iot/failure")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.max_reconnect_interval", time.Minute)
	v.SetDefault("mqtt.tls.enabled", true)

	v.SetDefault("pipeline.batch_size", 100)
	v.SetDefault("pipeline.poll_interval", 500*time.Millisecond)
	v.SetDefault("pipeline.queue_capacity", 0)
	v.SetDefault("pipeline.flush_retries", 3)
	v.SetDefault("pipeline.flush_retry_backoff", time.Second)

	v.SetDefault("model.script_path", "models/risk_model.js")
	v.SetDefault("model.timeout", 2*time.Second)

	v.SetDefault("storage.file.path", "predictions_output.csv")
	v.SetDefault("storage.object.enabled", false)
	v.SetDefault("storage.object.endpoint", "")
	v.SetDefault("storage.object.access_key", "")
	v.SetDefault("storage.object.secret_key", "")
	v.SetDefault("storage.object.bucket", "data")
	v.SetDefault("storage.object.secure", true)
	v.SetDefault("storage.object.upload_timeout", 30*time.Second)
	v.SetDefault("storage.database.enabled", false)
	v.SetDefault("storage.database.dsn", "")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9100")
}

// LoadEnvFile exports the KEY=VALUE pairs of path into the process
// environment so RISKSTREAM_* secrets can live outside config.yaml.
// Variables already set are kept. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	logger.Info("loaded environment from %s", path)
	return nil
}

// LoadConfig loads the configuration file at configPath, applying defaults
// and RISKSTREAM_* environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	viper.Reset()
	v := viper.GetViper()

	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks required settings
func (c *Config) Validate() error {
	var errs []error
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if c.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt.topic is required"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Pipeline.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize))
	}
	if c.Pipeline.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_capacity must not be negative, got %d", c.Pipeline.QueueCapacity))
	}
	if c.Model.ScriptPath == "" {
		errs = append(errs, errors.New("model.script_path is required"))
	}
	if c.Storage.File.Path == "" {
		errs = append(errs, errors.New("storage.file.path is required"))
	}
	if c.Storage.Object.Enabled && (c.Storage.Object.Endpoint == "" || c.Storage.Object.Bucket == "") {
		errs = append(errs, errors.New("storage.object.endpoint and storage.object.bucket are required when object storage is enabled"))
	}
	if c.Storage.Database.Enabled && c.Storage.Database.DSN == "" {
		errs = append(errs, errors.New("storage.database.dsn is required when the database mirror is enabled"))
	}
	for _, r := range c.Validation.Ranges {
		if r.Min > r.Max {
			errs = append(errs, fmt.Errorf("validation range for %s has min %v > max %v", r.Field, r.Min, r.Max))
		}
	}
	return errors.Join(errs...)
}

// WatchConfig watches the config file and invokes callback on every write
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	viper.SetConfigFile(absPath)
	viper.WatchConfig()

	// debounce editors that write the file several times in a row
	var (
		mu               sync.Mutex
		lastChangeTime   time.Time
		debounceInterval = 2 * time.Second
	)

	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		mu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		logger.Info("config file changed: %s", e.Name)

		var newConfig Config
		if err := viper.Unmarshal(&newConfig); err != nil {
			logger.Error("failed to parse updated config: %v", err)
			return
		}
		if err := newConfig.Validate(); err != nil {
			logger.Error("updated config is invalid, keeping current settings: %v", err)
			return
		}

		if err := callback(&newConfig); err != nil {
			logger.Error("failed to apply new config: %v", err)
			return
		}

		logger.Info("config reloaded")
	})

	return nil
}
