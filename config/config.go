package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. ATTENDANCE_MQTT_BROKER.
const EnvPrefix = "ATTENDANCE"

// Config is the root configuration of the attendance daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Camera   CameraConfig   `mapstructure:"camera"`
	Detector DetectorConfig `mapstructure:"detector"`
	Aligner  AlignerConfig  `mapstructure:"aligner"`
	Embedder EmbedderConfig `mapstructure:"embedder"`
	Identity IdentityConfig `mapstructure:"identity"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Sync     SyncConfig     `mapstructure:"sync"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Security SecurityConfig `mapstructure:"security"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	DataDir     string   `mapstructure:"data_dir"`
	Timezone    string   `mapstructure:"timezone"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
	Format string `mapstructure:"format"` // text or json
}

// DBConfig selects where identities and the sync outbox live.
// The outbox always uses SQLite; Driver only switches the reference store.
type DBConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	File     string `mapstructure:"file"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
}

// CameraConfig describes the frame source.
type CameraConfig struct {
	Source    string  `mapstructure:"source"` // ffmpeg, directory
	ID        string  `mapstructure:"id"`
	URL       string  `mapstructure:"url"` // rtsp://, /dev/video0 or a file for ffmpeg; a folder for directory
	FPS       float64 `mapstructure:"fps"`
	Loop      bool    `mapstructure:"loop"`
	FFmpegBin string  `mapstructure:"ffmpeg_bin"`
}

// DetectorConfig configures face detection.
type DetectorConfig struct {
	Backend       string        `mapstructure:"backend"` // pigo or opencv
	Budget        time.Duration `mapstructure:"budget"`
	IoUThreshold  float64       `mapstructure:"iou_threshold"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	MinFaceSize   int           `mapstructure:"min_face_size"`
	MaxFaceSize   int           `mapstructure:"max_face_size"`
	ScaleBands    int           `mapstructure:"scale_bands"`
	CascadeFile   string        `mapstructure:"cascade_file"`
	PuplocFile    string        `mapstructure:"puploc_file"`
	EyeCascade    string        `mapstructure:"eye_cascade_file"`
}

// AlignerConfig configures face normalisation.
type AlignerConfig struct {
	Size         int `mapstructure:"size"`
	MinLandmarks int `mapstructure:"min_landmarks"`
}

// EmbedderConfig configures the embedding backend.
type EmbedderConfig struct {
	Backend    string        `mapstructure:"backend"` // lbp or onnx
	Grid       int           `mapstructure:"grid"`
	Budget     time.Duration `mapstructure:"budget"`
	ModelPath  string        `mapstructure:"model_path"`
	Runtime    string        `mapstructure:"runtime_library"`
	InputName  string        `mapstructure:"input_name"`
	OutputName string        `mapstructure:"output_name"`
	InputSize  int           `mapstructure:"input_size"`
	Dimension  int           `mapstructure:"dimension"`
}

// IdentityConfig configures matching.
type IdentityConfig struct {
	Metric          string  `mapstructure:"metric"` // cosine or euclidean
	Threshold       float64 `mapstructure:"threshold"`
	LinearScanLimit int     `mapstructure:"linear_scan_limit"`
	Candidates      int     `mapstructure:"candidates"`
	EfSearch        int     `mapstructure:"ef_search"`
	Seed            int64   `mapstructure:"seed"`
}

// PipelineConfig configures the frame path.
type PipelineConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	FrameWorkers  int           `mapstructure:"frame_workers"`
	RegionWorkers int           `mapstructure:"region_workers"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

// SyncConfig configures the outbound channel.
type SyncConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	BufferSize         int           `mapstructure:"buffer_size"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryInitialDelay  time.Duration `mapstructure:"retry_initial_delay"`
	RetryBackoffFactor float64       `mapstructure:"retry_backoff_factor"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	DeliveryTimeout    time.Duration `mapstructure:"delivery_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
}

// MQTTConfig holds the broker connection used for cloud sync.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Port        int    `mapstructure:"port"`
	Scheme      string `mapstructure:"scheme"` // tcp or ssl
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`

	HomeAssistant   bool   `mapstructure:"home_assistant"`   // publish presence sensors via MQTT discovery
	DiscoveryPrefix string `mapstructure:"discovery_prefix"` // Home Assistant discovery topic root
}

// SecurityConfig holds device credentials.
type SecurityConfig struct {
	DeviceToken string `mapstructure:"device_token"`
	SigningKey  string `mapstructure:"signing_key"`
}

// MonitorConfig controls system sampling and telemetry.
type MonitorConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	TelemetryInterval time.Duration `mapstructure:"telemetry_interval"`
}

// CleanupConfig holds retention settings.
type CleanupConfig struct {
	RetentionDays int           `mapstructure:"retention_days"`
	Interval      time.Duration `mapstructure:"interval"`
}

// Load reads configuration from defaults, an optional YAML file and the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// Validate rejects settings the daemon cannot start with.
func (c *Config) Validate() error {
	var problems []string

	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("db.driver must be sqlite or postgres, got %q", c.DB.Driver))
	}
	switch c.Identity.Metric {
	case "cosine", "euclidean":
	default:
		problems = append(problems, fmt.Sprintf("identity.metric must be cosine or euclidean, got %q", c.Identity.Metric))
	}
	if c.Identity.Threshold <= 0 {
		problems = append(problems, "identity.threshold must be > 0")
	}
	if c.Detector.IoUThreshold <= 0 || c.Detector.IoUThreshold > 1 {
		problems = append(problems, "detector.iou_threshold must be in (0,1]")
	}
	if c.Detector.Budget <= 0 {
		problems = append(problems, "detector.budget must be > 0")
	}
	if c.Aligner.Size < 16 {
		problems = append(problems, "aligner.size must be >= 16")
	}
	if c.Aligner.MinLandmarks < 2 {
		problems = append(problems, "aligner.min_landmarks must be >= 2")
	}
	if c.Pipeline.QueueSize < 1 {
		problems = append(problems, "pipeline.queue_size must be >= 1")
	}
	if c.Pipeline.Cooldown < 0 {
		problems = append(problems, "pipeline.cooldown must not be negative")
	}
	if c.Sync.BufferSize < 1 {
		problems = append(problems, "sync.buffer_size must be >= 1")
	}
	if c.Sync.MaxRetries < 1 {
		problems = append(problems, "sync.max_retries must be >= 1")
	}
	if c.Sync.RetryBackoffFactor < 1 {
		problems = append(problems, "sync.retry_backoff_factor must be >= 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// setDefaults sets the default for every configuration key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.data_dir", "/data")
	v.SetDefault("server.timezone", "UTC")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "/data/logs/attendance.log")
	v.SetDefault("log.format", "text")

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.file", "/data/attendance.db")
	v.SetDefault("db.port", 5432)

	v.SetDefault("camera.source", "ffmpeg")
	v.SetDefault("camera.id", "camera-0")
	v.SetDefault("camera.url", "/dev/video0")
	v.SetDefault("camera.fps", 5.0)
	v.SetDefault("camera.loop", false)
	v.SetDefault("camera.ffmpeg_bin", "ffmpeg")

	v.SetDefault("detector.backend", "pigo")
	v.SetDefault("detector.budget", 150*time.Millisecond)
	v.SetDefault("detector.iou_threshold", 0.3)
	v.SetDefault("detector.min_confidence", 0.5)
	v.SetDefault("detector.min_face_size", 40)
	v.SetDefault("detector.max_face_size", 640)
	v.SetDefault("detector.scale_bands", 3)
	v.SetDefault("detector.cascade_file", "/app/models/facefinder")
	v.SetDefault("detector.puploc_file", "/app/models/puploc")
	v.SetDefault("detector.eye_cascade_file", "/app/models/haarcascade_eye.xml")

	v.SetDefault("aligner.size", 112)
	v.SetDefault("aligner.min_landmarks", 2)

	v.SetDefault("embedder.backend", "lbp")
	v.SetDefault("embedder.grid", 6)
	v.SetDefault("embedder.budget", 50*time.Millisecond)
	v.SetDefault("embedder.input_name", "input")
	v.SetDefault("embedder.output_name", "output")
	v.SetDefault("embedder.input_size", 112)
	v.SetDefault("embedder.dimension", 512)

	v.SetDefault("identity.metric", "cosine")
	v.SetDefault("identity.threshold", 0.35)
	v.SetDefault("identity.linear_scan_limit", 256)
	v.SetDefault("identity.candidates", 16)
	v.SetDefault("identity.ef_search", 64)
	v.SetDefault("identity.seed", 1)

	v.SetDefault("pipeline.queue_size", 4)
	v.SetDefault("pipeline.frame_workers", 2)
	v.SetDefault("pipeline.region_workers", 0) // 0 = 75% of the CPUs
	v.SetDefault("pipeline.cooldown", 30*time.Second)

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.buffer_size", 1024)
	v.SetDefault("sync.max_retries", 8)
	v.SetDefault("sync.retry_initial_delay", time.Second)
	v.SetDefault("sync.retry_backoff_factor", 2.0)
	v.SetDefault("sync.retry_max_delay", 5*time.Minute)
	v.SetDefault("sync.delivery_timeout", 10*time.Second)
	v.SetDefault("sync.poll_interval", 2*time.Second)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.scheme", "tcp")
	v.SetDefault("mqtt.client_id", "face-attendance")
	v.SetDefault("mqtt.topic_prefix", "attendance")
	v.SetDefault("mqtt.home_assistant", false)
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.telemetry_interval", time.Minute)

	v.SetDefault("cleanup.retention_days", 30)
	v.SetDefault("cleanup.interval", 24*time.Hour)
}

// ensureDirectories creates the data, log and database directories.
func ensureDirectories(cfg *Config) error {
	if cfg.Server.DataDir != "" {
		if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	if cfg.DB.File != "" && !strings.HasPrefix(cfg.DB.File, ":memory:") && !strings.HasPrefix(cfg.DB.File, "file::memory:") {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.File), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
