// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Dataset, Convert, Probe, Reorganize, MaskGen, Redis, Postgres,
// Kafka, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Annotation source modes for the converter.
const (
	SourceCSV  = "csv"
	SourceMask = "mask"
	SourceAuto = "auto"
)

// Fallback modes for images that end up without any annotation.
const (
	FallbackNone      = "none"
	FallbackFullImage = "full_image"
)

// Identifier schemes for image and annotation IDs.
const (
	IDSchemeSequential = "sequential"
	IDSchemeRandom     = "random"
)

// Policies for images whose dimensions cannot be decoded.
const (
	UndecodableSkip    = "skip"
	UndecodableDefault = "default"
)

// Config is the top-level application configuration.
type Config struct {
	Dataset    DatasetConfig    `yaml:"dataset"`
	Convert    ConvertConfig    `yaml:"convert"`
	Probe      ProbeConfig      `yaml:"probe"`
	Reorganize ReorganizeConfig `yaml:"reorganize"`
	MaskGen    MaskGenConfig    `yaml:"maskgen"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DatasetConfig locates the category-layout dataset and the output directory.
type DatasetConfig struct {
	Root      string `yaml:"root"`
	OutputDir string `yaml:"outputDir"`
}

// ConvertConfig controls COCO conversion.
type ConvertConfig struct {
	Categories    []string   `yaml:"categories"`
	Splits        []string   `yaml:"splits"`
	Combined      bool       `yaml:"combined"`
	Source        string     `yaml:"source"`
	Fallback      string     `yaml:"fallback"`
	MaskLabel     int        `yaml:"maskLabel"`
	IDScheme      string     `yaml:"idScheme"`
	Supercategory string     `yaml:"supercategory"`
	Info          InfoConfig `yaml:"info"`
}

// InfoConfig is the template for the COCO "info" block.
type InfoConfig struct {
	Year              int    `yaml:"year"`
	Version           string `yaml:"version"`
	DescriptionPrefix string `yaml:"descriptionPrefix"`
	URL               string `yaml:"url"`
}

// ProbeConfig controls image dimension probing.
type ProbeConfig struct {
	Undecodable   string `yaml:"undecodable"`
	DefaultWidth  int    `yaml:"defaultWidth"`
	DefaultHeight int    `yaml:"defaultHeight"`
	Cache         bool   `yaml:"cache"`
}

// ReorganizeConfig locates the flat dataset that is split into categories.
type ReorganizeConfig struct {
	ManifestPath string `yaml:"manifestPath"`
	ImagesDir    string `yaml:"imagesDir"`
	MasksDir     string `yaml:"masksDir"`
	SplitColumn  string `yaml:"splitColumn"`
}

// MaskGenConfig controls per-image COCO generation from masks.
type MaskGenConfig struct {
	ManifestPath  string `yaml:"manifestPath"`
	ImagesDir     string `yaml:"imagesDir"`
	MasksDir      string `yaml:"masksDir"`
	OutputDir     string `yaml:"outputDir"`
	Supercategory string `yaml:"supercategory"`
	ProgressEvery int    `yaml:"progressEvery"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled bool        `yaml:"enabled"`
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentWritten string `yaml:"documentWritten"`
	RunCompleted    string `yaml:"runCompleted"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls whether the per-run span tree is logged.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics server and textfile export.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     int    `yaml:"port"`
	Textfile string `yaml:"textfile"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate rejects enum values the converter does not understand.
func (c *Config) Validate() error {
	switch c.Convert.Source {
	case SourceCSV, SourceMask, SourceAuto:
	default:
		return fmt.Errorf("convert.source must be csv, mask or auto, got %q", c.Convert.Source)
	}
	switch c.Convert.Fallback {
	case FallbackNone, FallbackFullImage:
	default:
		return fmt.Errorf("convert.fallback must be none or full_image, got %q", c.Convert.Fallback)
	}
	switch c.Convert.IDScheme {
	case IDSchemeSequential, IDSchemeRandom:
	default:
		return fmt.Errorf("convert.idScheme must be sequential or random, got %q", c.Convert.IDScheme)
	}
	switch c.Probe.Undecodable {
	case UndecodableSkip, UndecodableDefault:
	default:
		return fmt.Errorf("probe.undecodable must be skip or default, got %q", c.Probe.Undecodable)
	}
	if c.Probe.DefaultWidth <= 0 || c.Probe.DefaultHeight <= 0 {
		return fmt.Errorf("probe default size must be positive, got %dx%d", c.Probe.DefaultWidth, c.Probe.DefaultHeight)
	}
	return nil
}

// defaultConfig returns a Config matching the layout produced by the
// reorganize tool.
func defaultConfig() *Config {
	return &Config{
		Dataset: DatasetConfig{
			Root:      ".",
			OutputDir: "annotations",
		},
		Convert: ConvertConfig{
			Splits:        []string{"train", "val", "test"},
			Source:        SourceCSV,
			Fallback:      FallbackNone,
			MaskLabel:     1,
			IDScheme:      IDSchemeSequential,
			Supercategory: "crop",
			Info: InfoConfig{
				Year:              2025,
				Version:           "1.0",
				DescriptionPrefix: "VegAnn Multicrop Presence Segmentation",
				URL:               "https://zenodo.org/records/7636408",
			},
		},
		Probe: ProbeConfig{
			Undecodable:   UndecodableSkip,
			DefaultWidth:  512,
			DefaultHeight: 512,
		},
		Reorganize: ReorganizeConfig{
			ManifestPath: "data/origin/VegAnn_dataset.csv",
			ImagesDir:    "data/origin/images",
			MasksDir:     "data/origin/annotations_original",
			SplitColumn:  "TVT-split1",
		},
		MaskGen: MaskGenConfig{
			ManifestPath:  "data/origin/VegAnn_dataset.csv",
			ImagesDir:     "data/origin/images",
			MasksDir:      "data/origin/annotations_original",
			Supercategory: "vegann",
			ProgressEvery: 100,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "vegann",
			User:            "vegann",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topics: KafkaTopics{
				DocumentWritten: "dataset.document-written",
				RunCompleted:    "dataset.run-completed",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 4,
			CacheTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads VG_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VG_DATASET_ROOT"); v != "" {
		cfg.Dataset.Root = v
	}
	if v := os.Getenv("VG_DATASET_OUTPUT_DIR"); v != "" {
		cfg.Dataset.OutputDir = v
	}
	if v := os.Getenv("VG_CONVERT_CATEGORIES"); v != "" {
		cfg.Convert.Categories = SplitList(v)
	}
	if v := os.Getenv("VG_CONVERT_SPLITS"); v != "" {
		cfg.Convert.Splits = SplitList(v)
	}
	if v := os.Getenv("VG_CONVERT_COMBINED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Convert.Combined = b
		}
	}
	if v := os.Getenv("VG_CONVERT_SOURCE"); v != "" {
		cfg.Convert.Source = v
	}
	if v := os.Getenv("VG_CONVERT_FALLBACK"); v != "" {
		cfg.Convert.Fallback = v
	}
	if v := os.Getenv("VG_CONVERT_ID_SCHEME"); v != "" {
		cfg.Convert.IDScheme = v
	}
	if v := os.Getenv("VG_PROBE_UNDECODABLE"); v != "" {
		cfg.Probe.Undecodable = v
	}
	if v := os.Getenv("VG_PROBE_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Probe.Cache = b
		}
	}
	if v := os.Getenv("VG_POSTGRES_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Postgres.Enabled = b
		}
	}
	if v := os.Getenv("VG_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("VG_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("VG_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("VG_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("VG_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("VG_KAFKA_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Kafka.Enabled = b
		}
	}
	if v := os.Getenv("VG_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = SplitList(v)
	}
	if v := os.Getenv("VG_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VG_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("VG_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VG_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("VG_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}
}

// SplitList splits a comma-separated list, dropping blank entries.
func SplitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
