package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Service    string `yaml:"service"`
	Level      string `yaml:"level"`
	Pretty     bool   `yaml:"pretty"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool          `yaml:"send"`
	APIKey        string        `yaml:"api_key"`
	OrgID         string        `yaml:"org_id"`
	Dataset       string        `yaml:"dataset"`
	MinLevel      string        `yaml:"min_level"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type HTTPConfig struct {
	Port            string        `yaml:"port"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	MaxWait         time.Duration `yaml:"max_wait"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	FetchHosts      []string      `yaml:"fetch_hosts"`
}

// TasksConfig bounds the asynchronous task layer.
type TasksConfig struct {
	Workers       int           `yaml:"workers"`
	Capacity      int           `yaml:"capacity"`
	EvictFraction float64       `yaml:"evict_fraction"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MirrorTTL     time.Duration `yaml:"mirror_ttl"`
}

// ConverterConfig selects the document to PDF converter: "gotenberg" or "libreoffice".
type ConverterConfig struct {
	Kind       string        `yaml:"kind"`
	URL        string        `yaml:"url"`
	Binary     string        `yaml:"binary"`
	MaxWorkers int           `yaml:"max_workers"`
	Timeout    time.Duration `yaml:"timeout"`
}

// EnginesConfig configures layout engines. An engine without a URL is not registered,
// except mupdf which runs in-process.
type EnginesConfig struct {
	Default    string        `yaml:"default"`
	MinerUURL  string        `yaml:"mineru_url"`
	DotsOCRURL string        `yaml:"dots_ocr_url"`
	MuPDF      bool          `yaml:"mupdf"`
	RenderDPI  float64       `yaml:"render_dpi"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	RateBurst  int           `yaml:"rate_burst"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Bucket          string `yaml:"bucket"`
}

// DatabaseConfig selects the document store; Driver is "pgx" or "sqlite".
type DatabaseConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

type BatchConfig struct {
	Workers int `yaml:"workers"`
}

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Axiom     AxiomConfig     `yaml:"axiom"`
	HTTP      HTTPConfig      `yaml:"http"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Converter ConverterConfig `yaml:"converter"`
	Engines   EnginesConfig   `yaml:"engines"`
	Redis     RedisConfig     `yaml:"redis"`
	S3        S3Config        `yaml:"s3"`
	Database  DatabaseConfig  `yaml:"database"`
	Batch     BatchConfig     `yaml:"batch"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:      "info",
			Pretty:     parseBool(devDefaultPretty()),
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Axiom: AxiomConfig{
			Dataset:       "dev_parsemd",
			MinLevel:      "info",
			BatchSize:     200,
			FlushInterval: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Port:            "8080",
			MaxUploadBytes:  1 << 30,
			CORSOrigins:     []string{"*"},
			MaxWait:         10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Tasks: TasksConfig{
			Workers:       4,
			Capacity:      1000,
			EvictFraction: 0.2,
			PollInterval:  500 * time.Millisecond,
			MirrorTTL:     24 * time.Hour,
		},
		Converter: ConverterConfig{
			Kind:       "libreoffice",
			Binary:     "soffice",
			MaxWorkers: 2,
			Timeout:    3 * time.Minute,
		},
		Engines: EnginesConfig{
			Default:   "mineru",
			MuPDF:     true,
			RenderDPI: 110,
			Timeout:   10 * time.Minute,
			RateBurst: 1,
		},
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Migrate: true,
		},
		Batch: BatchConfig{Workers: 12},
	}
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

// Load overlays an optional YAML file on the defaults; environment variables win.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// Validate rejects settings the wiring cannot honour.
func (c Config) Validate() error {
	switch c.Converter.Kind {
	case "gotenberg":
		if c.Converter.URL == "" {
			return fmt.Errorf("converter kind gotenberg requires CONVERTER_URL")
		}
	case "libreoffice", "none":
	default:
		return fmt.Errorf("unknown converter kind %q", c.Converter.Kind)
	}
	switch c.Database.Driver {
	case "pgx", "postgres", "sqlite", "":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Tasks.EvictFraction <= 0 || c.Tasks.EvictFraction > 1 {
		return fmt.Errorf("tasks evict fraction %v must be in (0, 1]", c.Tasks.EvictFraction)
	}
	return nil
}

func applyEnv(cfg *Config) {
	l := &cfg.Logging
	l.Service = getEnv("LOG_SERVICE", l.Service)
	l.Level = getEnv("LOG_LEVEL", l.Level)
	l.Pretty = parseBool(getEnv("LOG_PRETTY", fmt.Sprint(l.Pretty)))
	l.File = getEnv("LOG_FILE", l.File)
	l.MaxSizeMB = parseInt(os.Getenv("LOG_MAX_SIZE_MB"), l.MaxSizeMB)
	l.MaxBackups = parseInt(os.Getenv("LOG_MAX_BACKUPS"), l.MaxBackups)
	l.MaxAgeDays = parseInt(os.Getenv("LOG_MAX_AGE_DAYS"), l.MaxAgeDays)
	l.Compress = parseBool(getEnv("LOG_COMPRESS", fmt.Sprint(l.Compress)))

	a := &cfg.Axiom
	a.Send = parseBool(getEnv("SEND_LOGS_TO_AXIOM", fmt.Sprint(a.Send)))
	a.APIKey = getEnv("AXIOM_API_KEY", a.APIKey)
	a.OrgID = getEnv("AXIOM_ORG_ID", a.OrgID)
	if ds := os.Getenv("AXIOM_DATASET"); ds != "" {
		a.Dataset = ds + "_parsemd"
	}
	a.MinLevel = getEnv("AXIOM_MIN_LEVEL", a.MinLevel)
	a.BatchSize = parseInt(os.Getenv("AXIOM_BATCH_SIZE"), a.BatchSize)
	a.FlushInterval = parseDuration(os.Getenv("AXIOM_FLUSH_INTERVAL"), a.FlushInterval)

	h := &cfg.HTTP
	h.Port = getEnv("PORT", h.Port)
	h.MaxUploadBytes = int64(parseInt(os.Getenv("MAX_UPLOAD_BYTES"), int(h.MaxUploadBytes)))
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		h.CORSOrigins = splitList(v)
	}
	h.MaxWait = parseDuration(os.Getenv("MAX_WAIT"), h.MaxWait)
	if v := os.Getenv("FETCH_HOSTS"); v != "" {
		h.FetchHosts = splitList(v)
	}
	h.ShutdownTimeout = parseDuration(os.Getenv("SHUTDOWN_TIMEOUT"), h.ShutdownTimeout)

	t := &cfg.Tasks
	t.Workers = parseInt(os.Getenv("TASK_WORKERS"), t.Workers)
	t.Capacity = parseInt(os.Getenv("TASK_CAPACITY"), t.Capacity)
	t.EvictFraction = parseFloat(os.Getenv("TASK_EVICT_FRACTION"), t.EvictFraction)
	t.TaskTimeout = parseDuration(os.Getenv("TASK_TIMEOUT"), t.TaskTimeout)
	t.PollInterval = parseDuration(os.Getenv("TASK_POLL_INTERVAL"), t.PollInterval)
	t.MirrorTTL = parseDuration(os.Getenv("TASK_MIRROR_TTL"), t.MirrorTTL)

	c := &cfg.Converter
	c.Kind = strings.ToLower(getEnv("CONVERTER_KIND", c.Kind))
	c.URL = getEnv("CONVERTER_URL", c.URL)
	c.Binary = getEnv("SOFFICE_BINARY", c.Binary)
	c.MaxWorkers = parseInt(os.Getenv("CONVERTER_MAX_WORKERS"), c.MaxWorkers)
	c.Timeout = parseDuration(os.Getenv("CONVERTER_TIMEOUT"), c.Timeout)

	e := &cfg.Engines
	e.Default = strings.ToLower(getEnv("DEFAULT_LAYOUT_ENGINE", e.Default))
	e.MinerUURL = getEnv("MINERU_URL", e.MinerUURL)
	e.DotsOCRURL = getEnv("DOTS_OCR_URL", e.DotsOCRURL)
	e.MuPDF = parseBool(getEnv("MUPDF_ENABLED", fmt.Sprint(e.MuPDF)))
	e.RenderDPI = parseFloat(os.Getenv("MUPDF_RENDER_DPI"), e.RenderDPI)
	e.Timeout = parseDuration(os.Getenv("ENGINE_TIMEOUT"), e.Timeout)
	e.RatePerSec = parseFloat(os.Getenv("ENGINE_RATE_PER_SEC"), e.RatePerSec)
	e.RateBurst = parseInt(os.Getenv("ENGINE_RATE_BURST"), e.RateBurst)

	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)

	s := &cfg.S3
	s.Endpoint = getEnv("S3_ENDPOINT", s.Endpoint)
	s.Region = getEnv("AWS_REGION", s.Region)
	s.AccessKeyID = getEnv("AWS_ACCESS_KEY_ID", s.AccessKeyID)
	s.SecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", s.SecretAccessKey)
	s.UsePathStyle = parseBool(getEnv("S3_USE_PATH_STYLE", fmt.Sprint(s.UsePathStyle)))
	s.Bucket = getEnv("S3_BUCKET", s.Bucket)

	d := &cfg.Database
	d.Driver = strings.ToLower(getEnv("DATABASE_DRIVER", d.Driver))
	d.DSN = getEnv("DATABASE_URL", d.DSN)
	d.Migrate = parseBool(getEnv("DATABASE_MIGRATE", fmt.Sprint(d.Migrate)))

	cfg.Batch.Workers = parseInt(os.Getenv("BATCH_WORKERS"), cfg.Batch.Workers)
}
