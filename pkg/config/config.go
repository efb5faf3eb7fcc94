// Package config loads annosync configuration: defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads Go duration strings from YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	Inference     Inference     `yaml:"inference"`
	DocumentStore DocumentStore `yaml:"documentStore"`
	MetadataStore MetadataStore `yaml:"metadataStore"`
	Breaker       Breaker       `yaml:"breaker"`
	Reconcile     Reconcile     `yaml:"reconcile"`
	Sampling      Sampling      `yaml:"sampling"`
	ModelProfile  string        `yaml:"modelProfile"`
	Server        Server        `yaml:"server"`
	Log           Log           `yaml:"log"`
}

type Inference struct {
	BaseURL    string   `yaml:"baseURL"`
	Model      string   `yaml:"model"`
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"maxRetries"`
	RetryDelay Duration `yaml:"retryDelay"`
	// RPS limits request rate; zero disables the limiter.
	RPS float64 `yaml:"rps"`
}

type DocumentStore struct {
	// URI of the SurrealDB endpoint. "memory" selects the in-process store.
	URI       string `yaml:"uri"`
	Namespace string `yaml:"namespace"`
	Database  string `yaml:"database"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type MetadataStore struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Breaker struct {
	Threshold   int      `yaml:"threshold"`
	CoolDown    Duration `yaml:"coolDown"`
	MaxCoolDown Duration `yaml:"maxCoolDown"`
	// CoolDownMultiplier grows the cool-down after each failed trial.
	CoolDownMultiplier float64  `yaml:"coolDownMultiplier"`
	ProbeInterval      Duration `yaml:"probeInterval"`
	ProbeTimeout       Duration `yaml:"probeTimeout"`
}

type Reconcile struct {
	Interval    Duration `yaml:"interval"`
	Attempts    int      `yaml:"attempts"`
	BaseBackoff Duration `yaml:"baseBackoff"`
	MaxBackoff  Duration `yaml:"maxBackoff"`
	BatchSize   int      `yaml:"batchSize"`
}

type Sampling struct {
	ThresholdBytes int `yaml:"thresholdBytes"`
	TargetBytes    int `yaml:"targetBytes"`
}

type Server struct {
	Port string `yaml:"port"`
}

type Log struct {
	Level   string `yaml:"level"`
	Path    string `yaml:"path"`
	Console bool   `yaml:"console"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Inference: Inference{
			BaseURL:    "http://localhost:11434",
			Model:      "llama3.1:8b-instruct-q4_K_M",
			Timeout:    Duration(300 * time.Second),
			MaxRetries: 3,
			RetryDelay: Duration(2 * time.Second),
		},
		DocumentStore: DocumentStore{
			URI:       "ws://localhost:8000",
			Namespace: "annosync",
			Database:  "annotations",
		},
		MetadataStore: MetadataStore{
			Driver: "sqlite",
			DSN:    "data/annosync.db",
		},
		Breaker: Breaker{
			Threshold:          3,
			CoolDown:           Duration(5 * time.Second),
			MaxCoolDown:        Duration(5 * time.Minute),
			CoolDownMultiplier: 2,
			ProbeInterval:      Duration(10 * time.Second),
			ProbeTimeout:       Duration(5 * time.Second),
		},
		Reconcile: Reconcile{
			Interval:    Duration(30 * time.Second),
			Attempts:    3,
			BaseBackoff: Duration(time.Second),
			MaxBackoff:  Duration(10 * time.Minute),
			BatchSize:   100,
		},
		Sampling: Sampling{
			ThresholdBytes: 150000,
			TargetBytes:    120000,
		},
		ModelProfile: "default",
		Server:       Server{Port: "8080"},
		Log:          Log{Level: "info"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Inference.BaseURL = getEnv("ANNOSYNC_INFERENCE_URL", c.Inference.BaseURL)
	c.Inference.Model = getEnv("ANNOSYNC_INFERENCE_MODEL", c.Inference.Model)
	c.ModelProfile = getEnv("ANNOSYNC_MODEL_PROFILE", c.ModelProfile)

	c.DocumentStore.URI = getEnv("SURREALDB_URL", c.DocumentStore.URI)
	c.DocumentStore.Namespace = getEnv("SURREALDB_NS", c.DocumentStore.Namespace)
	c.DocumentStore.Database = getEnv("SURREALDB_DB", c.DocumentStore.Database)
	c.DocumentStore.Username = getEnv("SURREALDB_USER", c.DocumentStore.Username)
	c.DocumentStore.Password = getEnv("SURREALDB_PASS", c.DocumentStore.Password)

	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		c.MetadataStore.Driver = "postgres"
		c.MetadataStore.DSN = dsn
	}
	c.MetadataStore.Driver = getEnv("ANNOSYNC_METADATA_DRIVER", c.MetadataStore.Driver)
	c.MetadataStore.DSN = getEnv("ANNOSYNC_METADATA_DSN", c.MetadataStore.DSN)

	c.Server.Port = getEnv("ANNOSYNC_PORT", c.Server.Port)
	c.Log.Level = getEnv("ANNOSYNC_LOG_LEVEL", c.Log.Level)
	c.Log.Path = getEnv("ANNOSYNC_LOG_PATH", c.Log.Path)

	var errs []error
	if v := os.Getenv("ANNOSYNC_INFERENCE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ANNOSYNC_INFERENCE_TIMEOUT: %w", err))
		}
		c.Inference.Timeout = Duration(d)
	}
	if v := os.Getenv("ANNOSYNC_INFERENCE_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ANNOSYNC_INFERENCE_MAX_RETRIES: %w", err))
		}
		c.Inference.MaxRetries = n
	}
	if v := os.Getenv("ANNOSYNC_BREAKER_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ANNOSYNC_BREAKER_THRESHOLD: %w", err))
		}
		c.Breaker.Threshold = n
	}
	return errors.Join(errs...)
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Inference.BaseURL == "" {
		errs = append(errs, errors.New("inference.baseURL is required"))
	}
	if c.Inference.Model == "" {
		errs = append(errs, errors.New("inference.model is required"))
	}
	if c.Inference.Timeout <= 0 {
		errs = append(errs, errors.New("inference.timeout must be positive"))
	}
	if c.Inference.MaxRetries < 1 {
		errs = append(errs, errors.New("inference.maxRetries must be at least 1"))
	}
	if c.Inference.RetryDelay <= 0 {
		errs = append(errs, errors.New("inference.retryDelay must be positive"))
	}
	switch strings.ToLower(c.MetadataStore.Driver) {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("metadataStore.driver %q is not supported", c.MetadataStore.Driver))
	}
	if c.MetadataStore.DSN == "" {
		errs = append(errs, errors.New("metadataStore.dsn is required"))
	}
	if c.DocumentStore.URI == "" {
		errs = append(errs, errors.New("documentStore.uri is required"))
	}
	if c.Breaker.Threshold < 1 {
		errs = append(errs, errors.New("breaker.threshold must be at least 1"))
	}
	if c.Breaker.CoolDown <= 0 {
		errs = append(errs, errors.New("breaker.coolDown must be positive"))
	}
	if c.Breaker.CoolDownMultiplier < 1 {
		errs = append(errs, errors.New("breaker.coolDownMultiplier must be at least 1"))
	}
	if c.Reconcile.Attempts < 1 {
		errs = append(errs, errors.New("reconcile.attempts must be at least 1"))
	}
	if c.Reconcile.BaseBackoff <= 0 || c.Reconcile.MaxBackoff < c.Reconcile.BaseBackoff {
		errs = append(errs, errors.New("reconcile backoff must satisfy 0 < baseBackoff <= maxBackoff"))
	}
	if c.Sampling.TargetBytes <= 0 || c.Sampling.ThresholdBytes < c.Sampling.TargetBytes {
		errs = append(errs, errors.New("sampling must satisfy 0 < targetBytes <= thresholdBytes"))
	}
	switch c.ModelProfile {
	case "fast", "default", "largeDocs":
	default:
		errs = append(errs, fmt.Errorf("modelProfile %q is not one of fast, default, largeDocs", c.ModelProfile))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
