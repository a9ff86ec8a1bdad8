// Package config loads server settings from the environment and assembles a
// simpleoutput.Service from them.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/tendant/simple-output/pkg/simpleoutput"
	"github.com/tendant/simple-output/pkg/simpleoutput/convert"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:            "8080",
		Environment:     "development",
		LogLevel:        "info",
		DataDir:         "./data",
		DatabaseURL:     "memory",
		Workers:         2,
		QueueSize:       64,
		SweepInterval:   30 * time.Second,
		MaxUploadBytes:  20 << 30,
		MaxExtractBytes: convert.DefaultMaxExtractBytes,
		AllowedOrigins:  []string{"*"},
		S3: S3Config{
			Region:       "us-east-1",
			SSEAlgorithm: "AES256",
		},
	}
}

// ServerConfig represents server configuration for the simple-output service
type ServerConfig struct {
	Port        string `yaml:"port" env:"PORT" env-default:"8080" validate:"required,numeric"`
	Environment string `yaml:"environment" env:"ENVIRONMENT" env-default:"development" validate:"oneof=development production testing"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`

	// DataDir holds uploads, output roots and staging unless overridden
	DataDir       string `yaml:"data_dir" env:"DATA_DIR" env-default:"./data" validate:"required"`
	PublicBaseURL string `yaml:"public_base_url" env:"PUBLIC_BASE_URL" validate:"omitempty,url"`

	// DatabaseURL is "memory", "sqlite://<path>" or "postgres://..."
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL" env-default:"memory" validate:"required"`
	DBSchema    string `yaml:"db_schema" env:"DB_SCHEMA"`

	// StorageURL is "file://<dir>", "memory://" or "s3://bucket/prefix".
	// Empty stores uploads under DataDir/uploads.
	StorageURL string `yaml:"storage_url" env:"STORAGE_URL"`

	// Roots names output roots served besides the default one
	Roots []string `yaml:"roots" env:"OUTPUT_ROOTS" env-separator:","`

	Workers         int           `yaml:"workers" env:"WORKERS" env-default:"2" validate:"min=1,max=64"`
	QueueSize       int           `yaml:"queue_size" env:"QUEUE_SIZE" env-default:"64" validate:"min=1"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" env-default:"30s"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES" env-default:"21474836480" validate:"min=0"`
	MaxExtractBytes int64         `yaml:"max_extract_bytes" env:"MAX_EXTRACT_BYTES" env-default:"68719476736" validate:"min=0"`

	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"*"`

	// Converter commands; see convert.ExecConverter for placeholders
	HDF5Command  string `yaml:"hdf5_command" env:"HDF5_CONVERTER"`
	DICOMCommand string `yaml:"dicom_command" env:"DICOM_CONVERTER"`
	NIfTICommand string `yaml:"nifti_command" env:"NIFTI_CONVERTER"`

	APIKeySHA256 string `yaml:"api_key_sha256" env:"API_KEY_SHA256" validate:"omitempty,hexadecimal,len=64"`

	S3 S3Config `yaml:"s3"`
}

// S3Config holds credentials and options for s3:// storage URLs
type S3Config struct {
	Endpoint               string `yaml:"endpoint" env:"AWS_S3_ENDPOINT"`
	AccessKeyID            string `yaml:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey        string `yaml:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	Region                 string `yaml:"region" env:"AWS_S3_REGION" env-default:"us-east-1"`
	UsePathStyle           bool   `yaml:"use_path_style" env:"AWS_S3_USE_PATH_STYLE"`
	EnableSSE              bool   `yaml:"enable_sse" env:"AWS_S3_ENABLE_SSE"`
	SSEAlgorithm           string `yaml:"sse_algorithm" env:"AWS_S3_SSE_ALGORITHM" env-default:"AES256"`
	SSEKMSKeyID            string `yaml:"sse_kms_key_id" env:"AWS_S3_SSE_KMS_KEY_ID"`
	CreateBucketIfNotExist bool   `yaml:"create_bucket_if_not_exist" env:"AWS_S3_CREATE_BUCKET"`
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval cannot be negative: %s", c.SweepInterval)
	}
	if _, _, err := parseDatabaseURL(c.DatabaseURL); err != nil {
		return err
	}
	if _, err := parseStorageURL(c.StorageURL); err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, root := range c.Roots {
		if !simpleoutput.ValidRootName(root) {
			return fmt.Errorf("invalid output root name %q", root)
		}
		if seen[root] {
			return fmt.Errorf("output root %q listed twice", root)
		}
		seen[root] = true
	}
	return nil
}

// RootNames returns the default root followed by the configured roots, sorted
func (c *ServerConfig) RootNames() []string {
	names := []string{simpleoutput.DefaultRoot}
	for _, root := range c.Roots {
		if root != simpleoutput.DefaultRoot {
			names = append(names, root)
		}
	}
	sort.Strings(names)
	return names
}

// BaseURL returns PublicBaseURL or, when unset, a localhost URL on Port
func (c *ServerConfig) BaseURL() string {
	if c.PublicBaseURL != "" {
		return strings.TrimRight(c.PublicBaseURL, "/")
	}
	return "http://localhost:" + c.Port
}

// OutputDir is where the output tree of root lives
func (c *ServerConfig) OutputDir(root string) string {
	return filepath.Join(c.DataDir, "output", root)
}

// StagingDir is where conversions for root are staged. It is outside every
// output root so staged work is never listed.
func (c *ServerConfig) StagingDir(root string) string {
	return filepath.Join(c.DataDir, ".staging", root)
}

// WithEnv reads the environment with cleanenv. Set variables override the
// current values; fields still zero take their env-default.
func WithEnv() Option {
	return func(c *ServerConfig) error {
		if err := cleanenv.ReadEnv(c); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		return nil
	}
}

// WithFile reads a yaml, json, toml or .env config file, then the environment
func WithFile(path string) Option {
	return func(c *ServerConfig) error {
		if err := cleanenv.ReadConfig(path, c); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
}

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithDataDir sets the data directory
func WithDataDir(dir string) Option {
	return func(c *ServerConfig) error {
		if dir == "" {
			return fmt.Errorf("data directory cannot be empty")
		}
		c.DataDir = dir
		return nil
	}
}

// WithDatabaseURL selects the repository backend
func WithDatabaseURL(databaseURL string) Option {
	return func(c *ServerConfig) error {
		c.DatabaseURL = databaseURL
		return nil
	}
}

// WithStorageURL selects the artifact store backend
func WithStorageURL(storageURL string) Option {
	return func(c *ServerConfig) error {
		c.StorageURL = storageURL
		return nil
	}
}

// WithRoots adds named output roots
func WithRoots(roots ...string) Option {
	return func(c *ServerConfig) error {
		c.Roots = append(c.Roots, roots...)
		return nil
	}
}

// WithPublicBaseURL sets the base of gallery URLs
func WithPublicBaseURL(base string) Option {
	return func(c *ServerConfig) error {
		c.PublicBaseURL = base
		return nil
	}
}

type databaseKind string

const (
	databaseMemory   databaseKind = "memory"
	databaseSQLite   databaseKind = "sqlite"
	databasePostgres databaseKind = "postgres"
)

// parseDatabaseURL returns the backend kind and, for sqlite, the file path
func parseDatabaseURL(raw string) (databaseKind, string, error) {
	switch {
	case raw == "" || raw == "memory" || raw == "memory://":
		return databaseMemory, "", nil
	case strings.HasPrefix(raw, "postgres://") || strings.HasPrefix(raw, "postgresql://"):
		return databasePostgres, raw, nil
	case strings.HasPrefix(raw, "sqlite://"):
		return databaseSQLite, strings.TrimPrefix(raw, "sqlite://"), nil
	}
	return "", "", fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory', 'sqlite://<path>' or 'postgres://...')", raw)
}

type storageKind string

const (
	storageFS     storageKind = "fs"
	storageMemory storageKind = "memory"
	storageS3     storageKind = "s3"
)

type storageLocation struct {
	kind   storageKind
	dir    string
	bucket string
	prefix string
	query  url.Values
}

func parseStorageURL(raw string) (storageLocation, error) {
	switch {
	case raw == "":
		return storageLocation{kind: storageFS}, nil
	case raw == "memory" || raw == "memory://":
		return storageLocation{kind: storageMemory}, nil
	case strings.HasPrefix(raw, "file://"):
		return storageLocation{kind: storageFS, dir: strings.TrimPrefix(raw, "file://")}, nil
	case strings.HasPrefix(raw, "s3://"):
		u, err := url.Parse(raw)
		if err != nil {
			return storageLocation{}, fmt.Errorf("invalid STORAGE_URL: %w", err)
		}
		if u.Host == "" {
			return storageLocation{}, fmt.Errorf("S3 bucket name cannot be empty in STORAGE_URL")
		}
		return storageLocation{
			kind:   storageS3,
			bucket: u.Host,
			prefix: strings.Trim(u.Path, "/"),
			query:  u.Query(),
		}, nil
	}
	return storageLocation{}, fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 'file://...', or 's3://...')", raw)
}
