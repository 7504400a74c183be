package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "DATASET_"

// Config holds the application configuration
type Config struct {
	Dataset  DatasetConfig  `json:"dataset"`
	Catalog  CatalogConfig  `json:"catalog"`
	Prelabel PrelabelConfig `json:"prelabel"`
	Log      LogConfig      `json:"log"`
	Registry RegistryConfig `json:"registry"`
}

// DatasetConfig holds the dataset build defaults
type DatasetConfig struct {
	TrainRatio      float64  `json:"train_ratio"`
	Seed            *uint64  `json:"seed,omitempty"`
	ImageExtensions []string `json:"image_extensions"`
}

// CatalogConfig locates the category store
type CatalogConfig struct {
	Path     string `json:"path"`
	Mode     string `json:"mode"` // "products" or "flat"
	IDPolicy string `json:"id_policy"`
}

// PrelabelConfig holds the model pre-annotation settings
type PrelabelConfig struct {
	Backend        string  `json:"backend"` // "ollama" or "llamacpp"
	OllamaURL      string  `json:"ollama_url"`
	LlamaCppURL    string  `json:"llamacpp_url"`
	Model          string  `json:"model"`
	MinConfidence  float64 `json:"min_confidence"`
	MaxDimension   int     `json:"max_dimension"`
	JPEGQuality    int     `json:"jpeg_quality"`
	WriteEmpty     bool    `json:"write_empty"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// LogConfig holds logging settings; an empty File logs to stdout only
type LogConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
	AddSource  bool   `json:"add_source"`
}

// RegistryConfig locates the SQLite ledger of built datasets
type RegistryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Dataset: DatasetConfig{
			TrainRatio:      0.8,
			ImageExtensions: []string{".jpg", ".png", ".jpeg"},
		},
		Catalog: CatalogConfig{
			Path:     filepath.Join("config", "products.json"),
			Mode:     "products",
			IDPolicy: "monotonic",
		},
		Prelabel: PrelabelConfig{
			Backend:        "ollama",
			OllamaURL:      "http://localhost:11434",
			LlamaCppURL:    "http://localhost:8080",
			Model:          "llava:13b",
			MinConfidence:  0.5,
			MaxDimension:   1024,
			JPEGQuality:    90,
			TimeoutSeconds: 300,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Registry: RegistryConfig{
			Enabled: true,
			Path:    filepath.Join("data", "datasets.db"),
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Fields missing from
// the file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads filename when it exists (defaults otherwise), loads .env files
// into the environment, applies DATASET_* overrides and validates the result
func Load(filename string, envFiles ...string) (*Config, error) {
	config := Default()
	if filename != "" {
		loaded, err := LoadFromFile(filename)
		switch {
		case err == nil:
			config = loaded
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
	}

	if err := LoadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadEnvFiles loads variables from .env files without overriding variables
// already set; missing files are ignored. With no arguments ".env" is tried.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from DATASET_* environment variables
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	float("TRAIN_RATIO", &c.Dataset.TrainRatio)
	if v, ok := os.LookupEnv(EnvPrefix + "SEED"); ok {
		if strings.TrimSpace(v) == "" {
			c.Dataset.Seed = nil
		} else if seed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("%sSEED: %w", EnvPrefix, err))
		} else {
			c.Dataset.Seed = &seed
		}
	}
	if v, ok := os.LookupEnv(EnvPrefix + "IMAGE_EXTENSIONS"); ok {
		c.Dataset.ImageExtensions = splitList(v)
	}

	str("CATALOG_PATH", &c.Catalog.Path)
	str("CATALOG_MODE", &c.Catalog.Mode)
	str("ID_POLICY", &c.Catalog.IDPolicy)

	str("BACKEND", &c.Prelabel.Backend)
	str("OLLAMA_URL", &c.Prelabel.OllamaURL)
	str("LLAMACPP_URL", &c.Prelabel.LlamaCppURL)
	str("MODEL", &c.Prelabel.Model)
	float("MIN_CONFIDENCE", &c.Prelabel.MinConfidence)
	integer("MAX_DIMENSION", &c.Prelabel.MaxDimension)
	integer("TIMEOUT_SECONDS", &c.Prelabel.TimeoutSeconds)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)

	boolean("REGISTRY_ENABLED", &c.Registry.Enabled)
	str("REGISTRY_PATH", &c.Registry.Path)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") {
			part = "." + part
		}
		out = append(out, part)
	}
	return out
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Dataset.TrainRatio <= 0 || c.Dataset.TrainRatio >= 1 {
		return fmt.Errorf("dataset.train_ratio must be between 0 and 1 (exclusive)")
	}

	if len(c.Dataset.ImageExtensions) == 0 {
		return fmt.Errorf("dataset.image_extensions cannot be empty")
	}

	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path cannot be empty")
	}

	switch c.Catalog.Mode {
	case "products", "flat":
	default:
		return fmt.Errorf("catalog.mode must be \"products\" or \"flat\"")
	}

	switch c.Catalog.IDPolicy {
	case "", "monotonic", "positional":
	default:
		return fmt.Errorf("catalog.id_policy must be \"monotonic\" or \"positional\"")
	}

	switch c.Prelabel.Backend {
	case "", "ollama", "llamacpp":
	default:
		return fmt.Errorf("prelabel.backend must be \"ollama\" or \"llamacpp\"")
	}

	if c.Prelabel.MinConfidence < 0 || c.Prelabel.MinConfidence > 1 {
		return fmt.Errorf("prelabel.min_confidence must be between 0 and 1")
	}

	if c.Prelabel.JPEGQuality < 1 || c.Prelabel.JPEGQuality > 100 {
		return fmt.Errorf("prelabel.jpeg_quality must be between 1 and 100")
	}

	if c.Prelabel.MaxDimension < 0 {
		return fmt.Errorf("prelabel.max_dimension cannot be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}

	if c.Registry.Enabled && c.Registry.Path == "" {
		return fmt.Errorf("registry.path cannot be empty when the registry is enabled")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "dataset-maker", "config.json")
}
