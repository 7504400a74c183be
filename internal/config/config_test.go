package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Dataset.TrainRatio = 0.7
	seed := uint64(42)
	cfg.Dataset.Seed = &seed
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadFromFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dataset": {"train_ratio": 0.9}}`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.9, cfg.Dataset.TrainRatio)
	assert.Equal(t, Default().Catalog, cfg.Catalog)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"ratio one":      func(c *Config) { c.Dataset.TrainRatio = 1 },
		"ratio zero":     func(c *Config) { c.Dataset.TrainRatio = 0 },
		"no extensions":  func(c *Config) { c.Dataset.ImageExtensions = nil },
		"bad mode":       func(c *Config) { c.Catalog.Mode = "tree" },
		"bad id policy":  func(c *Config) { c.Catalog.IDPolicy = "random" },
		"bad backend":    func(c *Config) { c.Prelabel.Backend = "vllm" },
		"bad confidence": func(c *Config) { c.Prelabel.MinConfidence = 1.5 },
		"bad quality":    func(c *Config) { c.Prelabel.JPEGQuality = 0 },
		"bad level":      func(c *Config) { c.Log.Level = "trace" },
		"no registry":    func(c *Config) { c.Registry.Path = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DATASET_TRAIN_RATIO", "0.75")
	t.Setenv("DATASET_SEED", "7")
	t.Setenv("DATASET_IMAGE_EXTENSIONS", "jpg, .PNG ,webp")
	t.Setenv("DATASET_CATALOG_MODE", "flat")
	t.Setenv("DATASET_MODEL", "qwen2.5vl")
	t.Setenv("DATASET_BACKEND", "llamacpp")
	t.Setenv("DATASET_LLAMACPP_URL", "http://gpu:8080")
	t.Setenv("DATASET_REGISTRY_ENABLED", "false")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 0.75, cfg.Dataset.TrainRatio)
	require.NotNil(t, cfg.Dataset.Seed)
	assert.Equal(t, uint64(7), *cfg.Dataset.Seed)
	assert.Equal(t, []string{".jpg", ".png", ".webp"}, cfg.Dataset.ImageExtensions)
	assert.Equal(t, "flat", cfg.Catalog.Mode)
	assert.Equal(t, "qwen2.5vl", cfg.Prelabel.Model)
	assert.Equal(t, "llamacpp", cfg.Prelabel.Backend)
	assert.Equal(t, "http://gpu:8080", cfg.Prelabel.LlamaCppURL)
	assert.False(t, cfg.Registry.Enabled)
}

func TestApplyEnvInvalid(t *testing.T) {
	t.Setenv("DATASET_TRAIN_RATIO", "most")
	t.Setenv("DATASET_SEED", "-1")
	err := Default().ApplyEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATASET_TRAIN_RATIO")
	assert.Contains(t, err.Error(), "DATASET_SEED")
}

func TestLoadWithEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("DATASET_LOG_LEVEL=debug\n"), 0o644))
	t.Setenv("DATASET_LOG_LEVEL", "")
	os.Unsetenv("DATASET_LOG_LEVEL")

	cfg, err := Load(filepath.Join(dir, "missing.json"), envFile)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dataset": `), 0o644))
	_, err := Load(path, filepath.Join(t.TempDir(), "none.env"))
	assert.Error(t, err)
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "config.json", filepath.Base(GetConfigPath()))
}
