package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type nestedConfig struct {
	Port     string        `yaml:"port" env:"TEST_HTTP_PORT"`
	Interval time.Duration `yaml:"interval"`
}

type testConfig struct {
	HTTP    nestedConfig `yaml:"http"`
	Brokers []string     `yaml:"brokers" env:"TEST_BROKERS"`
	Limit   int64        `yaml:"limit" env:"TEST_LIMIT"`
	Enabled bool         `yaml:"enabled" env:"TEST_ENABLED"`
}

func TestLoadConfigFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("http:\n  port: \"9000\"\n  interval: 30s\nlimit: 10\nbrokers: [\"a:9092\"]\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("TEST_LIMIT", "25")
	t.Setenv("HTTP_INTERVAL", "2m")
	t.Setenv("TEST_BROKERS", "b:9092, c:9092,")

	var cfg testConfig
	if err := LoadConfig(&cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.HTTP.Port != "9000" {
		t.Fatalf("expected port from yaml, got %q", cfg.HTTP.Port)
	}
	if cfg.Limit != 25 {
		t.Fatalf("expected env override 25, got %d", cfg.Limit)
	}
	if cfg.HTTP.Interval != 2*time.Minute {
		t.Fatalf("expected interval 2m, got %s", cfg.HTTP.Interval)
	}
	if len(cfg.Brokers) != 2 || cfg.Brokers[0] != "b:9092" || cfg.Brokers[1] != "c:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Brokers)
	}
}

func TestLoadConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("TEST_ENABLED=true\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("ENV_FILE", envPath)
	t.Setenv("CONFIG_FILE", "")
	t.Cleanup(func() { os.Unsetenv("TEST_ENABLED") })

	var cfg testConfig
	if err := LoadConfig(&cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Enabled {
		t.Fatalf("expected TEST_ENABLED from dotenv file")
	}
}

func TestLoadConfigRejectsNonPointer(t *testing.T) {
	if err := LoadConfig(testConfig{}); err == nil {
		t.Fatalf("expected error for non-pointer target")
	}
}

func TestLoadConfigInvalidValue(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "none.env"))
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("TEST_LIMIT", "not-a-number")

	var cfg testConfig
	if err := LoadConfig(&cfg); err == nil {
		t.Fatalf("expected parse error")
	}
}
