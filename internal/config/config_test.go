package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFrom(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		path := writeConfig(t, `
api_key = "sk-test-123"
base_url = "https://api.example.com"
model = "gpt-4o"
temperature = 0.7
`)

		cfg, err := LoadFrom(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.APIKey != "sk-test-123" {
			t.Errorf("APIKey = %q, want %q", cfg.APIKey, "sk-test-123")
		}
		if cfg.BaseURL != "https://api.example.com" {
			t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, "https://api.example.com")
		}
		if cfg.Model != "gpt-4o" {
			t.Errorf("Model = %q, want %q", cfg.Model, "gpt-4o")
		}
		if cfg.Temperature != 0.7 {
			t.Errorf("Temperature = %v, want 0.7", cfg.Temperature)
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		path := writeConfig(t, `api_key = "sk-test-123"`)

		cfg, err := LoadFrom(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.BaseURL != "https://api.openai.com/v1" {
			t.Errorf("BaseURL = %q, want default", cfg.BaseURL)
		}
		if cfg.Model != "gpt-4" {
			t.Errorf("Model = %q, want default", cfg.Model)
		}
		if cfg.Temperature != 0.2 {
			t.Errorf("Temperature = %v, want 0.2", cfg.Temperature)
		}
		if cfg.Retry != 8 {
			t.Errorf("Retry = %d, want 8", cfg.Retry)
		}
		if cfg.RetryDelay() != 15*time.Second {
			t.Errorf("RetryDelay = %v, want 15s", cfg.RetryDelay())
		}
		if cfg.MaxDelay() != 3*time.Minute {
			t.Errorf("MaxDelay = %v, want 3m", cfg.MaxDelay())
		}
		if !cfg.Cache {
			t.Errorf("Cache should default to true")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
		if err == nil {
			t.Fatal("expected error for missing file")
		}
	})

	t.Run("temperature out of range", func(t *testing.T) {
		path := writeConfig(t, `temperature = 3.5`)
		_, err := LoadFrom(path)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("got %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("max delay below retry delay", func(t *testing.T) {
		path := writeConfig(t, "retry_delay_ms = 5000\nmax_delay_ms = 1000\n")
		_, err := LoadFrom(path)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("got %v, want ErrInvalidConfig", err)
		}
	})
}

func TestRequireAPIKey(t *testing.T) {
	cfg := Defaults()
	if err := cfg.RequireAPIKey(); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("got %v, want ErrNoAPIKey", err)
	}

	cfg.APIKey = "sk-1"
	if err := cfg.RequireAPIKey(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
