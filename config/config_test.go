package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: ":9090"
  mode: release
inference:
  base_url: "http://model:5000"
  timeout: 5s
decoder:
  normalize: rescale
samples:
  files: ["a.tif", "b.png"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != ":9090" || cfg.Server.Mode != "release" {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Inference.BaseURL != "http://model:5000" || cfg.Inference.Timeout != 5*time.Second {
		t.Errorf("unexpected inference config: %+v", cfg.Inference)
	}
	if cfg.Decoder.Normalize != "rescale" {
		t.Errorf("expected rescale, got %q", cfg.Decoder.Normalize)
	}
	if len(cfg.Samples.Files) != 2 {
		t.Errorf("expected 2 samples, got %v", cfg.Samples.Files)
	}
	// 未配置的字段取默认值
	if cfg.Session.CookieName != "session_id" {
		t.Errorf("expected default cookie name, got %q", cfg.Session.CookieName)
	}
	if cfg.Inference.MaxConcurrent != 3 {
		t.Errorf("expected default max_concurrent 3, got %d", cfg.Inference.MaxConcurrent)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadConfigInvalidNormalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("decoder:\n  normalize: log\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
