package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, v any) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pgs_conf.json")
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func validConfigMap(staticFolder string) map[string]any {
	return map[string]any{
		"port":          8080,
		"static_folder": staticFolder,
		"thread_count":  4,
		"rate_limit": map[string]any{
			"max_requests": 100,
			"time_window":  60,
		},
		"cache": map[string]any{
			"size_mb":         64,
			"max_age_seconds": 3600,
		},
	}
}

func TestLoadValidConfig(t *testing.T) {
	staticDir := t.TempDir()
	path := writeConfig(t, validConfigMap(staticDir))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.RateLimit.MaxRequests != 100 || cfg.RateLimit.TimeWindow != 60 {
		t.Errorf("RateLimit = %+v, unexpected", cfg.RateLimit)
	}
	if cfg.Cache.SizeMB != 64 || cfg.Cache.MaxAgeSeconds != 3600 {
		t.Errorf("Cache = %+v, unexpected", cfg.Cache)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load() on missing file = nil error, want error")
	}
}

func TestLoadMissingRequiredFieldErrors(t *testing.T) {
	m := validConfigMap(t.TempDir())
	delete(m, "thread_count")
	path := writeConfig(t, m)

	if _, err := Load(path); err == nil {
		t.Error("Load() with missing thread_count = nil error, want error")
	}
}

func TestLoadInvalidPortErrors(t *testing.T) {
	m := validConfigMap(t.TempDir())
	m["port"] = 70000
	path := writeConfig(t, m)

	if _, err := Load(path); err == nil {
		t.Error("Load() with out-of-range port = nil error, want error")
	}
}

func TestLoadNonexistentStaticFolderErrors(t *testing.T) {
	m := validConfigMap(filepath.Join(t.TempDir(), "does-not-exist"))
	path := writeConfig(t, m)

	if _, err := Load(path); err == nil {
		t.Error("Load() with nonexistent static folder = nil error, want error")
	}
}

func TestLoadInvalidThreadCountErrors(t *testing.T) {
	m := validConfigMap(t.TempDir())
	m["thread_count"] = 0
	path := writeConfig(t, m)

	if _, err := Load(path); err == nil {
		t.Error("Load() with thread_count=0 = nil error, want error")
	}
}

func TestLoadInvalidRateLimitErrors(t *testing.T) {
	m := validConfigMap(t.TempDir())
	m["rate_limit"] = map[string]any{"max_requests": 0, "time_window": 60}
	path := writeConfig(t, m)

	if _, err := Load(path); err == nil {
		t.Error("Load() with max_requests=0 = nil error, want error")
	}
}

func TestLoadInvalidCacheErrors(t *testing.T) {
	m := validConfigMap(t.TempDir())
	m["cache"] = map[string]any{"size_mb": 0, "max_age_seconds": 3600}
	path := writeConfig(t, m)

	if _, err := Load(path); err == nil {
		t.Error("Load() with size_mb=0 = nil error, want error")
	}
}

func TestLoadMetricsDefaultsToDisabled(t *testing.T) {
	path := writeConfig(t, validConfigMap(t.TempDir()))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Port != 0 {
		t.Errorf("Metrics.Port = %d with no metrics section, want 0", cfg.Metrics.Port)
	}
}

func TestLoadWithMetricsSection(t *testing.T) {
	m := validConfigMap(t.TempDir())
	m["metrics"] = map[string]any{"port": 9090}
	path := writeConfig(t, m)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Metrics.Port = %d, want 9090", cfg.Metrics.Port)
	}
}
