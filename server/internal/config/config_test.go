package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eduvision.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEY", "API_KEY", "GEMINI_CHAT_MODEL", "EDUVISION_REDIS_ADDR", "PORT"} {
		t.Setenv(k, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server:\n  port: 9000\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Video.PollInterval != 5*time.Second || cfg.Video.MaxPolls != 60 {
		t.Fatalf("video defaults = %+v", cfg.Video)
	}
	if cfg.Gamification.ImageBonus != 20 || cfg.Gamification.VideoBonus != 50 {
		t.Fatalf("bonus defaults = %+v", cfg.Gamification)
	}
	if cfg.Session.Store != StoreMemory {
		t.Fatalf("store = %q", cfg.Session.Store)
	}
	if cfg.Gemini.Temperature != 0.7 || cfg.Gemini.ThinkingBudget != 1024 {
		t.Fatalf("sampling defaults = %v/%d", cfg.Gemini.Temperature, cfg.Gemini.ThinkingBudget)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_KEY", "fallback-key")
	t.Setenv("GEMINI_CHAT_MODEL", "gemini-test")
	t.Setenv("EDUVISION_REDIS_ADDR", "redis:6380")
	t.Setenv("PORT", "7070")

	path := writeConfig(t, "gemini:\n  api_key: from-file\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gemini.APIKey != "fallback-key" {
		t.Fatalf("api key = %q", cfg.Gemini.APIKey)
	}
	if cfg.Gemini.ChatModel != "gemini-test" {
		t.Fatalf("chat model = %q", cfg.Gemini.ChatModel)
	}
	if cfg.Session.Store != StoreRedis || cfg.Session.Redis.Addr != "redis:6380" {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}

	t.Setenv("GEMINI_API_KEY", "primary-key")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gemini.APIKey != "primary-key" {
		t.Fatalf("GEMINI_API_KEY should win, got %q", cfg.Gemini.APIKey)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Fatalf("addr = %s", cfg.Addr())
	}
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]func(c *Config){
		"unknown store":      func(c *Config) { c.Session.Store = "etcd" },
		"zero poll":          func(c *Config) { c.Video.PollInterval = -time.Second },
		"zero max polls":     func(c *Config) { c.Video.MaxPolls = -1 },
		"temperature":        func(c *Config) { c.Gemini.Temperature = 3 },
		"port":               func(c *Config) { c.Server.Port = 70000 },
		"negative bonus":     func(c *Config) { c.Gamification.VideoBonus = -5 },
		"redis without addr": func(c *Config) { c.Session.Store = StoreRedis; c.Session.Redis.Addr = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadBadYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server: [")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
