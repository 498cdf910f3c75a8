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
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"STORYOS_OPENAI_API_KEY", "OPENAI_API_KEY", "STORYOS_OPENAI_BASE_URL",
		"STORYOS_DATABASE_DRIVER", "STORYOS_DATABASE_DSN", "STORYOS_REDIS_ADDR", "STORYOS_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: mysql
  dsn: "u:p@tcp(db:3306)/storyos?parseTime=true"
engine:
  save_attempts: 5
  save_backoff: 10ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Database.Driver != "mysql" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if cfg.Engine.SaveAttempts != 5 || cfg.Engine.SaveBackoff != 10*time.Millisecond {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.DefaultGameSpeed != 4 || cfg.LLM.Model == "" {
		t.Errorf("defaults not kept: %+v %+v", cfg.Engine, cfg.LLM)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "fallback")
	t.Setenv("STORYOS_OPENAI_API_KEY", "primary")
	t.Setenv("STORYOS_DATABASE_DSN", "/tmp/x.db")
	t.Setenv("STORYOS_REDIS_ADDR", "redis:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "primary" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
	if cfg.Database.DSN != "/tmp/x.db" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad driver", "database:\n  driver: oracle\n", "Driver"},
		{"bad level", "logging:\n  level: loud\n", "Level"},
		{"game speed out of range", "engine:\n  default_game_speed: 11\n", "DefaultGameSpeed"},
		{"zero save attempts", "engine:\n  save_attempts: 0\n", "SaveAttempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
