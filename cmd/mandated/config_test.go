package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestEnvToRaw_NestsAndConvertsValues(t *testing.T) {
	raw := envToRaw([]string{
		"MANDATES_PORT=9100",
		"MANDATES_DEBUG=true",
		"MANDATES_AGENT_NAME=Test Agent",
		"MANDATES_CORE__TASK__DISPATCH=manual",
		"MANDATES_CORE__INTENT__DEFAULT_TTL=1h",
		"MANDATES_RATE=0.5",
		"MANDATES_=ignored",
		"OTHER_PORT=1",
		"malformed",
	}, envPrefix)

	want := map[string]any{
		"port":       9100,
		"debug":      true,
		"agent_name": "Test Agent",
		"rate":       "0.5",
		"core": map[string]any{
			"task":   map[string]any{"dispatch": "manual"},
			"intent": map[string]any{"default_ttl": "1h"},
		},
	}
	if !reflect.DeepEqual(raw, want) {
		t.Fatalf("unexpected raw config:\n got %#v\nwant %#v", raw, want)
	}
}

func TestEnvValue_NumbersStayNumeric(t *testing.T) {
	if got := envValue("1"); got != 1 {
		t.Fatalf("expected 1 to stay an int, got %#v", got)
	}
	if got := envValue(" false "); got != false {
		t.Fatalf("expected false, got %#v", got)
	}
}

func TestParseDatabaseURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    databaseTarget
		wantErr string
	}{
		{name: "memory", raw: "memory://", want: databaseTarget{Scheme: schemeMemory}},
		{name: "sqlite", raw: "sqlite://./data/mandates.db", want: databaseTarget{Scheme: schemeSQLite, Path: "./data/mandates.db"}},
		{name: "bolt", raw: "bolt:///var/lib/mandates.bolt", want: databaseTarget{Scheme: schemeBolt, Path: "/var/lib/mandates.bolt"}},
		{
			name: "postgres keeps dsn",
			raw:  "postgres://agent:secret@db:5432/mandates?sslmode=disable",
			want: databaseTarget{Scheme: schemePostgres, Path: "postgres://agent:secret@db:5432/mandates?sslmode=disable"},
		},
		{
			name: "postgresql alias",
			raw:  "postgresql://db/mandates",
			want: databaseTarget{Scheme: schemePostgres, Path: "postgresql://db/mandates"},
		},
		{name: "missing scheme", raw: "mandates.db", wantErr: "needs a scheme"},
		{name: "sqlite without path", raw: "sqlite://", wantErr: "needs a path"},
		{name: "unknown scheme", raw: "mysql://db", wantErr: "unsupported database_url scheme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDatabaseURL(tt.raw)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestAppConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{name: "defaults", mutate: func(*AppConfig) {}},
		{name: "port range", mutate: func(c *AppConfig) { c.Port = 70000 }, wantErr: "port"},
		{name: "negative rate limit", mutate: func(c *AppConfig) { c.RateLimitPerMinute = -1 }, wantErr: "rate_limit_per_minute"},
		{name: "bad database url", mutate: func(c *AppConfig) { c.DatabaseURL = "nowhere" }, wantErr: "database_url"},
		{name: "secretsmanager needs region", mutate: func(c *AppConfig) { c.KeySource = keySourceSecretsManager }, wantErr: "aws_region"},
		{name: "unknown key source", mutate: func(c *AppConfig) { c.KeySource = "vault" }, wantErr: "key_source"},
		{name: "http backend needs url", mutate: func(c *AppConfig) { c.Backend = backendHTTP }, wantErr: "executor_url"},
		{name: "unknown backend", mutate: func(c *AppConfig) { c.Backend = "llm" }, wantErr: "backend"},
		{name: "cloudwatch needs region", mutate: func(c *AppConfig) { c.CloudWatchEnabled = true }, wantErr: "aws_region"},
		{name: "persistent store needs key seed", mutate: func(c *AppConfig) { c.KeySeed = "" }, wantErr: "key_seed"},
		{name: "bolt store needs key seed", mutate: func(c *AppConfig) {
			c.KeySeed = ""
			c.DatabaseURL = "bolt://mandates.bolt"
		}, wantErr: "key_seed"},
		{name: "memory store without key seed", mutate: func(c *AppConfig) {
			c.KeySeed = ""
			c.DatabaseURL = "memory://"
		}},
		{name: "secretsmanager without key seed", mutate: func(c *AppConfig) {
			c.KeySeed = ""
			c.KeySource = keySourceSecretsManager
			c.AWSRegion = "us-east-1"
		}},
		{
			name: "http backend with url",
			mutate: func(c *AppConfig) {
				c.Backend = backendHTTP
				c.ExecutorURL = "http://executor:9000"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAppConfig()
			cfg.KeySeed = "config-test-seed"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAppConfig_Helpers(t *testing.T) {
	cfg := DefaultAppConfig()
	if got := cfg.Addr(); got != "0.0.0.0:8000" {
		t.Fatalf("unexpected addr %q", got)
	}
	if cfg.Production() {
		t.Fatalf("expected development by default")
	}
	cfg.Environment = " Production "
	if !cfg.Production() {
		t.Fatalf("expected production")
	}
	if got := cfg.Origins(); len(got) != 2 || got[0] != "http://localhost:3000" {
		t.Fatalf("unexpected default origins %v", got)
	}
	cfg.AllowedOrigins = " https://a.example.com ,, https://b.example.com"
	if got := cfg.Origins(); len(got) != 2 || got[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", got)
	}
	cfg.AllowedOrigins = ""
	if got := cfg.Origins(); len(got) != 0 {
		t.Fatalf("expected no origins, got %v", got)
	}
}

func TestLoadAppConfig_EnvFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("MANDATES_AGENT_NAME=File Agent\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("MANDATES_AGENT_NAME") })
	t.Setenv("MANDATES_PORT", "9100")
	t.Setenv("MANDATES_DATABASE_URL", "memory://")

	cfg, err := loadAppConfig(context.Background(), envFile, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("expected port 9100, got %d", cfg.Port)
	}
	if cfg.AgentName != "File Agent" {
		t.Fatalf("expected agent name from env file, got %q", cfg.AgentName)
	}
	if cfg.DatabaseURL != "memory://" {
		t.Fatalf("expected memory database, got %q", cfg.DatabaseURL)
	}
	if cfg.RateLimitPerMinute != 60 {
		t.Fatalf("expected default rate limit, got %d", cfg.RateLimitPerMinute)
	}
}

func TestLoadAppConfig_RequiresKeySeedForPersistentStore(t *testing.T) {
	t.Setenv("MANDATES_DATABASE_URL", "sqlite://mandates.db")
	t.Setenv("MANDATES_KEY_SEED", "")
	if _, err := loadAppConfig(context.Background()); err == nil || !strings.Contains(err.Error(), "key_seed") {
		t.Fatalf("expected key_seed validation error, got %v", err)
	}

	t.Setenv("MANDATES_KEY_SEED", "stable-seed")
	cfg, err := loadAppConfig(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.KeySeed != "stable-seed" {
		t.Fatalf("expected key seed from environment, got %q", cfg.KeySeed)
	}
}

func TestLoadAppConfig_RejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("MANDATES_BACKEND", "llm")
	if _, err := loadAppConfig(context.Background()); err == nil {
		t.Fatalf("expected validation error")
	}
}
