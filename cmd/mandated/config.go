package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	"github.com/joho/godotenv"
)

const envPrefix = "MANDATES_"

const (
	keySourceStatic         = "static"
	keySourceSecretsManager = "secretsmanager"

	backendTemplate = "template"
	backendHTTP     = "http"
)

// AppConfig is the process configuration. Core service settings live under
// the core key and are handed to the service config provider as is.
type AppConfig struct {
	Host             string `koanf:"host" mapstructure:"host"`
	Port             int    `koanf:"port" mapstructure:"port"`
	BaseURL          string `koanf:"base_url" mapstructure:"base_url"`
	AgentName        string `koanf:"agent_name" mapstructure:"agent_name"`
	AgentDescription string `koanf:"agent_description" mapstructure:"agent_description"`
	AgentVersion     string `koanf:"agent_version" mapstructure:"agent_version"`
	ProviderName     string `koanf:"provider_name" mapstructure:"provider_name"`

	Environment string `koanf:"environment" mapstructure:"environment"`
	LogLevel    string `koanf:"log_level" mapstructure:"log_level"`
	Debug       bool   `koanf:"debug" mapstructure:"debug"`

	AllowedOrigins     string `koanf:"allowed_origins" mapstructure:"allowed_origins"`
	RateLimitPerMinute int    `koanf:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	DatabaseURL        string `koanf:"database_url" mapstructure:"database_url"`
	AutoMigrate        bool   `koanf:"auto_migrate" mapstructure:"auto_migrate"`
	CatalogCacheTTLSec int    `koanf:"catalog_cache_ttl_seconds" mapstructure:"catalog_cache_ttl_seconds"`

	KeySource        string `koanf:"key_source" mapstructure:"key_source"`
	KeySeed          string `koanf:"key_seed" mapstructure:"key_seed"`
	SecretPrefix     string `koanf:"secret_prefix" mapstructure:"secret_prefix"`
	KeyFailurePolicy string `koanf:"key_failure_policy" mapstructure:"key_failure_policy"`
	AppKey           string `koanf:"app_key" mapstructure:"app_key"`
	AppKeySecretName string `koanf:"app_key_secret_name" mapstructure:"app_key_secret_name"`

	AWSRegion           string `koanf:"aws_region" mapstructure:"aws_region"`
	CloudWatchEnabled   bool   `koanf:"cloudwatch_enabled" mapstructure:"cloudwatch_enabled"`
	CloudWatchNamespace string `koanf:"cloudwatch_namespace" mapstructure:"cloudwatch_namespace"`

	Backend         string `koanf:"backend" mapstructure:"backend"`
	ExecutorURL     string `koanf:"executor_url" mapstructure:"executor_url"`
	ExecutorToken   string `koanf:"executor_token" mapstructure:"executor_token"`
	ContinueURL     string `koanf:"executor_continue_url" mapstructure:"executor_continue_url"`
	ReconcileEveryS int    `koanf:"reconcile_interval_seconds" mapstructure:"reconcile_interval_seconds"`

	Core map[string]any `koanf:"core" mapstructure:"core"`
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Host:                "0.0.0.0",
		Port:                8000,
		BaseURL:             "http://localhost:8000",
		AgentName:           "Consulting Agent",
		AgentDescription:    "Paid consulting tasks settled through intent, cart and payment mandates",
		AgentVersion:        "1.0.0",
		Environment:         "development",
		LogLevel:            "info",
		AllowedOrigins:      "http://localhost:3000,http://localhost:8000",
		RateLimitPerMinute:  60,
		DatabaseURL:         "sqlite://mandates.db",
		AutoMigrate:         true,
		CatalogCacheTTLSec:  300,
		KeySource:           keySourceStatic,
		SecretPrefix:        "mandates/",
		KeyFailurePolicy:    "strict_fail",
		CloudWatchNamespace: "Mandates",
		Backend:             backendTemplate,
		ReconcileEveryS:     60,
	}
}

func (c *AppConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d is out of range", c.Port)
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("config: rate_limit_per_minute must not be negative")
	}
	target, err := parseDatabaseURL(c.DatabaseURL)
	if err != nil {
		return err
	}
	switch c.KeySource {
	case keySourceStatic:
		// A random seed per start would orphan every persisted signature.
		if strings.TrimSpace(c.KeySeed) == "" && target.Scheme != schemeMemory {
			return fmt.Errorf("config: key_seed is required with the static key source and a persistent database_url")
		}
	case keySourceSecretsManager:
		if strings.TrimSpace(c.AWSRegion) == "" {
			return fmt.Errorf("config: aws_region is required for the secretsmanager key source")
		}
	default:
		return fmt.Errorf("config: unsupported key_source %q", c.KeySource)
	}
	switch c.Backend {
	case backendTemplate:
	case backendHTTP:
		if strings.TrimSpace(c.ExecutorURL) == "" {
			return fmt.Errorf("config: executor_url is required for the http backend")
		}
	default:
		return fmt.Errorf("config: unsupported backend %q", c.Backend)
	}
	if c.CloudWatchEnabled && strings.TrimSpace(c.AWSRegion) == "" {
		return fmt.Errorf("config: aws_region is required when cloudwatch is enabled")
	}
	return nil
}

func (c AppConfig) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// Origins splits the comma separated allowed_origins list.
func (c AppConfig) Origins() []string {
	var origins []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func (c AppConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// loadAppConfig reads envFiles (missing files are skipped), then builds the
// config from MANDATES_ variables over the defaults.
func loadAppConfig(_ context.Context, envFiles ...string) (AppConfig, error) {
	for _, file := range envFiles {
		if strings.TrimSpace(file) == "" {
			continue
		}
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("config: load %s: %w", file, err)
		}
	}
	raw := envToRaw(os.Environ(), envPrefix)
	return cfgx.Build[AppConfig](raw,
		cfgx.WithDefaults(DefaultAppConfig()),
		cfgx.WithValidator[AppConfig]((*AppConfig).Validate),
	)
}

// envToRaw maps PREFIX_SOME_KEY=value to {"some_key": value}. A double
// underscore nests, so MANDATES_CORE__TASK__DISPATCH lands at
// core.task.dispatch. Booleans and integers are converted.
func envToRaw(environ []string, prefix string) map[string]any {
	raw := map[string]any{}
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, prefix)), "__")
		if len(path) == 0 || path[0] == "" {
			continue
		}
		node := raw
		for _, segment := range path[:len(path)-1] {
			child, ok := node[segment].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[segment] = child
			}
			node = child
		}
		node[path[len(path)-1]] = envValue(value)
	}
	return raw
}

func envValue(value string) any {
	trimmed := strings.TrimSpace(value)
	if parsed, err := strconv.ParseBool(trimmed); err == nil && !isNumeric(trimmed) {
		return parsed
	}
	if parsed, err := strconv.Atoi(trimmed); err == nil {
		return parsed
	}
	return trimmed
}

func isNumeric(value string) bool {
	_, err := strconv.Atoi(value)
	return err == nil
}

type storeScheme string

const (
	schemeMemory   storeScheme = "memory"
	schemeSQLite   storeScheme = "sqlite"
	schemePostgres storeScheme = "postgres"
	schemeBolt     storeScheme = "bolt"
)

type databaseTarget struct {
	Scheme storeScheme
	// Path is the file for sqlite and bolt, or the full DSN for postgres.
	Path string
}

func parseDatabaseURL(raw string) (databaseTarget, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return databaseTarget{}, fmt.Errorf("config: database_url %q needs a scheme", raw)
	}
	switch storeScheme(strings.ToLower(scheme)) {
	case schemeMemory:
		return databaseTarget{Scheme: schemeMemory}, nil
	case schemeSQLite:
		if rest == "" {
			return databaseTarget{}, fmt.Errorf("config: sqlite database_url needs a path")
		}
		return databaseTarget{Scheme: schemeSQLite, Path: rest}, nil
	case schemeBolt:
		if rest == "" {
			return databaseTarget{}, fmt.Errorf("config: bolt database_url needs a path")
		}
		return databaseTarget{Scheme: schemeBolt, Path: rest}, nil
	case schemePostgres, "postgresql":
		if _, err := url.Parse(raw); err != nil {
			return databaseTarget{}, fmt.Errorf("config: invalid postgres database_url: %w", err)
		}
		return databaseTarget{Scheme: schemePostgres, Path: raw}, nil
	default:
		return databaseTarget{}, fmt.Errorf("config: unsupported database_url scheme %q", scheme)
	}
}
