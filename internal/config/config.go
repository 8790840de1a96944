// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"duck-semantic/internal/dialect"
	"duck-semantic/internal/schema"
)

// Config holds the configuration of the compiler, the HTTP API and the refresh
// worker.
type Config struct {
	SchemaSource          string // model directory or s3://, gs://, az:// URL
	Dialect               string // SQL dialect name (default "postgres")
	PreAggregationsSchema string // schema rollup tables are created in
	DefaultTimezone       string // timezone of queries that name none
	AllowUnknownFields    bool   // accept unknown keys in model files

	MetaDBPath string // path to the SQLite freshness store
	DuckDBPath string // DuckDB database file; empty means in-memory

	ListenAddr         string   // HTTP listen address (default ":4000")
	APISecret          string   // HS256 secret; empty disables authentication
	CORSAllowedOrigins []string // allowed origins for CORS; empty disables CORS
	LoadRateLimitRPS   float64  // per-client /v1/load requests per second; 0 disables
	LoadRateLimitBurst int

	RefreshSchedule  string  // cron spec of the refresh worker (default "@every 1m")
	RefreshRateLimit float64 // rollup builds per second; 0 means unlimited

	LogLevel string // log level: debug, info, warn, error (default "info")

	// Remote holds object store credentials. They serve remote schema sources
	// and become DuckDB secrets for cube SQL reading object store paths.
	Remote     schema.RemoteConfig
	S3URLStyle string // "vhost" or "path" for DuckDB S3 access

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SchemaOptions returns the decoding options of model files.
func (c *Config) SchemaOptions() schema.Options {
	return schema.Options{AllowUnknownFields: c.AllowUnknownFields}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		SchemaSource:          os.Getenv("SCHEMA_SOURCE"),
		Dialect:               strings.ToLower(os.Getenv("SQL_DIALECT")),
		PreAggregationsSchema: os.Getenv("PRE_AGGREGATIONS_SCHEMA"),
		DefaultTimezone:       os.Getenv("DEFAULT_TIMEZONE"),
		AllowUnknownFields:    parseBoolEnvDefault("ALLOW_UNKNOWN_FIELDS", false),
		MetaDBPath:            os.Getenv("META_DB_PATH"),
		DuckDBPath:            os.Getenv("DUCKDB_PATH"),
		ListenAddr:            os.Getenv("LISTEN_ADDR"),
		APISecret:             os.Getenv("API_SECRET"),
		RefreshSchedule:       os.Getenv("REFRESH_SCHEDULE"),
		LogLevel:              os.Getenv("LOG_LEVEL"),
		S3URLStyle:            os.Getenv("S3_URL_STYLE"),
		Remote: schema.RemoteConfig{
			S3KeyID:            os.Getenv("S3_KEY_ID"),
			S3Secret:           os.Getenv("S3_SECRET"),
			S3Endpoint:         os.Getenv("S3_ENDPOINT"),
			S3Region:           os.Getenv("S3_REGION"),
			GCSCredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
			AzureAccountName:   os.Getenv("AZURE_STORAGE_ACCOUNT"),
			AzureAccountKey:    os.Getenv("AZURE_STORAGE_KEY"),
		},
	}

	var err error
	if cfg.RefreshRateLimit, err = parseFloatEnv("REFRESH_RATE_LIMIT"); err != nil {
		return nil, err
	}
	if cfg.LoadRateLimitRPS, err = parseFloatEnv("LOAD_RATE_LIMIT_RPS"); err != nil {
		return nil, err
	}
	if v := os.Getenv("LOAD_RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("LOAD_RATE_LIMIT_BURST must be a non-negative integer, got %q", v)
		}
		cfg.LoadRateLimitBurst = n
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = compactNonEmpty(origins)
	}

	// Defaults
	if cfg.SchemaSource == "" {
		cfg.SchemaSource = "./model"
	}
	if cfg.Dialect == "" {
		cfg.Dialect = "postgres"
	}
	if cfg.PreAggregationsSchema == "" {
		cfg.PreAggregationsSchema = "pre_aggregations"
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "duck-semantic.sqlite"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":4000"
	}
	if cfg.RefreshSchedule == "" {
		cfg.RefreshSchedule = "@every 1m"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if _, err := dialect.Get(cfg.Dialect); err != nil {
		return nil, fmt.Errorf("SQL_DIALECT: %w", err)
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return nil, fmt.Errorf("DEFAULT_TIMEZONE: unknown timezone %q", cfg.DefaultTimezone)
	}
	if cfg.APISecret == "" {
		cfg.Warnings = append(cfg.Warnings, "API_SECRET is not set; the HTTP API accepts unauthenticated requests")
	}
	if cfg.Dialect != "duckdb" {
		cfg.Warnings = append(cfg.Warnings,
			fmt.Sprintf("SQL_DIALECT=%s: /v1/load and the refresh worker run SQL on DuckDB and need SQL_DIALECT=duckdb", cfg.Dialect))
	}

	return cfg, nil
}

func parseFloatEnv(key string) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("%s must be a non-negative number, got %q", key, v)
	}
	return f, nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes matching surrounding double or single quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
