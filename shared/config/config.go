package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Config keys match the environment variable names; the same names are used
// as JSON keys in configs/{ENV}.json.
type Config struct {
	Env              string        `json:"ENV" env:"ENV"`
	ServiceName      string        `json:"SERVICE_NAME" env:"SERVICE_NAME"`
	HTTPPort         int           `json:"HTTP_PORT" env:"HTTP_PORT"`
	LogLevel         string        `json:"LOG_LEVEL" env:"LOG_LEVEL"`
	Version          string        `json:"VERSION" env:"VERSION"`
	ConfigPath       string        `json:"-" env:"CONFIG_PATH"`
	RequestTimeoutMS int           `json:"REQUEST_TIMEOUT_MS" env:"REQUEST_TIMEOUT_MS"`
	RequestTimeout   time.Duration `json:"-"`

	OIDCIssuer      string `json:"OIDC_ISSUER" env:"OIDC_ISSUER"`
	OIDCAudience    string `json:"OIDC_AUDIENCE" env:"OIDC_AUDIENCE"`
	OIDCJWKSURL     string `json:"OIDC_JWKS_URL" env:"OIDC_JWKS_URL"`
	JWKSTTLSeconds  int    `json:"JWKS_CACHE_TTL_SECONDS" env:"JWKS_CACHE_TTL_SECONDS"`
	JWTClockSkewSec int    `json:"JWT_CLOCK_SKEW_SECONDS" env:"JWT_CLOCK_SKEW_SECONDS"`
	OIDCWorkerClaim string `json:"OIDC_WORKER_CLAIM" env:"OIDC_WORKER_CLAIM"`
	AdminRole       string `json:"ADMIN_ROLE" env:"ADMIN_ROLE"`

	DatabaseURL       string `json:"DATABASE_URL" env:"DATABASE_URL"`
	DBMaxConns        int    `json:"DB_MAX_CONNS" env:"DB_MAX_CONNS"`
	DBMinConns        int    `json:"DB_MIN_CONNS" env:"DB_MIN_CONNS"`
	DBConnMaxIdleSec  int    `json:"DB_CONN_MAX_IDLE_SECONDS" env:"DB_CONN_MAX_IDLE_SECONDS"`
	DBConnMaxLifeSec  int    `json:"DB_CONN_MAX_LIFETIME_SECONDS" env:"DB_CONN_MAX_LIFETIME_SECONDS"`
	MigrationsEnabled bool   `json:"MIGRATIONS_ENABLED" env:"MIGRATIONS_ENABLED"`
	AuditEnabled      bool   `json:"AUDIT_ENABLED" env:"AUDIT_ENABLED"`

	KafkaBrokers  []string `json:"KAFKA_BROKERS" env:"KAFKA_BROKERS" envSeparator:","`
	KafkaClientID string   `json:"KAFKA_CLIENT_ID" env:"KAFKA_CLIENT_ID"`
	KafkaRetryMax int      `json:"KAFKA_RETRY_MAX" env:"KAFKA_RETRY_MAX"`
	KafkaWriteMS  int      `json:"KAFKA_WRITE_TIMEOUT_MS" env:"KAFKA_WRITE_TIMEOUT_MS"`
	KafkaGroupID  string   `json:"KAFKA_CONSUMER_GROUP" env:"KAFKA_CONSUMER_GROUP"`

	RedisAddr     string `json:"REDIS_ADDR" env:"REDIS_ADDR"`
	RedisPassword string `json:"REDIS_PASSWORD" env:"REDIS_PASSWORD"`
	RedisDB       int    `json:"REDIS_DB" env:"REDIS_DB"`

	AsynqRedisAddr   string `json:"ASYNQ_REDIS_ADDR" env:"ASYNQ_REDIS_ADDR"`
	AsynqRedisPass   string `json:"ASYNQ_REDIS_PASSWORD" env:"ASYNQ_REDIS_PASSWORD"`
	AsynqRedisDB     int    `json:"ASYNQ_REDIS_DB" env:"ASYNQ_REDIS_DB"`
	AsynqQueue       string `json:"ASYNQ_QUEUE" env:"ASYNQ_QUEUE"`
	AsynqConcurrency int    `json:"ASYNQ_CONCURRENCY" env:"ASYNQ_CONCURRENCY"`
	AsynqEnabled     bool   `json:"ASYNQ_ENABLED" env:"ASYNQ_ENABLED"`

	OutboxScanSec     int `json:"OUTBOX_SCAN_INTERVAL_SECONDS" env:"OUTBOX_SCAN_INTERVAL_SECONDS"`
	OutboxBatchSize   int `json:"OUTBOX_BATCH_SIZE" env:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts int `json:"OUTBOX_MAX_ATTEMPTS" env:"OUTBOX_MAX_ATTEMPTS"`

	InfluxURL       string `json:"INFLUX_URL" env:"INFLUX_URL"`
	InfluxToken     string `json:"INFLUX_TOKEN" env:"INFLUX_TOKEN"`
	InfluxOrg       string `json:"INFLUX_ORG" env:"INFLUX_ORG"`
	InfluxBucket    string `json:"INFLUX_BUCKET" env:"INFLUX_BUCKET"`
	InfluxTimeoutMS int    `json:"INFLUX_TIMEOUT_MS" env:"INFLUX_TIMEOUT_MS"`

	StorageURL       string `json:"STORAGE_URL" env:"STORAGE_URL"`
	StorageToken     string `json:"STORAGE_TOKEN" env:"STORAGE_TOKEN"`
	StorageTimeoutMS int    `json:"STORAGE_TIMEOUT_MS" env:"STORAGE_TIMEOUT_MS"`

	IdentitySource    string `json:"IDENTITY_SOURCE" env:"IDENTITY_SOURCE"`
	IdentityURL       string `json:"IDENTITY_URL" env:"IDENTITY_URL"`
	IdentityToken     string `json:"IDENTITY_TOKEN" env:"IDENTITY_TOKEN"`
	IdentityTimeoutMS int    `json:"IDENTITY_TIMEOUT_MS" env:"IDENTITY_TIMEOUT_MS"`
	WorkerCacheTTLSec int    `json:"WORKER_CACHE_TTL_SECONDS" env:"WORKER_CACHE_TTL_SECONDS"`

	GPSThresholdMeters   float64 `json:"GPS_THRESHOLD_METERS" env:"GPS_THRESHOLD_METERS"`
	GPSLowAccuracyMeters float64 `json:"GPS_LOW_ACCURACY_METERS" env:"GPS_LOW_ACCURACY_METERS"`
	MaxAttachments       int     `json:"MAX_ATTACHMENTS" env:"MAX_ATTACHMENTS"`
	MaxUploadMB          int     `json:"MAX_UPLOAD_MB" env:"MAX_UPLOAD_MB"`
	RevenueScale         int32   `json:"REVENUE_SCALE" env:"REVENUE_SCALE"`
	PaymentEditReasonMin int     `json:"PAYMENT_EDIT_REASON_MIN" env:"PAYMENT_EDIT_REASON_MIN"`

	ReportMaxRangeDays int    `json:"REPORT_MAX_RANGE_DAYS" env:"REPORT_MAX_RANGE_DAYS"`
	ReportTimezone     string `json:"REPORT_TIMEZONE" env:"REPORT_TIMEZONE"`
	ReportNightlyCron  string `json:"REPORT_NIGHTLY_CRON" env:"REPORT_NIGHTLY_CRON"`

	RateLimitRPS   float64 `json:"RATE_LIMIT_RPS" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `json:"RATE_LIMIT_BURST" env:"RATE_LIMIT_BURST"`

	CORSAllowedOrigins []string `json:"CORS_ALLOWED_ORIGINS" env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	OtelEnabled     bool    `json:"OTEL_ENABLED" env:"OTEL_ENABLED"`
	OtelEndpoint    string  `json:"OTEL_EXPORTER_OTLP_ENDPOINT" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelInsecure    bool    `json:"OTEL_EXPORTER_OTLP_INSECURE" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	OtelSampleRatio float64 `json:"OTEL_SAMPLE_RATIO" env:"OTEL_SAMPLE_RATIO"`
}

func defaults(serviceName string, httpPort int) Config {
	return Config{
		ServiceName:          serviceName,
		HTTPPort:             httpPort,
		LogLevel:             "info",
		Version:              "dev",
		RequestTimeoutMS:     30000,
		JWKSTTLSeconds:       300,
		JWTClockSkewSec:      60,
		OIDCWorkerClaim:      "worker_id",
		AdminRole:            "admin",
		DBMaxConns:           10,
		DBMinConns:           1,
		DBConnMaxIdleSec:     300,
		DBConnMaxLifeSec:     1800,
		MigrationsEnabled:    true,
		KafkaRetryMax:        5,
		KafkaWriteMS:         5000,
		KafkaGroupID:         "task-activity",
		AsynqQueue:           "default",
		AsynqConcurrency:     10,
		OutboxScanSec:        5,
		OutboxBatchSize:      50,
		OutboxMaxAttempts:    20,
		InfluxTimeoutMS:      5000,
		StorageTimeoutMS:     15000,
		IdentitySource:       "db",
		IdentityTimeoutMS:    3000,
		WorkerCacheTTLSec:    60,
		GPSThresholdMeters:   100,
		GPSLowAccuracyMeters: 50,
		MaxAttachments:       10,
		MaxUploadMB:          32,
		RevenueScale:         0,
		PaymentEditReasonMin: 10,
		ReportMaxRangeDays:   366,
		ReportTimezone:       "Asia/Ho_Chi_Minh",
		ReportNightlyCron:    "10 0 * * *",
		RateLimitRPS:         20,
		RateLimitBurst:       40,
		OtelInsecure:         true,
		OtelSampleRatio:      1.0,
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := defaults(serviceNameDefault, httpPortDefault)
	problems := make([]Problem, 0, 4)

	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	explicitPath := strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	envProvided := envRaw != ""

	path := explicitPath
	if path == "" && envRaw != "" {
		if root, ok := findRepoRoot(); ok {
			path = filepath.Join(root, "configs", envRaw+".json")
		}
	}

	if fileProblems, ok := loadConfigFile(path, explicitPath != "", &cfg); ok {
		if strings.TrimSpace(cfg.Env) != "" {
			envProvided = true
		}
	} else {
		problems = append(problems, fileProblems...)
	}
	cfg.ConfigPath = path

	problems = append(problems, applyEnv(&cfg)...)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}

	problems = append(problems, validate(&cfg, httpPortDefault)...)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int) []Problem {
	var problems []Problem
	check := func(bad bool, field, msg string, fallback func()) {
		if bad {
			problems = append(problems, Problem{Field: field, Message: msg})
			fallback()
		}
	}
	d := defaults(cfg.ServiceName, httpPortDefault)

	check(cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535, "HTTP_PORT", "HTTP_PORT must be 1-65535", func() { cfg.HTTPPort = httpPortDefault })
	check(cfg.RequestTimeoutMS <= 0, "REQUEST_TIMEOUT_MS", "REQUEST_TIMEOUT_MS must be > 0", func() { cfg.RequestTimeoutMS = d.RequestTimeoutMS })
	check(cfg.JWKSTTLSeconds <= 0, "JWKS_CACHE_TTL_SECONDS", "JWKS_CACHE_TTL_SECONDS must be > 0", func() { cfg.JWKSTTLSeconds = d.JWKSTTLSeconds })
	check(cfg.JWTClockSkewSec < 0, "JWT_CLOCK_SKEW_SECONDS", "JWT_CLOCK_SKEW_SECONDS must be >= 0", func() { cfg.JWTClockSkewSec = d.JWTClockSkewSec })
	check(strings.TrimSpace(cfg.OIDCWorkerClaim) == "", "OIDC_WORKER_CLAIM", "OIDC_WORKER_CLAIM must not be empty", func() { cfg.OIDCWorkerClaim = d.OIDCWorkerClaim })
	check(strings.TrimSpace(cfg.AdminRole) == "", "ADMIN_ROLE", "ADMIN_ROLE must not be empty", func() { cfg.AdminRole = d.AdminRole })
	check(cfg.DBMaxConns <= 0, "DB_MAX_CONNS", "DB_MAX_CONNS must be > 0", func() { cfg.DBMaxConns = d.DBMaxConns })
	check(cfg.DBMinConns < 0, "DB_MIN_CONNS", "DB_MIN_CONNS must be >= 0", func() { cfg.DBMinConns = d.DBMinConns })
	check(cfg.DBMinConns > cfg.DBMaxConns, "DB_MIN_CONNS", "DB_MIN_CONNS must be <= DB_MAX_CONNS", func() { cfg.DBMinConns = cfg.DBMaxConns })
	check(cfg.DBConnMaxIdleSec <= 0, "DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_IDLE_SECONDS must be > 0", func() { cfg.DBConnMaxIdleSec = d.DBConnMaxIdleSec })
	check(cfg.DBConnMaxLifeSec <= 0, "DB_CONN_MAX_LIFETIME_SECONDS", "DB_CONN_MAX_LIFETIME_SECONDS must be > 0", func() { cfg.DBConnMaxLifeSec = d.DBConnMaxLifeSec })
	check(cfg.KafkaRetryMax < 0, "KAFKA_RETRY_MAX", "KAFKA_RETRY_MAX must be >= 0", func() { cfg.KafkaRetryMax = d.KafkaRetryMax })
	check(cfg.KafkaWriteMS <= 0, "KAFKA_WRITE_TIMEOUT_MS", "KAFKA_WRITE_TIMEOUT_MS must be > 0", func() { cfg.KafkaWriteMS = d.KafkaWriteMS })
	check(cfg.RedisDB < 0, "REDIS_DB", "REDIS_DB must be >= 0", func() { cfg.RedisDB = 0 })
	check(cfg.AsynqRedisDB < 0, "ASYNQ_REDIS_DB", "ASYNQ_REDIS_DB must be >= 0", func() { cfg.AsynqRedisDB = 0 })
	check(cfg.AsynqConcurrency <= 0, "ASYNQ_CONCURRENCY", "ASYNQ_CONCURRENCY must be > 0", func() { cfg.AsynqConcurrency = d.AsynqConcurrency })
	check(cfg.OutboxScanSec <= 0, "OUTBOX_SCAN_INTERVAL_SECONDS", "OUTBOX_SCAN_INTERVAL_SECONDS must be > 0", func() { cfg.OutboxScanSec = d.OutboxScanSec })
	check(cfg.OutboxBatchSize <= 0, "OUTBOX_BATCH_SIZE", "OUTBOX_BATCH_SIZE must be > 0", func() { cfg.OutboxBatchSize = d.OutboxBatchSize })
	check(cfg.OutboxMaxAttempts <= 0, "OUTBOX_MAX_ATTEMPTS", "OUTBOX_MAX_ATTEMPTS must be > 0", func() { cfg.OutboxMaxAttempts = d.OutboxMaxAttempts })
	check(cfg.InfluxTimeoutMS <= 0, "INFLUX_TIMEOUT_MS", "INFLUX_TIMEOUT_MS must be > 0", func() { cfg.InfluxTimeoutMS = d.InfluxTimeoutMS })
	check(cfg.StorageTimeoutMS <= 0, "STORAGE_TIMEOUT_MS", "STORAGE_TIMEOUT_MS must be > 0", func() { cfg.StorageTimeoutMS = d.StorageTimeoutMS })
	check(cfg.IdentitySource != "db" && cfg.IdentitySource != "http", "IDENTITY_SOURCE", "IDENTITY_SOURCE must be db or http", func() { cfg.IdentitySource = d.IdentitySource })
	check(cfg.IdentitySource == "http" && strings.TrimSpace(cfg.IdentityURL) == "", "IDENTITY_URL", "IDENTITY_URL is required when IDENTITY_SOURCE=http", func() { cfg.IdentitySource = d.IdentitySource })
	check(cfg.IdentityTimeoutMS <= 0, "IDENTITY_TIMEOUT_MS", "IDENTITY_TIMEOUT_MS must be > 0", func() { cfg.IdentityTimeoutMS = d.IdentityTimeoutMS })
	check(cfg.WorkerCacheTTLSec < 0, "WORKER_CACHE_TTL_SECONDS", "WORKER_CACHE_TTL_SECONDS must be >= 0", func() { cfg.WorkerCacheTTLSec = d.WorkerCacheTTLSec })
	check(cfg.GPSThresholdMeters <= 0, "GPS_THRESHOLD_METERS", "GPS_THRESHOLD_METERS must be > 0", func() { cfg.GPSThresholdMeters = d.GPSThresholdMeters })
	check(cfg.GPSLowAccuracyMeters <= 0, "GPS_LOW_ACCURACY_METERS", "GPS_LOW_ACCURACY_METERS must be > 0", func() { cfg.GPSLowAccuracyMeters = d.GPSLowAccuracyMeters })
	check(cfg.MaxAttachments <= 0, "MAX_ATTACHMENTS", "MAX_ATTACHMENTS must be > 0", func() { cfg.MaxAttachments = d.MaxAttachments })
	check(cfg.MaxUploadMB <= 0, "MAX_UPLOAD_MB", "MAX_UPLOAD_MB must be > 0", func() { cfg.MaxUploadMB = d.MaxUploadMB })
	check(cfg.RevenueScale < 0 || cfg.RevenueScale > 4, "REVENUE_SCALE", "REVENUE_SCALE must be 0-4", func() { cfg.RevenueScale = d.RevenueScale })
	check(cfg.PaymentEditReasonMin < 0, "PAYMENT_EDIT_REASON_MIN", "PAYMENT_EDIT_REASON_MIN must be >= 0", func() { cfg.PaymentEditReasonMin = d.PaymentEditReasonMin })
	check(cfg.ReportMaxRangeDays <= 0, "REPORT_MAX_RANGE_DAYS", "REPORT_MAX_RANGE_DAYS must be > 0", func() { cfg.ReportMaxRangeDays = d.ReportMaxRangeDays })
	if _, err := time.LoadLocation(cfg.ReportTimezone); err != nil || cfg.ReportTimezone == "" {
		problems = append(problems, Problem{Field: "REPORT_TIMEZONE", Message: "REPORT_TIMEZONE must be an IANA zone name"})
		cfg.ReportTimezone = d.ReportTimezone
	}
	check(strings.TrimSpace(cfg.ReportNightlyCron) == "", "REPORT_NIGHTLY_CRON", "REPORT_NIGHTLY_CRON must not be empty", func() { cfg.ReportNightlyCron = d.ReportNightlyCron })
	check(cfg.RateLimitRPS < 0, "RATE_LIMIT_RPS", "RATE_LIMIT_RPS must be >= 0", func() { cfg.RateLimitRPS = d.RateLimitRPS })
	check(cfg.RateLimitBurst < 0, "RATE_LIMIT_BURST", "RATE_LIMIT_BURST must be >= 0", func() { cfg.RateLimitBurst = d.RateLimitBurst })
	check(cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1, "OTEL_SAMPLE_RATIO", "OTEL_SAMPLE_RATIO must be 0-1", func() { cfg.OtelSampleRatio = 1.0 })

	return problems
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool, cfg *Config) ([]Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && errors.Is(err, os.ErrNotExist) {
			return []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		if explicit {
			return []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		return nil, false
	}

	// Decode into a copy so a half-applied file never leaks into cfg.
	next := *cfg
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&next); err != nil {
		return []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	*cfg = next
	return nil, true
}

// applyEnv overlays variables that are set; unset variables keep the
// default or file value.
func applyEnv(cfg *Config) []Problem {
	next := *cfg
	err := env.Parse(&next)
	if err == nil {
		*cfg = next
		return nil
	}

	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return []Problem{{Field: "ENV", Message: err.Error()}}
	}
	problems := make([]Problem, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var pe env.ParseError
		if errors.As(e, &pe) {
			problems = append(problems, Problem{Field: envKey(pe.Name), Message: fmt.Sprintf("%s has an invalid value", envKey(pe.Name))})
			continue
		}
		problems = append(problems, Problem{Field: "ENV", Message: e.Error()})
	}
	// Fields that parsed are still applied; the bad ones fall back during validation.
	*cfg = next
	return problems
}

// envKey maps a struct field name reported by the env parser back to its
// variable name.
func envKey(fieldName string) string {
	t := reflect.TypeOf(Config{})
	if f, ok := t.FieldByName(fieldName); ok {
		if tag, _, _ := strings.Cut(f.Tag.Get("env"), ","); tag != "" && tag != "-" {
			return tag
		}
	}
	return strings.ToUpper(fieldName)
}
