package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema          string        `mapstructure:"DB_SCHEMA"`
	JWTSigningKey     string        `mapstructure:"JWT_SIGNING_KEY"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	LogFile           string        `mapstructure:"LOG_FILE"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	DashboardCacheTTL time.Duration `mapstructure:"DASHBOARD_CACHE_TTL"`
	UploadMaxBytes    int64         `mapstructure:"UPLOAD_MAX_BYTES"`
	IngestTimezone    string        `mapstructure:"INGEST_TIMEZONE"`
	ArchiveBackend    string        `mapstructure:"ARCHIVE_BACKEND"`
	S3Bucket          string        `mapstructure:"S3_BUCKET"`
	S3Region          string        `mapstructure:"S3_REGION"`
	S3Endpoint        string        `mapstructure:"S3_ENDPOINT"`
	S3AccessKeyID     string        `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string        `mapstructure:"S3_SECRET_ACCESS_KEY"`
	BcryptCost        int           `mapstructure:"BCRYPT_COST"`
	UploadRatePerMin  int           `mapstructure:"UPLOAD_RATE_PER_MINUTE"`
	UploadRateBurst   int           `mapstructure:"UPLOAD_RATE_BURST"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"JWT_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"LOG_LEVEL", "LOG_FILE", "REDIS_URL", "DASHBOARD_CACHE_TTL",
	"UPLOAD_MAX_BYTES", "INGEST_TIMEZONE", "ARCHIVE_BACKEND",
	"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
	"BCRYPT_COST", "UPLOAD_RATE_PER_MINUTE", "UPLOAD_RATE_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DASHBOARD_CACHE_TTL", "60s")
	v.SetDefault("UPLOAD_MAX_BYTES", 10*1024*1024)
	v.SetDefault("INGEST_TIMEZONE", "Asia/Tokyo")
	v.SetDefault("ARCHIVE_BACKEND", "none")
	v.SetDefault("S3_REGION", "ap-northeast-1")
	v.SetDefault("BCRYPT_COST", 10)
	v.SetDefault("UPLOAD_RATE_PER_MINUTE", 30)
	v.SetDefault("UPLOAD_RATE_BURST", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); requests without a token get a dev staff identity.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location returns the time zone used to default observation dates during ingestion.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.IngestTimezone)
}

// Validate checks that the configuration is safe to run. Outside development a
// JWT signing key of at least 32 bytes is required so that actor identities
// cannot be forged.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY is required when ENV=%q", c.Env)
		}
		if len(c.JWTSigningKey) < 32 {
			return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes, got %d", len(c.JWTSigningKey))
		}
	}

	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive, got %d", c.UploadMaxBytes)
	}

	if c.UploadRatePerMin < 0 || c.UploadRateBurst < 0 {
		return fmt.Errorf("UPLOAD_RATE_PER_MINUTE and UPLOAD_RATE_BURST must not be negative")
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("INGEST_TIMEZONE %q: %w", c.IngestTimezone, err)
	}

	switch c.ArchiveBackend {
	case "", "none", "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when ARCHIVE_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("ARCHIVE_BACKEND must be \"none\", \"memory\", or \"s3\", got %q", c.ArchiveBackend)
	}

	return nil
}
