// Package config はアプリケーション設定の読み込みと検証を提供する。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

// ストアのバックエンド種別
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
// 優先順位は 環境変数 > CONFIG_PATHのYAML > env-default。
type Config struct {
	// Store
	StoreDriver string `yaml:"store_driver" env:"STORE_DRIVER" env-default:"postgres" validate:"oneof=postgres sqlite"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	SQLitePath  string `yaml:"sqlite_path"  env:"SQLITE_PATH"  env-default:"outagegrid.db"`

	// Server
	ServerPort        string `yaml:"server_port"         env:"SERVER_PORT"         env-default:"8080" validate:"required,numeric"`
	BaseURL           string `yaml:"base_url"            env:"BASE_URL"            env-default:"http://localhost:8080" validate:"omitempty,url"`
	CORSAllowedOrigin string `yaml:"cors_allowed_origin" env:"CORS_ALLOWED_ORIGIN"`
	MetricsPort       string `yaml:"metrics_port"        env:"METRICS_PORT"        env-default:"9090" validate:"required,numeric"`

	// Rate Limit（req/min/client）
	RateLimitGeneral int `yaml:"rate_limit_general" env:"RATE_LIMIT_GENERAL" env-default:"600" validate:"gt=0"`
	RateLimitWrite   int `yaml:"rate_limit_write"   env:"RATE_LIMIT_WRITE"   env-default:"120" validate:"gt=0"`

	// Assets
	AssetsDir    string `yaml:"assets_dir"     env:"ASSETS_DIR"     env-default:"./assets" validate:"required"`
	AssetMaxSize int64  `yaml:"asset_max_size" env:"ASSET_MAX_SIZE" env-default:"10485760" validate:"gt=0"`

	// Logging
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`

	// Worker
	OutageRetentionMonths int           `yaml:"outage_retention_months" env:"OUTAGE_RETENTION_MONTHS" env-default:"0" validate:"gte=0"`
	CleanupSchedule       string        `yaml:"cleanup_schedule"        env:"CLEANUP_SCHEDULE"        env-default:"0 0 3 * * *" validate:"required"`
	ReleaseFeedURLs       []string      `yaml:"release_feed_urls"       env:"RELEASE_FEED_URLS"       env-separator:","`
	ReleaseImportSchedule string        `yaml:"release_import_schedule" env:"RELEASE_IMPORT_SCHEDULE" env-default:"@every 30m" validate:"required"`
	FetchTimeout          time.Duration `yaml:"fetch_timeout"           env:"FETCH_TIMEOUT"           env-default:"10s" validate:"gt=0"`
	FetchMaxSize          int64         `yaml:"fetch_max_size"          env:"FETCH_MAX_SIZE"          env-default:"5242880" validate:"gt=0"`
	ManagerIdleTimeout    time.Duration `yaml:"manager_idle_timeout"    env:"MANAGER_IDLE_TIMEOUT"    env-default:"10m" validate:"gt=0"`
	Timezone              string        `yaml:"timezone"                env:"TIMEZONE"                env-default:"UTC"`
}

// Load はCONFIG_PATHのYAMLファイル（指定時のみ）と環境変数からConfigを読み込み、検証する。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は読み込んだ設定を検証する。
func (c *Config) Validate() error {
	var missing []string
	if c.StoreDriver == StoreDriverPostgres && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.StoreDriver == StoreDriverSQLite && c.SQLitePath == "" {
		missing = append(missing, "SQLITE_PATH")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config value for %s: %v (%s)", fe.Field(), fe.Value(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config value for Timezone: %w", err)
	}
	return nil
}

// Location はTimezoneに対応するロケーションを返す。Validate済みであること。
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// UsesSQLite は組み込みSQLiteをストアに使う設定かを返す。
func (c *Config) UsesSQLite() bool {
	return c.StoreDriver == StoreDriverSQLite
}
