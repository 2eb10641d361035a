package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime string
}

// Enabled reports whether advisory persistence is configured.
func (c DBConfig) Enabled() bool {
	return c.DSN != ""
}

type CubeConfig struct {
	URL            string
	Secret         string
	RequestTimeout time.Duration
	PollInterval   time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type AnalyticsConfig struct {
	DefaultPreset string
	CubePrefix    string
	CatalogPath   string
	SlowThreshold time.Duration
	IdleTTL       time.Duration
}

type Config struct {
	Environment string
	HTTP        HTTPConfig
	DB          DBConfig
	Cube        CubeConfig
	Redis       RedisConfig
	Analytics   AnalyticsConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()

	v.SetDefault("ANALYTICS_DEFAULT_PRESET", "last7days")

	_ = v.ReadInConfig()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host:           v.GetString("HTTP_HOST"),
			Port:           v.GetInt("HTTP_PORT"),
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		DB: DBConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetString("DB_CONN_MAX_LIFETIME"),
		},
		Cube: CubeConfig{
			URL:            strings.TrimRight(v.GetString("CUBE_API_URL"), "/"),
			Secret:         v.GetString("CUBE_API_SECRET"),
			RequestTimeout: v.GetDuration("CUBE_REQUEST_TIMEOUT"),
			PollInterval:   v.GetDuration("CUBE_POLL_INTERVAL"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			TTL:      v.GetDuration("RESULT_STORE_TTL"),
		},
		Analytics: AnalyticsConfig{
			DefaultPreset: strings.TrimSpace(v.GetString("ANALYTICS_DEFAULT_PRESET")),
			CubePrefix:    strings.TrimSpace(v.GetString("ANALYTICS_CUBE_PREFIX")),
			CatalogPath:   strings.TrimSpace(v.GetString("PREAGG_CATALOG_PATH")),
			SlowThreshold: v.GetDuration("CACHE_SLOW_THRESHOLD"),
			IdleTTL:       v.GetDuration("CACHE_IDLE_TTL"),
		},
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 7090
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Cube.RequestTimeout <= 0 {
		cfg.Cube.RequestTimeout = 30 * time.Second
	}
	if cfg.Cube.PollInterval <= 0 {
		cfg.Cube.PollInterval = time.Second
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 10 * time.Minute
	}
	if cfg.Analytics.SlowThreshold <= 0 {
		cfg.Analytics.SlowThreshold = 5 * time.Second
	}
	if cfg.Analytics.IdleTTL <= 0 {
		cfg.Analytics.IdleTTL = 15 * time.Minute
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Cube.URL == "" {
		return fmt.Errorf("CUBE_API_URL is required")
	}
	if cfg.Cube.Secret == "" {
		return fmt.Errorf("CUBE_API_SECRET is required")
	}
	if cfg.DB.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(cfg.DB.ConnMaxLifetime); err != nil {
			return fmt.Errorf("DB_CONN_MAX_LIFETIME: %w", err)
		}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
