// Package config loads server settings from defaults, an optional .env file and
// the process environment, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	NotifyQueueInline = "inline"
	NotifyQueueAsynq  = "asynq"
)

type Config struct {
	Addr        string `koanf:"addr"`
	DBDSN       string `koanf:"db_dsn"`
	StoreDriver string `koanf:"store_driver"`
	JWTSecret   string `koanf:"jwt_secret"`
	RedisAddr   string `koanf:"redis_addr"`

	OneSignalAppID  string `koanf:"onesignal_app_id"`
	OneSignalAPIKey string `koanf:"onesignal_api_key"`
	NotifyQueue     string `koanf:"notify_queue"`
	NotifyWorkers   int    `koanf:"notify_workers"`
	NotifyQueueSize int    `koanf:"notify_queue_size"`

	RelayPersistTimeout time.Duration `koanf:"relay_persist_timeout"`

	CORSOrigins  string `koanf:"cors_origins"`
	RateLimitRPM int    `koanf:"rate_limit_rpm"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

func defaultConfig() Config {
	return Config{
		Addr:                ":8080",
		StoreDriver:         StoreDriverPostgres,
		NotifyQueue:         NotifyQueueInline,
		NotifyWorkers:       4,
		NotifyQueueSize:     1024,
		RelayPersistTimeout: 5 * time.Second,
		CORSOrigins:         "http://localhost:3000,https://linkly-snowy.vercel.app",
		RateLimitRPM:        600,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// knownKeys maps accepted environment variables onto koanf paths.
var knownKeys = map[string]struct{}{}

func init() {
	for _, k := range []string{
		"addr", "db_dsn", "store_driver", "jwt_secret", "redis_addr",
		"onesignal_app_id", "onesignal_api_key", "notify_queue", "notify_workers",
		"notify_queue_size", "relay_persist_timeout", "cors_origins", "rate_limit_rpm",
		"log_level", "log_format",
	} {
		knownKeys[k] = struct{}{}
	}
}

func envKey(s string) string {
	key := strings.ToLower(s)
	if _, ok := knownKeys[key]; !ok {
		return ""
	}
	return key
}

// Load reads configuration. envFiles are optional dotenv files; missing files are ignored.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		// godotenv.Load never overrides variables that are already set.
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DBDSN == "" {
			errs = append(errs, errors.New("DB_DSN is not set"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.NotifyQueue {
	case NotifyQueueInline:
	case NotifyQueueAsynq:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("NOTIFY_QUEUE=asynq requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFY_QUEUE %q", c.NotifyQueue))
	}
	if c.NotifyWorkers <= 0 {
		errs = append(errs, errors.New("NOTIFY_WORKERS must be positive"))
	}
	if c.RelayPersistTimeout <= 0 {
		errs = append(errs, errors.New("RELAY_PERSIST_TIMEOUT must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Origins returns the CORS allow-list.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// PushEnabled reports whether OneSignal credentials are present.
func (c *Config) PushEnabled() bool {
	return c.OneSignalAppID != "" && c.OneSignalAPIKey != ""
}
