package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Redis     RedisConfig
	Transport TransportConfig
	Dispatch  DispatchConfig
	Sweeper   SweeperConfig
	Log       LogConfig
	Clock     ClockConfig

	// Location is resolved from Clock.Timezone during validation.
	Location *time.Location
}

type ServerConfig struct {
	Address string `env:"SERVER_ADDRESS, default=:8080"`
}

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

type StoreConfig struct {
	Driver      string `env:"STORE_DRIVER, default=sqlite"`
	PostgresURL string `env:"POSTGRES_URL"`
	SQLitePath  string `env:"SQLITE_PATH, default=./data/reminders.db"`
}

type RedisConfig struct {
	Address  string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB, default=0"`
	ClaimTTL time.Duration `env:"REDIS_CLAIM_TTL, default=2m"`
	SentTTL  time.Duration `env:"REDIS_SENT_TTL, default=48h"`
}

func (c RedisConfig) Enabled() bool { return c.Address != "" }

const (
	TransportTelegram = "telegram"
	TransportWebhook  = "webhook"
)

type TransportConfig struct {
	Kind           string        `env:"TRANSPORT, default=telegram"`
	TelegramToken  string        `env:"TELEGRAM_TOKEN"`
	TelegramAPIURL string        `env:"TELEGRAM_API_URL"`
	WebhookURL     string        `env:"WEBHOOK_URL"`
	Timeout        time.Duration `env:"TRANSPORT_TIMEOUT, default=5s"`
	RatePerSec     float64       `env:"TRANSPORT_RATE_PER_SEC, default=25"`
	OperatorChatID string        `env:"OPERATOR_CHAT_ID"`
}

type DispatchConfig struct {
	Interval      time.Duration `env:"DISPATCH_INTERVAL, default=60s"`
	CatchUpWindow time.Duration `env:"DISPATCH_CATCHUP_WINDOW, default=0s"`
	MaxRetries    int           `env:"DISPATCH_MAX_RETRIES, default=3"`
	RetryBase     time.Duration `env:"DISPATCH_RETRY_BASE, default=1s"`
	RetryMaxDelay time.Duration `env:"DISPATCH_RETRY_MAX_DELAY, default=30s"`
	Align         bool          `env:"DISPATCH_ALIGN, default=true"`
	MaxGap        time.Duration `env:"DISPATCH_MAX_GAP, default=1h"`
}

type SweeperConfig struct {
	Schedule string `env:"SWEEP_SCHEDULE, default=@hourly"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL, default=info"`
	Format string `env:"LOG_FORMAT, default=console"`
}

type ClockConfig struct {
	Timezone string `env:"TIMEZONE"`
}

// LoadAll reads the process environment.
func LoadAll() (*Config, error) {
	return Load(context.Background(), envconfig.OsLookuper())
}

// Load reads every concern from l and validates the result. All problems
// are reported at once, each naming its key.
func Load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}

	var errs []error
	for _, target := range []any{
		&cfg.Server, &cfg.Store, &cfg.Redis, &cfg.Transport,
		&cfg.Dispatch, &cfg.Sweeper, &cfg.Log, &cfg.Clock,
	} {
		if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: target, Lookuper: l}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", key, fmt.Sprintf(format, args...)))
	}

	switch cfg.Store.Driver {
	case StorePostgres:
		if cfg.Store.PostgresURL == "" {
			bad("POSTGRES_URL", "required when STORE_DRIVER=postgres")
		}
	case StoreSQLite:
		if cfg.Store.SQLitePath == "" {
			bad("SQLITE_PATH", "required when STORE_DRIVER=sqlite")
		}
	case StoreMemory:
	default:
		bad("STORE_DRIVER", "unknown driver %q", cfg.Store.Driver)
	}

	switch cfg.Transport.Kind {
	case TransportTelegram:
		if cfg.Transport.TelegramToken == "" {
			bad("TELEGRAM_TOKEN", "required when TRANSPORT=telegram")
		}
	case TransportWebhook:
		if cfg.Transport.WebhookURL == "" {
			bad("WEBHOOK_URL", "required when TRANSPORT=webhook")
		}
	default:
		bad("TRANSPORT", "unknown transport %q", cfg.Transport.Kind)
	}
	if cfg.Transport.Timeout <= 0 {
		bad("TRANSPORT_TIMEOUT", "must be > 0")
	}
	if cfg.Transport.RatePerSec < 0 {
		bad("TRANSPORT_RATE_PER_SEC", "must be >= 0")
	}

	if cfg.Dispatch.Interval <= 0 || cfg.Dispatch.Interval > 24*time.Hour {
		bad("DISPATCH_INTERVAL", "must be in (0, 24h]")
	}
	if cfg.Dispatch.CatchUpWindow < 0 {
		bad("DISPATCH_CATCHUP_WINDOW", "must be >= 0")
	}
	if cfg.Dispatch.MaxGap < 0 || cfg.Dispatch.MaxGap >= 24*time.Hour {
		bad("DISPATCH_MAX_GAP", "must be in [0, 24h)")
	}
	if cfg.Dispatch.MaxRetries < 0 {
		bad("DISPATCH_MAX_RETRIES", "must be >= 0")
	}
	if cfg.Dispatch.RetryBase <= 0 {
		bad("DISPATCH_RETRY_BASE", "must be > 0")
	}
	if cfg.Dispatch.RetryMaxDelay < cfg.Dispatch.RetryBase {
		bad("DISPATCH_RETRY_MAX_DELAY", "must be >= DISPATCH_RETRY_BASE")
	}

	if cfg.Redis.Enabled() {
		if cfg.Redis.ClaimTTL <= 0 {
			bad("REDIS_CLAIM_TTL", "must be > 0")
		}
		if cfg.Redis.SentTTL <= 0 {
			bad("REDIS_SENT_TTL", "must be > 0")
		}
	}

	if cfg.Sweeper.Schedule == "" {
		bad("SWEEP_SCHEDULE", "must not be empty")
	}

	switch cfg.Log.Format {
	case "console", "json":
	default:
		bad("LOG_FORMAT", "must be console or json")
	}

	cfg.Location = time.Local
	if cfg.Clock.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Clock.Timezone)
		if err != nil {
			bad("TIMEZONE", "%v", err)
		} else {
			cfg.Location = loc
		}
	}

	return errors.Join(errs...)
}
