package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/medication-reminders/internal/api"
	"github.com/LeventeLantos/medication-reminders/internal/cache"
	"github.com/LeventeLantos/medication-reminders/internal/client"
	"github.com/LeventeLantos/medication-reminders/internal/config"
	"github.com/LeventeLantos/medication-reminders/internal/evaluator"
	"github.com/LeventeLantos/medication-reminders/internal/logx"
	"github.com/LeventeLantos/medication-reminders/internal/registry"
	"github.com/LeventeLantos/medication-reminders/internal/repo"
	"github.com/LeventeLantos/medication-reminders/internal/scheduler"
	"github.com/LeventeLantos/medication-reminders/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		boot := logx.New("info", "console", os.Stderr)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logx.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("reminders stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("addr", cfg.Server.Address).
		Str("store", cfg.Store.Driver).
		Str("transport", cfg.Transport.Kind).
		Dur("interval", cfg.Dispatch.Interval).
		Str("sweep", cfg.Sweeper.Schedule).
		Str("tz", cfg.Location.String()).
		Bool("redis", cfg.Redis.Enabled()).
		Msg("medication reminders starting")

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error().Err(err).Msg("failed to close store")
		}
	}()

	checks := map[string]func(context.Context) error{
		"store": func(ctx context.Context) error {
			_, err := store.CountItemsByState(ctx)
			return err
		},
	}

	var claims cache.DispatchCache = cache.Nop{}
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		rc := cache.NewRedisCache(rdb, workerID(), cfg.Redis.ClaimTTL, cfg.Redis.SentTTL)
		if err := rc.Ping(ctx); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		claims = rc
		checks["redis"] = rc.Ping
	}

	sender, err := newSender(cfg.Transport)
	if err != nil {
		return err
	}
	sender = client.NewRateLimited(sender, cfg.Transport.RatePerSec)

	reporters := service.MultiReporter{service.NewLogReporter(logx.Component(logger, "report"))}
	if cfg.Transport.OperatorChatID != "" {
		reporters = append(reporters, service.NewOperatorChatReporter(
			sender, cfg.Transport.OperatorChatID, cfg.Transport.Timeout, logx.Component(logger, "report")))
	}

	eval, err := evaluator.New(cfg.Dispatch.Interval, cfg.Dispatch.CatchUpWindow, cfg.Location)
	if err != nil {
		return fmt.Errorf("evaluator: %w", err)
	}

	disp := service.NewDispatcher(store, eval, sender, service.RetryPolicy{
		MaxRetries:  cfg.Dispatch.MaxRetries,
		Base:        cfg.Dispatch.RetryBase,
		MaxDelay:    cfg.Dispatch.RetryMaxDelay,
		SendTimeout: cfg.Transport.Timeout,
	},
		service.WithCache(claims),
		service.WithReporter(reporters),
		service.WithMaxGap(cfg.Dispatch.MaxGap),
		service.WithLogger(logx.Component(logger, "dispatch")),
	)

	sweeper := service.NewSweeper(store, cfg.Location,
		service.WithSweepGrace(eval.Window()),
		service.WithSweepReporter(reporters),
		service.WithSweepLogger(logx.Component(logger, "sweep")),
	)

	sched, err := scheduler.New(cfg.Dispatch.Interval, disp.Tick,
		scheduler.WithLogger(logx.Component(logger, "scheduler")),
		scheduler.WithAlignment(cfg.Dispatch.Align),
	)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	cron := scheduler.NewCronRunner(cfg.Location, logx.Component(logger, "cron"))
	if err := cron.Add("sweep", cfg.Sweeper.Schedule, sweeper.Run); err != nil {
		return err
	}

	reg := registry.New(store, registry.WithLogger(logx.Component(logger, "registry")))

	h := api.NewHandler(api.Deps{
		Registry:   reg,
		Store:      store,
		Scheduler:  sched,
		Dispatcher: disp,
		Sweeper:    sweeper,
		Cron:       cron,
		Checks:     checks,
		Logger:     logx.Component(logger, "api"),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(logx.Component(logger, "http"), api.Router(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sched.Start()
	cron.Start()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	sched.Stop()
	cron.Stop(shutdownCtx)

	logger.Info().Msg("medication reminders stopped")
	return runErr
}

func openStore(ctx context.Context, cfg config.StoreConfig) (repo.ScheduleRepository, func() error, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		r, err := repo.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return r, r.Close, nil
	case config.StoreSQLite:
		r, err := repo.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return r, r.Close, nil
	case config.StoreMemory:
		return repo.NewMemoryRepo(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newSender(cfg config.TransportConfig) (client.Sender, error) {
	switch cfg.Kind {
	case config.TransportTelegram:
		return client.NewTelegramClient(client.TelegramOptions{
			Token:   cfg.TelegramToken,
			APIURL:  cfg.TelegramAPIURL,
			Timeout: cfg.Timeout,
		})
	case config.TransportWebhook:
		return client.NewWebhookClient(cfg.WebhookURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
	}
}

// workerID names this process as the owner of its Redis claims.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "reminders"
	}
	return host + "-" + uuid.NewString()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http request")
	})
}
