package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"relayer-monitor/internal/api"
	"relayer-monitor/internal/auth"
	"relayer-monitor/internal/config"
	"relayer-monitor/internal/logging"
	"relayer-monitor/internal/service"
	"relayer-monitor/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	serviceOpts []service.Option
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger, opts ...service.Option) *App {
	return &App{
		Config:      cfg,
		Logger:      logging.Component(logger, "app"),
		Out:         os.Stdout,
		serviceOpts: opts,
	}
}

var errNoDatabase = errors.New("database.dsn not configured")

// openStore opens the configured store. Commands that read history need a
// durable store and pass durable=true.
func (a *App) openStore(ctx context.Context, durable bool) (storage.Store, error) {
	if durable && a.Config.Database.DSN == "" {
		return nil, errNoDatabase
	}
	return storage.Open(ctx, a.Config.Database)
}

// withService opens the store, builds the service and calls fn.
func (a *App) withService(ctx context.Context, durable bool, fn func(*service.Service) error) error {
	store, err := a.openStore(ctx, durable)
	if err != nil {
		return err
	}
	defer store.Close()

	svc, err := service.New(ctx, a.Config, store, a.Logger, a.serviceOpts...)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

// Run executes the long-running monitoring service and its HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
	}

	return a.withService(ctx, false, func(svc *service.Service) error {
		router := api.NewRouter(a.Config.HTTP, api.Deps{
			Backend:  svc,
			Verifier: auth.NewVerifier(a.Config.Auth),
			Live:     svc.Hub(),
		}, a.Logger)

		httpErr := make(chan error, 1)
		go func() {
			err := api.Serve(ctx, a.Config.HTTP, router, a.Logger)
			if err != nil {
				cancel()
			}
			httpErr <- err
		}()

		a.Logger.Info().Msg("starting monitoring service")
		err := svc.Run(ctx)
		cancel()
		if herr := <-httpErr; herr != nil && err == nil {
			err = herr
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("service terminated with error")
			return err
		}

		a.Logger.Info().Msg("monitoring service stopped")
		return nil
	})
}

// ExportOptions hold parameters for exporting balance history.
type ExportOptions struct {
	Chain     string
	Wallet    string
	Denom     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Chain  string
	Alerts int
}

// CollectOptions select the source for a one-shot collection.
type CollectOptions struct {
	Source string
}
