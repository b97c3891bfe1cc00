package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hakifi-nibiru/backend-nibiru/internal/chain"
	"github.com/hakifi-nibiru/backend-nibiru/internal/config"
	"github.com/hakifi-nibiru/backend-nibiru/internal/engine"
	"github.com/hakifi-nibiru/backend-nibiru/internal/events"
	"github.com/hakifi-nibiru/backend-nibiru/internal/feed"
	"github.com/hakifi-nibiru/backend-nibiru/internal/hedge"
	"github.com/hakifi-nibiru/backend-nibiru/internal/pricing"
	"github.com/hakifi-nibiru/backend-nibiru/internal/scheduler"
	"github.com/hakifi-nibiru/backend-nibiru/internal/service"
	"github.com/hakifi-nibiru/backend-nibiru/internal/storage"
	"github.com/hakifi-nibiru/backend-nibiru/internal/stream"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run starts the reconciliation daemon: the event stream feeding the engine
// and the scheduled settlement sweeps. It blocks until interrupted and
// shuts both loops down together.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required to run the reconciliation engine")
	}
	defer closeStore()

	client, err := chain.NewClient(a.Config.Chain, a.Logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var hedger hedge.Forwarder
	if a.Config.Hedge.Enabled {
		hedger = hedge.NewFuturesForwarder(a.Config.Hedge, a.Logger)
	}

	bus := events.NewInProcBus(a.Logger)
	prices := feed.NewFutures(a.Config.Feed, a.Logger)
	eng := engine.New(engine.Deps{
		Store:    store,
		Logs:     store,
		Ledger:   store,
		Users:    store,
		Contract: client,
		Calc:     pricing.NewStandardCalculator(a.Config.Pricing),
		Prices:   prices,
		Hedger:   hedger,
		Bus:      bus,
	}, a.Config.Chain, a.Logger)

	st := stream.New(a.Config.Chain, eng, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	svc := service.New(a.Config.Scheduler, sched, store, prices, eng, a.Logger)

	a.Logger.Info().
		Str("contract", a.Config.Chain.ContractAddress).
		Dur("sweep_interval", a.Config.Scheduler.Interval).
		Msg("starting reconciliation engine")

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for name, run := range map[string]func(context.Context) error{
		"stream":     st.Run,
		"settlement": svc.Run,
	} {
		wg.Add(1)
		go func(name string, run func(context.Context) error) {
			defer wg.Done()
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, run)
	}

	var firstErr error
	select {
	case <-runCtx.Done():
	case firstErr = <-errCh:
		stop()
	}
	wg.Wait()

	if firstErr != nil {
		a.Logger.Error().Err(firstErr).Msg("reconciliation engine terminated with error")
		return firstErr
	}
	a.Logger.Info().Msg("reconciliation engine stopped")
	return nil
}

// ExportOptions hold parameters for exporting settled positions.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	State string
}

// QueryOptions configure the on-chain query command.
type QueryOptions struct {
	ID string
}
