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

	"github.com/mcclellann/loanserv/pkg/catalog"
	"github.com/mcclellann/loanserv/pkg/config"
	"github.com/mcclellann/loanserv/pkg/ledger"
	"github.com/mcclellann/loanserv/pkg/lock"
	"github.com/mcclellann/loanserv/pkg/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loanserv",
		Short:         "Loan servicing: payment allocation and investor settlement",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./config.yaml when present)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic late-fee accrual",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "accrue",
		Short: "Accrue late fees on every servicing loan once and exit",
		RunE:  runAccrue,
	})
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", cfg.Level, err)
	}
	zc.Level = level
	return zc.Build()
}

func openStorage(cfg config.StorageConfig, log *zap.Logger) (store.Storage, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		s, err := store.NewPostgresStore(cfg.PostgresDSN, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// app is everything a command needs, with one cleanup for all of it.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	storage store.Storage
	ledger  *ledger.Ledger
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("shutdown step failed", zap.Error(err))
		}
	}
	a.log.Sync()
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	a.storage, err = openStorage(cfg.Storage, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize %s store: %w", cfg.Storage.Driver, err)
	}
	a.closers = append(a.closers, a.storage.Close)

	rate, err := cfg.WithholdingRate()
	if err != nil {
		a.Close()
		return nil, err
	}
	opts := []ledger.Option{
		ledger.WithLogger(log.Named("ledger")),
		ledger.WithWithholdingRate(rate),
		ledger.WithBankAccounts(catalog.Static(cfg.BankAccounts)),
	}
	if cfg.RedisURL != "" {
		rl, err := lock.NewRedis(ctx, cfg.RedisURL, log.Named("lock"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, rl.Close)
		opts = append(opts, ledger.WithLocker(rl))
	}
	a.ledger = ledger.NewLedger(a.storage, opts...)
	return a, nil
}

func runAccrue(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := a.ledger.AccrueAll(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "loans=%d failed=%d charged=%s\n", sum.Loans, sum.Failed, sum.Charged.StringFixed(2))
	return nil
}

// accrueEvery runs the late-fee batch on a ticker until ctx is done.
func accrueEvery(ctx context.Context, l *ledger.Ledger, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.AccrueAll(ctx); err != nil {
				log.Error("late fee accrual run failed", zap.Error(err))
			}
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	go accrueEvery(ctx, a.ledger, a.cfg.Mora.AccrualInterval, a.log)

	server := NewServer(a.ledger, a.storage, a.log.Named("http"))
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.log.Info("server starting", zap.String("addr", srv.Addr), zap.String("storage", a.cfg.Storage.Driver))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.log.Info("server shutting down")
	return srv.Shutdown(shutdownCtx)
}
