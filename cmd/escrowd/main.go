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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"marketescrow/internal/config"
	"marketescrow/internal/httpapi"
	"marketescrow/internal/notify"
	"marketescrow/internal/orchestrator"
	"marketescrow/internal/store"
	"marketescrow/internal/timeout"
	"marketescrow/internal/walletcoord"
)

func main() {
	root := &cobra.Command{
		Use:   "escrowd",
		Short: "non-custodial multisig escrow coordination core",
		RunE:  runServe,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(recoverCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API, the timeout monitor and the notification bus",
		RunE:  runServe,
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "run wallet recovery for automatic-recovery escrows and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.Background()
			s, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			wallets := walletcoord.New(s, cfg.EncryptionKey, cfg.Timeouts.WalletRPC)
			bus := notify.NewBus()
			orch := orchestrator.New(s, wallets, bus, cfg)
			results, err := orch.RecoverOnStartup(ctx)
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			for _, r := range results {
				entry := log.WithField("escrow_id", r.EscrowID).WithField("role", r.Role)
				if r.Err != nil {
					entry.WithError(r.Err).Warn("wallet recovery failed")
					continue
				}
				entry.Info("wallet recovery succeeded")
			}
			return nil
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.DefaultRegisterer.(*prometheus.Registry)
	bus := notify.NewBus()
	wallets := walletcoord.New(s, cfg.EncryptionKey, cfg.Timeouts.WalletRPC)
	orch := orchestrator.New(s, wallets, bus, cfg)
	monitor := timeout.New(s, bus, cfg.Timeouts, log, reg)

	if results, err := orch.RecoverOnStartup(ctx); err != nil {
		log.WithError(err).Warn("startup wallet recovery did not complete")
	} else {
		log.WithField("count", len(results)).Info("startup wallet recovery ran")
	}

	go monitor.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           httpapi.New(orch, bus, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPListenAddr).Info("escrowd listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	return log
}

// openStore opens the Postgres-backed Store named by DATABASE_URL, unless
// it is the literal value "memory" (local development / demos), in which
// case an in-process store.Memory is used instead and closeStore is a
// no-op.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "memory" {
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres store: %w", err)
	}
	return pg, pg.Close, nil
}
