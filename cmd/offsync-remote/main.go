// Command offsync-remote serves a remote record store over HTTP, backed by
// memory or PostgreSQL.
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/offsync/internal/remote"
	"github.com/matheus3301/offsync/internal/remote/pgstore"
	"github.com/matheus3301/offsync/internal/remote/server"
)

var (
	addrFlag  string
	pgDSNFlag string
	debugFlag bool
)

var rootCmd = &cobra.Command{
	Use:          "offsync-remote",
	Short:        "Serve a remote record store for offsync daemons",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(debugFlag)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		return serve(cmd.Context(), logger)
	},
}

func init() {
	rootCmd.Flags().StringVar(&addrFlag, "addr", "127.0.0.1:8787", "listen address")
	rootCmd.Flags().StringVar(&pgDSNFlag, "pg-dsn", os.Getenv("OFFSYNC_REMOTE_PG_DSN"), "PostgreSQL DSN; in-memory store when empty")
	rootCmd.Flags().BoolVar(&debugFlag, "debug", false, "log at debug level")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func openStore(ctx context.Context, logger *zap.Logger) (remote.Store, func(), error) {
	if pgDSNFlag == "" {
		logger.Warn("using in-memory store; records are lost on exit")
		return remote.NewMemoryStore(nil), func() {}, nil
	}
	s, err := pgstore.Open(ctx, pgDSNFlag, logger.Named("pg"))
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres store: %w", err)
	}
	return s, s.Close, nil
}

func serve(ctx context.Context, logger *zap.Logger) error {
	store, closeStore, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	srv := &http.Server{
		Addr:              addrFlag,
		Handler:           server.NewHandler(store, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", addrFlag))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
