package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Mucyo-Ivan/smartend/internal/aggregate"
	"github.com/Mucyo-Ivan/smartend/internal/api"
	"github.com/Mucyo-Ivan/smartend/internal/config"
	"github.com/Mucyo-Ivan/smartend/internal/dashboard"
	"github.com/Mucyo-Ivan/smartend/internal/store"
	"github.com/Mucyo-Ivan/smartend/internal/stream"
	"github.com/Mucyo-Ivan/smartend/internal/subs"
)

var (
	listenAddr    string
	storageDriver string
	streamBaseURL string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the smartend daemon (default command)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&storageDriver, "storage-driver", "", "storage driver (overrides config)")
	serveCmd.Flags().StringVar(&streamBaseURL, "stream-url", "", "telemetry feed base URL (overrides config)")
	rootCmd.AddCommand(serveCmd)

	// Make serve the default command.
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// Apply flag overrides.
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if streamBaseURL != "" {
		cfg.Stream.BaseURL = streamBaseURL
	}

	slog.Info("starting smartend",
		"listen_addr", cfg.ListenAddr,
		"storage_driver", cfg.Storage.Driver,
		"stream_url", cfg.Stream.BaseURL,
	)

	// Open the state store.
	var db store.Store
	switch cfg.Storage.Driver {
	case "sqlite":
		db, err = store.NewSQLiteStore(cfg.DSN())
	case "postgres":
		db, err = store.NewPostgresStore(cfg.DSN())
	default:
		return fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	slog.Info("database ready", "driver", cfg.Storage.Driver)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Aggregation store: adopt persisted state unless the day rolled
	// or it went stale.
	agg := aggregate.NewStore(db, slog.Default())
	if err := agg.Hydrate(ctx); err != nil {
		slog.Error("hydrating aggregation state", "error", err)
	}

	// Registry and supervisor. The registry is the supervisor's
	// handler and its only caller; the aggregation store's Ingest is
	// the permanent dispatch sink.
	reg := subs.NewRegistry(agg.Ingest, slog.Default())
	sup := stream.NewSupervisor(stream.Options{
		BaseURL:       cfg.Stream.BaseURL,
		BaseDelay:     cfg.Stream.ReconnectBaseDelay,
		MaxAttempts:   cfg.Stream.MaxReconnectAttempts,
		StaleAfter:    cfg.Stream.StaleAfter,
		SweepInterval: cfg.Stream.SweepInterval,
		Logger:        slog.Default(),
	}, reg)
	reg.Bind(sup)

	// Dashboard hub: one feed per province keeps all five streams
	// live for the operator dashboard.
	hub, err := dashboard.NewHub(agg, reg, slog.Default())
	if err != nil {
		_ = sup.Shutdown(context.Background())
		return err
	}

	srv := api.NewServer(agg, hub, reg, cfg.CORSOrigin, slog.Default())
	srv.SetVersion(Version)
	storagePath := cfg.DSN()
	if cfg.Storage.Driver == "postgres" {
		storagePath = redactDSN(storagePath)
	}
	srv.SetStorageInfo(cfg.Storage.Driver, storagePath)

	slog.Info("smartend ready", "addr", cfg.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })
	g.Go(func() error {
		agg.RunFreshness(gctx, time.Minute)
		return nil
	})

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		slog.Error("smartend exited with error", "error", waitErr)
	}

	// Always run graceful cleanup, even on error.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	hub.Close()
	_ = sup.Shutdown(shutdownCtx)
	_ = db.Close()

	slog.Info("smartend shutdown complete")
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

func setupLogging() {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	if logFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// redactDSN masks the password in a PostgreSQL DSN for safe display.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
