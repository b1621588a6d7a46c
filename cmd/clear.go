package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mucyo-Ivan/smartend/internal/config"
	"github.com/Mucyo-Ivan/smartend/internal/store"
)

var (
	clearServer string
	clearLocal  bool
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Reset the telemetry aggregation cache",
	Long: `clear resets the aggregation cache to its cold-start defaults. By default it
asks a running smartend instance to clear both its in-memory and persisted
state; with --local it clears the persisted state directly, for use while the
daemon is stopped.`,
	RunE: runClear,
}

func init() {
	clearCmd.Flags().StringVar(&clearServer, "server", "http://localhost:8080", "smartend server URL")
	clearCmd.Flags().BoolVar(&clearLocal, "local", false, "clear the persisted state directly instead of via a running daemon")
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
	setupLogging()

	if clearLocal {
		return clearPersisted()
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(clearServer+"/api/v1/cache/clear", "application/json", nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", clearServer, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clear failed: server returned %s", resp.Status)
	}
	fmt.Println("aggregation cache cleared")
	return nil
}

func clearPersisted() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	var s store.Store
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err = store.NewSQLiteStore(cfg.DSN())
	case "postgres":
		s, err = store.NewPostgresStore(cfg.DSN())
	default:
		return fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ClearState(ctx); err != nil {
		return err
	}
	fmt.Println("persisted state cleared")
	return nil
}
