package cmd

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/Mucyo-Ivan/smartend/internal/config"
	"github.com/Mucyo-Ivan/smartend/internal/store"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the state store schema up to date",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "report the schema version without changing anything")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if migrateDryRun {
		return reportSchemaVersion(cfg)
	}

	// Constructing either store runs its embedded migrations, so the
	// command only has to open and close one.
	var st store.Store
	switch cfg.Storage.Driver {
	case "sqlite":
		st, err = store.NewSQLiteStore(cfg.DSN())
	case "postgres":
		st, err = store.NewPostgresStore(cfg.DSN())
	default:
		return fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	slog.Info("state store schema up to date", "driver", cfg.Storage.Driver)
	return nil
}

// reportSchemaVersion opens the database without migrating and logs
// the version goose has recorded for it.
func reportSchemaVersion(cfg *config.Config) error {
	var (
		db      *sql.DB
		err     error
		dialect string
	)
	switch cfg.Storage.Driver {
	case "sqlite":
		db, err = sql.Open("sqlite", cfg.DSN())
		dialect = "sqlite3"
	case "postgres":
		db, err = sql.Open("pgx", cfg.DSN())
		dialect = "postgres"
	default:
		return fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	version, err := goose.GetDBVersion(db)
	if err != nil {
		version = 0
	}
	slog.Info("schema version", "version", version, "driver", cfg.Storage.Driver)
	return nil
}
