package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/config"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/store"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create indexes or schema for the configured store",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Environment)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	m, ok := st.(store.Migrator)
	if !ok {
		slog.Info("store needs no migration", "store_type", cfg.StoreType)
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("migration complete", "store_type", cfg.StoreType)
	return nil
}
