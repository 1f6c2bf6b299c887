package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	dbcommon "github.com/ersilia-os/ersilia-hub-sub000/internal/common/database"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the orchestrator database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning orchestrator database migration")
	ctx := context.Background()
	db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "failed to connect to database")
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		return errors.WithMessage(err, "failed to migrate orchestrator database")
	}
	log.Infof("Orchestrator database migrated in %s", time.Since(start))
	return nil
}
