package cmd

import (
	"context"
	"os"

	"github.com/pkg/errors"

	dbcommon "github.com/ersilia-os/ersilia-hub-sub000/internal/common/database"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/hubctl"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/repository"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/resultstore"
)

// withApp runs action against an App connected to the configured database and result store.
func withApp(action func(ctx context.Context, app *hubctl.App) error) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "failed to connect to database")
	}
	defer db.Close()
	results, err := resultstore.New(ctx, config.ResultStore)
	if err != nil {
		return err
	}
	return action(ctx, &hubctl.App{
		Requests: repository.NewPostgresWorkRequestRepository(db),
		Models:   repository.NewPostgresModelRepository(db),
		Results:  results,
		Out:      os.Stdout,
	})
}
