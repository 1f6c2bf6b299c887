package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/hubctl"
)

func registerModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registerModel <file>",
		Short: "creates or replaces a model from a json or yaml definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *hubctl.App) error {
				return app.RegisterModel(ctx, args[0])
			})
		},
	}
	return cmd
}
