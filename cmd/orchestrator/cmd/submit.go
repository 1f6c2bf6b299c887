package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/hubctl"
)

func submitCmd() *cobra.Command {
	args := hubctl.SubmitArgs{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "queues a work request for a model",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, app *hubctl.App) error {
				_, err := app.SubmitRequest(ctx, args)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&args.ModelId, "model", "", "Id of the model to run")
	cmd.Flags().StringVar(&args.UserId, "user", "", "User submitting the request")
	cmd.Flags().StringVar(&args.SessionId, "session", "", "Session the request belongs to")
	cmd.Flags().StringSliceVar(&args.Inputs, "input", nil, "Model input; repeat for several inputs")
	cmd.Flags().StringVar(&args.InputFile, "inputFile", "", "File holding one model input per line")
	cmd.Flags().BoolVar(&args.CacheOptIn, "cache", false, "Store computed results in the result cache")
	for _, required := range []string{"model", "user"} {
		if err := cmd.MarkFlagRequired(required); err != nil {
			panic(err)
		}
	}
	return cmd
}
