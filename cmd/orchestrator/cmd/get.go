package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/hubctl"
)

func getCmd() *cobra.Command {
	var (
		id      int64
		results bool
		asCsv   bool
	)
	cmd := &cobra.Command{
		Use:   "get",
		Short: "shows a work request or downloads its results",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, app *hubctl.App) error {
				if results || asCsv {
					return app.DownloadResults(ctx, id, asCsv)
				}
				return app.DescribeRequest(ctx, id)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "Id of the work request")
	cmd.Flags().BoolVar(&results, "results", false, "Print the results of a completed request as json")
	cmd.Flags().BoolVar(&asCsv, "csv", false, "Print the results of a completed request as csv")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}
