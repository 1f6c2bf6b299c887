package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common"
	commonconfig "github.com/ersilia-os/ersilia-hub-sub000/internal/common/config"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "orchestrator",
		SilenceUsage: true,
		Short:        "Schedules model work requests onto kubernetes instances",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	if err := viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation)); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		registerModelCmd(),
		submitCmd(),
		getCmd(),
	)

	return cmd
}

func loadConfig() (configuration.OrchestratorConfiguration, error) {
	var config configuration.OrchestratorConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/orchestrator", userSpecifiedConfigs)

	if err := config.ResolveServerId(); err != nil {
		return config, err
	}
	err := config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
