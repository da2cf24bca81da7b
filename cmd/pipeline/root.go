package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "pipeline",
		Short:         "Campaign send pipeline: queue workers and delivery callbacks",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (default: configs/config.yaml lookup)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newDeadLetterCmd(&configPath))
	cmd.AddCommand(newCampaignCmd(&configPath))
	return cmd
}
