package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newCampaignCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Campaign lifecycle operations",
	}
	cmd.AddCommand(newCampaignStopCmd(configPath))
	return cmd
}

func newCampaignStopCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <campaign-id>",
		Short: "Stop a campaign; workers discard its remaining jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid campaign id %q: %w", args[0], err)
			}

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.dispatcher.Stop(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "campaign %d stopped\n", id)
			return nil
		},
	}
}
