package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var simulateRegion string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a test alert for a region through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRegion == "" {
			return errors.New("--region must be provided")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateRegion)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateRegion, "region", "", "Region named in the test alert")
}
