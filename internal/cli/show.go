package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"spotprice-engine/internal/app"
)

var (
	showRegion string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent fetch cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Region: showRegion,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showRegion, "region", "", "Only show cycles of this region")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of cycles to display")
}
