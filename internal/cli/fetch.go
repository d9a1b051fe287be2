package cli

import (
	"github.com/spf13/cobra"

	"spotprice-engine/internal/app"
)

var (
	fetchRegions []string
	fetchJSON    bool
	fetchPersist bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Force one fetch cycle and print the normalized prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Fetch(cmd.Context(), app.FetchOptions{
			Regions: fetchRegions,
			JSON:    fetchJSON,
			Persist: fetchPersist,
		})
	},
}

func init() {
	fetchCmd.Flags().StringSliceVar(&fetchRegions, "region", nil, "Region to fetch (repeatable, defaults to all configured)")
	fetchCmd.Flags().BoolVar(&fetchJSON, "json", false, "Print results as JSON")
	fetchCmd.Flags().BoolVar(&fetchPersist, "persist", false, "Store prices and the fetch cycle in the database")
}
