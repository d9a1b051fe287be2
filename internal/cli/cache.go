package cli

import (
	"github.com/spf13/cobra"
)

var cacheClearRegion string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the Redis price cache mirror",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "List mirrored cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CacheStats(cmd.Context())
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the mirrored entries of a region",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CacheClear(cmd.Context(), cacheClearRegion)
	},
}

func init() {
	cacheClearCmd.Flags().StringVar(&cacheClearRegion, "region", "", "Region whose entries are removed")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
}
