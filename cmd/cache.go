package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/finforge/statement-engine/internal/cache"
)

var purgeAll bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the model response cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		c := cache.New(a.store, cfg.Cache.TTL())
		var n int64
		if purgeAll {
			n, err = a.store.PurgeEntries(ctx, time.Now().UTC())
		} else {
			n, err = c.Purge(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Printf("purged %d cache entries\n", n)
		return nil
	},
}

func init() {
	cachePurgeCmd.Flags().BoolVar(&purgeAll, "all", false, "purge every entry, not just expired ones")
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
