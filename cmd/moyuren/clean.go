package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ternarybob/moyuren/internal/app"
)

var cleanKeepDays int

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete images, cache entries and run history past retention",
	RunE:  runClean,
}

func init() {
	cleanCmd.Flags().IntVar(&cleanKeepDays, "keep-days", 0, "Days to keep (default: cache.retain_days)")
}

func runClean(cmd *cobra.Command, args []string) error {
	application, err := app.New(config, logger, app.RunHistoryOptional())
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer application.Close()

	keepDays := cleanKeepDays
	if keepDays == 0 {
		keepDays = config.Cache.RetainDays
	}

	result, err := application.Janitor.Sweep(context.Background(), keepDays)
	if result != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "cutoff %s: removed %d images, %d cache entries, %d runs; freed %s; oldest kept %s\n",
			result.Cutoff, result.Removed, result.CacheRemoved, result.RunsRemoved,
			humanize.Bytes(uint64(result.FreedBytes)), result.OldestKept)
	}
	return err
}
