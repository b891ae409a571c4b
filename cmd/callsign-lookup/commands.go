package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ft8goblin/callsign-lookup/internal/cache"
	"github.com/ft8goblin/callsign-lookup/internal/config"
	"github.com/ft8goblin/callsign-lookup/pkg/logger"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s/%s\n", progname, version)
		},
	}
}

func createCacheCommands() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Cache maintenance",
		Long:  "Inspect and maintain the local callsign record cache",
	}

	cacheCmd.AddCommand(
		createCacheStatsCommand(),
		createCacheExpireCommand(),
	)

	return cacheCmd
}

// openCacheForCLI opens the configured cache store for a maintenance command.
func openCacheForCLI() (*cache.Store, error) {
	cfg := loadConfig()

	// Maintenance output belongs on the terminal, not in the service log.
	if err := logger.Init(logger.Config{Level: "warning", Path: "stderr"}); err != nil {
		return nil, err
	}

	if !cfg.Lookup.UseCache || cfg.Lookup.CacheDB == "" {
		return nil, fmt.Errorf("caching is not configured (callsign-lookup/use-cache, callsign-lookup/cache-db)")
	}

	expiry, _ := config.ParseDurationSeconds(cfg.Lookup.CacheExpiry)
	return cache.Open(cfg.Lookup.CacheDB, cache.Options{
		Expiry:             expiry,
		KeepStaleIfOffline: cfg.Lookup.CacheKeepStaleIfOffline,
	})
}

func createCacheStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCacheForCLI()
			if err != nil {
				return err
			}
			defer store.Close()

			total, err := store.Count()
			if err != nil {
				return fmt.Errorf("failed to count cache rows: %v", err)
			}
			stale, err := store.CountExpired()
			if err != nil {
				return fmt.Errorf("failed to count expired rows: %v", err)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Records", "Fresh", "Stale"})
			table.Append([]string{
				strconv.FormatInt(total, 10),
				green(strconv.FormatInt(total-stale, 10)),
				yellow(strconv.FormatInt(stale, 10)),
			})
			table.Render()
			return nil
		},
	}
}

func createCacheExpireCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Delete expired cache records now",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCacheForCLI()
			if err != nil {
				return err
			}
			defer store.Close()

			before, _ := store.Count()
			start := time.Now()
			if err := store.Expire(); err != nil {
				fmt.Printf("%s cache expiry failed: %v\n", red("✗"), err)
				return err
			}
			after, _ := store.Count()

			fmt.Printf("%s removed %d expired records in %s (%d remain)\n",
				green("✓"), before-after, time.Since(start).Round(time.Millisecond), after)
			return nil
		},
	}
}
