package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"chatlog/internal/analytics"
	"chatlog/internal/compaction"
	"chatlog/internal/config"
	"chatlog/internal/logging"
	"chatlog/internal/storage"
)

// app is what every subcommand needs once the store is open.
type app struct {
	store     storage.Store
	compactor *compaction.Compactor
}

type openFunc func(ctx context.Context) (*app, error)

func openConfiguredStore(ctx context.Context) (*app, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	store, err := storage.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	return &app{store: store, compactor: compaction.New(store, cfg.CompactBatchSize, time.Now)}, nil
}

func newRootCmd(open openFunc) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "chatlog-admin",
		Short:         "Inspect and compact stored chat logs",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(
		newCompactCmd(open),
		newListCmd(open),
		newCatCmd(open),
		newStatsCmd(open),
	)
	return rootCmd
}

func newCompactCmd(open openFunc) *cobra.Command {
	var day string
	var force bool
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Merge a day's per-event logs into logs/{day}.ndjson (default: yesterday, UTC)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			res, err := a.compactor.Run(cmd.Context(), compaction.Request{Day: day, Force: force})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day to compact, YYYY-MM-DD")
	cmd.Flags().BoolVar(&force, "force", false, "rewrite the merged file even if it exists")
	return cmd
}

func newListCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <day>",
		Short: "List per-event log objects still stored for a day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := storage.ParseDay(args[0]); err != nil {
				return err
			}
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			objs, err := a.store.List(cmd.Context(), storage.DayPrefix(args[0]))
			if err != nil {
				return err
			}
			for _, o := range objs {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", o.Key, o.Size); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newCatCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <day>",
		Short: "Print a day as NDJSON, from the merged file or from the pending per-event logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := storage.ParseDay(args[0]); err != nil {
				return err
			}
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			lines, _, err := analytics.DayLines(cmd.Context(), a.store, args[0])
			if err != nil {
				return err
			}
			for _, l := range lines {
				if _, err := cmd.OutOrStdout().Write(l); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newStatsCmd(open openFunc) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats <day>",
		Short: "Summarise a day's turns and legacy events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := storage.ParseDay(args[0]); err != nil {
				return err
			}
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			lines, merged, err := analytics.DayLines(cmd.Context(), a.store, args[0])
			if err != nil {
				return err
			}
			stats := analytics.AnalyzeDailyLogs(args[0], lines)
			stats.Merged = merged

			out := stats.GenerateReportSummary()
			if asJSON {
				if out, err = stats.ToJSON(); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stats as JSON")
	return cmd
}
