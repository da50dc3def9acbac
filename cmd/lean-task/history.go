package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/66Tracy/claude-lean4/internal/config"
	"github.com/66Tracy/claude-lean4/internal/history"
	"github.com/66Tracy/claude-lean4/internal/report"
)

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		taskID     string
		failedOnly bool
		limit      int
		asJSON     bool
		latest     bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded task runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(config.Overrides{})
			if err != nil {
				return withCode(report.ExitSetupFailure, err)
			}
			if latest && taskID == "" {
				return withCode(report.ExitSetupFailure, fmt.Errorf("--latest requires --id"))
			}
			if cfg.History.Path == "" {
				return withCode(report.ExitSetupFailure, fmt.Errorf("history.path is not configured (set HISTORY_PATH)"))
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return withCode(report.ExitSetupFailure, err)
			}
			defer store.Close()

			var entries []history.Entry
			if latest {
				e, err := store.Latest(cmd.Context(), taskID)
				if err != nil {
					return withCode(report.ExitSetupFailure, err)
				}
				entries = []history.Entry{*e}
			} else {
				entries, err = store.List(cmd.Context(), history.Filter{
					TaskID:     taskID,
					FailedOnly: failedOnly,
					Limit:      limit,
				})
				if err != nil {
					return withCode(report.ExitSetupFailure, err)
				}
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			printEntries(os.Stdout, entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "只显示该任务")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "只显示未通过的运行")
	cmd.Flags().IntVar(&limit, "limit", 20, "最多显示条数，0 表示全部")
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出")
	cmd.Flags().BoolVar(&latest, "latest", false, "只显示该任务最近一次运行（需要 --id）")
	return cmd
}

func printEntries(w io.Writer, entries []history.Entry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTASK\tRESULT\tEXIT\tDURATION\tFINISHED\tISSUES")
	for _, e := range entries {
		result := "ok"
		switch {
		case e.Interrupted:
			result = "interrupted"
		case e.TimedOut:
			result = "timeout"
		case !e.OK:
			result = "issues"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.0fs\t%s\t%s\n",
			e.Seq, e.TaskID, result, e.ExitCode, e.DurationSeconds, e.FinishedAt, strings.Join(e.Issues, "; "))
	}
	tw.Flush()
}
