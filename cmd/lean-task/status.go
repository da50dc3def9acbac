package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/66Tracy/claude-lean4/internal/config"
	"github.com/66Tracy/claude-lean4/internal/report"
)

// newStatusCmd 读取任务的状态记录，以记录对应的退出码退出
func newStatusCmd(g *globalFlags) *cobra.Command {
	var (
		tf     taskFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show the status record of the last run of a task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := tf.taskID(args)
			if err != nil {
				return withCode(report.ExitSetupFailure, err)
			}
			cfg, _, err := g.load(config.Overrides{})
			if err != nil {
				return withCode(report.ExitSetupFailure, err)
			}
			outcome, err := report.Read(report.PathsFor(cfg.TaskDir(id)).Status)
			if err != nil {
				return withCode(report.ExitSetupFailure, err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(outcome); err != nil {
					return withCode(report.ExitSetupFailure, err)
				}
			} else {
				printOutcome(os.Stdout, outcome)
			}
			if code := report.ExitCode(outcome); code != report.ExitOK {
				return withCode(code, nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tf.id, "id", "", "任务 ID")
	cmd.Flags().BoolVar(&asJSON, "json", false, "输出完整状态记录")
	return cmd
}

func printOutcome(w io.Writer, o *report.Outcome) {
	result := "ok"
	switch {
	case o.Interrupted:
		result = "interrupted"
	case o.TimedOut:
		result = "timeout"
	case !o.OK:
		result = "issues"
	}
	fmt.Fprintf(w, "task:      %s\n", o.ID)
	fmt.Fprintf(w, "container: %s\n", o.ContainerName)
	fmt.Fprintf(w, "result:    %s\n", result)
	fmt.Fprintf(w, "exit code: %s\n", o.ExitCode)
	fmt.Fprintf(w, "finished:  %s (%.0fs)\n", o.Timestamp, o.DurationSeconds)
	for _, issue := range o.Issues {
		fmt.Fprintf(w, "issue:     %s\n", issue)
	}
	if len(o.SupervisionErrors) > 0 {
		fmt.Fprintf(w, "cleanup:   %s\n", strings.Join(o.SupervisionErrors, "; "))
	}
}
