package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/66Tracy/claude-lean4/internal/config"
	"github.com/66Tracy/claude-lean4/internal/orchestrator"
	"github.com/66Tracy/claude-lean4/internal/report"
	"github.com/66Tracy/claude-lean4/internal/runtime/docker"
)

// taskFlags run/prepare 共享的参数
type taskFlags struct {
	id       string
	image    string
	jsonl    string
	template string
}

func (f *taskFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "任务 ID")
	cmd.Flags().StringVar(&f.jsonl, "jsonl", "", "JSONL 题库（相对仓库根目录）")
	cmd.Flags().StringVar(&f.template, "template", "", "任务模板（相对仓库根目录）")
}

// taskID 支持 --id 或第一个位置参数
func (f *taskFlags) taskID(args []string) (string, error) {
	id := f.id
	if id == "" && len(args) > 0 {
		id = args[0]
	}
	if id == "" {
		return "", fmt.Errorf("task id is required (--id)")
	}
	return id, nil
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		tf            taskFlags
		timeoutSec    int
		requireSubmit string
		minBytes      int64
		waitMode      string
	)
	cmd := &cobra.Command{
		Use:   "run [id]",
		Short: "Prepare a task workspace and run the agent in a container",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := tf.taskID(args)
			if err != nil {
				return withCode(report.ExitSetupFailure, err)
			}

			o := config.Overrides{
				Image:    tf.image,
				JSONL:    tf.jsonl,
				Template: tf.template,
				WaitMode: waitMode,
			}
			if timeoutSec > 0 {
				o.Timeout = time.Duration(timeoutSec) * time.Second
			}
			if cmd.Flags().Changed("require-submit") {
				v, err := config.ParseBool(requireSubmit)
				if err != nil {
					return withCode(report.ExitSetupFailure, err)
				}
				o.RequireArtifacts = &v
			}
			if cmd.Flags().Changed("min-submit-bytes") {
				o.MinArtifactBytes = &minBytes
			}

			cfg, logger, err := g.load(o)
			if err != nil {
				return withCode(report.ExitSetupFailure, err)
			}

			rt, err := dockerRuntime(cmd.Context(), docker.WithStopTimeout(cfg.Supervisor.StopTimeout))
			if err != nil {
				return interruptedOr(cmd.Context(), err)
			}
			defer rt.Close()

			sinks, closeSinks := orchestrator.BuildSinks(cfg, logger)
			defer closeSinks()

			orch := orchestrator.New(cfg, rt, logger, orchestrator.WithSinks(sinks...))
			outcome, err := orch.Run(cmd.Context(), id)
			if outcome == nil {
				return interruptedOr(cmd.Context(), err)
			}
			if err != nil {
				// 状态记录写入失败：运行本身已完成，按结果分类
				logger.WithError(err).Error("Failed to persist status")
			}

			code := report.ExitCode(outcome)
			switch code {
			case report.ExitInterrupted:
				fmt.Fprintln(os.Stderr, "Task interrupted")
			case report.ExitTimeout:
				fmt.Fprintf(os.Stderr, "Task timed out after %s\n", cfg.Supervisor.Timeout)
			case report.ExitIssues:
				fmt.Fprintln(os.Stderr, "Task completed with issues: "+strings.Join(outcome.Issues, "; "))
			default:
				fmt.Printf("Task run complete. Outputs in: %s\n", cfg.TaskDir(id))
			}
			if code != report.ExitOK {
				return withCode(code, nil)
			}
			return nil
		},
	}
	tf.bind(cmd)
	cmd.Flags().StringVar(&tf.image, "image", "", "镜像（默认 "+config.DefaultImage+"）")
	cmd.Flags().IntVar(&timeoutSec, "timeout-sec", 0, "运行超时秒数（默认 600）")
	cmd.Flags().StringVar(&requireSubmit, "require-submit", "true", "要求两个提交文件非空")
	cmd.Flags().Int64Var(&minBytes, "min-submit-bytes", 1, "提交文件最小字节数")
	cmd.Flags().StringVar(&waitMode, "wait-mode", "", "等待方式：poll 或 native")
	return cmd
}

func newPrepareCmd(g *globalFlags) *cobra.Command {
	var tf taskFlags
	cmd := &cobra.Command{
		Use:   "prepare [id]",
		Short: "Prepare a task workspace from the JSONL source",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := tf.taskID(args)
			if err != nil {
				return withCode(report.ExitSetupFailure, err)
			}
			cfg, logger, err := g.load(config.Overrides{JSONL: tf.jsonl, Template: tf.template})
			if err != nil {
				return withCode(report.ExitSetupFailure, err)
			}
			dir, err := orchestrator.New(cfg, nil, logger).Prepare(id)
			if err != nil {
				return withCode(report.ExitSetupFailure, err)
			}
			fmt.Printf("Prepared task workspace: %s\n", dir)
			return nil
		},
	}
	tf.bind(cmd)
	return cmd
}
