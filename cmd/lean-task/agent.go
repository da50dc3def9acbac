package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/66Tracy/claude-lean4/internal/agent"
	"github.com/66Tracy/claude-lean4/internal/config"
	"github.com/66Tracy/claude-lean4/pkg/logging"
)

func newAgentCmd(g *globalFlags) *cobra.Command {
	var (
		binary       string
		systemPrompt string
	)
	cmd := &cobra.Command{
		Use:   "agent <task_md> <out_file>",
		Short: "Run the claude CLI on a task prompt (inside the container)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// 容器内仓库只读，配置缺失时使用默认值
			logger := logging.Default("agent")
			if cfg, l, err := g.load(config.Overrides{}); err == nil {
				logger = l.Named("agent")
				if binary == "" {
					binary = cfg.Agent.Binary
				}
				if systemPrompt == "" {
					systemPrompt = cfg.Agent.SystemPrompt
				}
			} else {
				logger.WithError(err).Debug("Config unavailable, using defaults")
			}
			if systemPrompt == "" {
				systemPrompt = config.DefaultSystemPrompt
			}

			code, err := agent.Run(cmd.Context(), agent.Options{
				Binary:       binary,
				SystemPrompt: systemPrompt,
				TaskFile:     args[0],
				OutFile:      args[1],
				Stderr:       os.Stderr,
			}, logger)
			if err != nil {
				return interruptedOr(cmd.Context(), err)
			}
			if code != 0 {
				return withCode(code, nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&binary, "binary", "", "claude CLI 路径（默认 claude）")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "追加的系统提示")
	return cmd
}
