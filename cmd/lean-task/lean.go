package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/66Tracy/claude-lean4/internal/config"
	"github.com/66Tracy/claude-lean4/internal/orchestrator"
	"github.com/66Tracy/claude-lean4/internal/report"
	"github.com/66Tracy/claude-lean4/internal/runtime"
	"github.com/66Tracy/claude-lean4/internal/supervisor"
)

func newLeanCmd(g *globalFlags) *cobra.Command {
	var (
		command  string
		image    string
		readOnly bool
	)
	cmd := &cobra.Command{
		Use:   "lean [command]",
		Short: "Run a Lean command in the image with the repository mounted",
		Long: `Run a command in the Lean image with the repository mounted at /workspace.

With --ro the repository is mounted read-only and build output goes to a
tmpfs at /scratch (LAKE_DIR=/scratch/.lake).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				command = args[0]
			}
			cfg, logger, err := g.load(config.Overrides{})
			if err != nil {
				return withCode(report.ExitSetupFailure, err)
			}
			if image == "" && !readOnly {
				image = orchestrator.DefaultLeanImage
			}

			rt, err := dockerRuntime(cmd.Context())
			if err != nil {
				return interruptedOr(cmd.Context(), err)
			}
			defer rt.Close()

			logger.Debug("Running lean command", "command", command, "read_only", readOnly)
			code, err := orchestrator.RunLean(cmd.Context(), rt, cfg, orchestrator.LeanOptions{
				Command:  command,
				Image:    image,
				ReadOnly: readOnly,
			}, os.Stdout)
			if err != nil {
				return interruptedOr(cmd.Context(), err)
			}
			if code != 0 {
				return withCode(code, nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "cmd", orchestrator.DefaultLeanCommand, "容器内执行的命令")
	cmd.Flags().StringVar(&image, "image", "", "镜像（默认 "+orchestrator.DefaultLeanImage+"，--ro 时为配置的任务镜像）")
	cmd.Flags().BoolVar(&readOnly, "ro", false, "只读挂载仓库")
	return cmd
}

func newWarmCacheCmd(g *globalFlags) *cobra.Command {
	var image string
	cmd := &cobra.Command{
		Use:   "warm-cache",
		Short: "Populate the shared elan tool cache from the image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(config.Overrides{Image: image})
			if err != nil {
				return withCode(report.ExitSetupFailure, err)
			}
			rt, err := dockerRuntime(cmd.Context())
			if err != nil {
				return interruptedOr(cmd.Context(), err)
			}
			defer rt.Close()

			populated, err := runtime.EnsureToolCache(cmd.Context(), rt, cfg.ElanCache, cfg.Image, supervisor.ContainerName("elan_cache"))
			if err != nil {
				return interruptedOr(cmd.Context(), err)
			}
			if populated {
				logger.Info("Tool cache populated", "dir", cfg.ElanCache)
			}
			fmt.Printf("Tool cache ready: %s\n", cfg.ElanCache)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "镜像（默认 "+config.DefaultImage+"）")
	return cmd
}
