// Package main lean-task 命令行入口
//
// 子命令：
//   - run        准备工作空间并在容器中运行 Agent，写状态记录
//   - prepare    只准备工作空间
//   - lean       在镜像中运行一条临时 Lean 命令
//   - agent      （容器内）调用 claude CLI 求解任务
//   - warm-cache 填充工具链缓存
//   - history    查看运行历史
//   - status     查看任务最近一次的状态记录
//
// 退出码：0 成功，1 准备/启动失败，2 完成但有问题，3 超时，130 被中断。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/66Tracy/claude-lean4/internal/config"
	"github.com/66Tracy/claude-lean4/internal/report"
	"github.com/66Tracy/claude-lean4/internal/runtime/docker"
	"github.com/66Tracy/claude-lean4/pkg/logging"
)

// exitError 携带进程退出码的错误
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// withCode 为错误附加退出码；err 为 nil 时只携带退出码
func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// interruptedOr 运行被信号取消时返回 130，否则返回准备/启动失败
func interruptedOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return withCode(report.ExitInterrupted, err)
	}
	return withCode(report.ExitSetupFailure, err)
}

// dockerRuntime 连接 Docker 并确认守护进程可用
func dockerRuntime(ctx context.Context, opts ...docker.Option) (*docker.Runtime, error) {
	rt, err := docker.New(opts...)
	if err != nil {
		return nil, err
	}
	if err := rt.Ping(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return rt, nil
}

// globalFlags 所有子命令共享的参数
type globalFlags struct {
	configDir string
	repoRoot  string
	logLevel  string
	logFormat string
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return report.ExitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, ee.err)
		}
		if ee.code < 0 || ee.code > 255 {
			return report.ExitSetupFailure
		}
		return ee.code
	}
	fmt.Fprintln(os.Stderr, err)
	return report.ExitSetupFailure
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "lean-task",
		Short:         "Run Lean proof tasks in isolated containers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configDir, "config", "", "配置文件目录（默认 {repo}/configs）")
	root.PersistentFlags().StringVar(&g.repoRoot, "repo-root", "", "仓库根目录（默认当前目录）")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "日志级别：debug/info/warn/error")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "日志格式：text/json")

	root.AddCommand(
		newRunCmd(g),
		newPrepareCmd(g),
		newLeanCmd(g),
		newAgentCmd(g),
		newWarmCacheCmd(g),
		newHistoryCmd(g),
		newStatusCmd(g),
	)
	return root
}

// load 在入口处解析一次配置和日志器
func (g *globalFlags) load(o config.Overrides) (*config.Config, *logging.Logger, error) {
	root := g.repoRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve working directory: %w", err)
		}
		root = wd
	}
	cfg, err := config.Load(config.LoadOptions{
		ConfigDir: g.configDir,
		RepoRoot:  root,
		Overrides: o,
	})
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	logCfg := cfg.Log
	logCfg.Component = "lean-task"
	logger := logging.New(logCfg)
	logger.Debug("Config loaded", "config", cfg.String(), "file", cfg.ConfigFilePath)
	return cfg, logger, nil
}
