package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/66Tracy/claude-lean4/internal/config"
	"github.com/66Tracy/claude-lean4/internal/runtime"
	"github.com/66Tracy/claude-lean4/internal/supervisor"
)

// 临时 Lean 命令默认值
const (
	DefaultLeanCommand = "lake env lean examples/test.lean"
	DefaultLeanImage   = "leanprovercommunity/lean4:fixed"
	ScratchMount       = "/scratch"
	ScratchLakeDir     = "/scratch/.lake"
)

// LeanOptions 临时 Lean 命令参数
type LeanOptions struct {
	Command  string
	Image    string
	ReadOnly bool // 仓库只读挂载，构建产物写入 /scratch tmpfs
}

// LeanInstance 构建临时 Lean 命令的实例配置
func LeanInstance(cfg *config.Config, opts LeanOptions) *runtime.InstanceConfig {
	command := opts.Command
	if command == "" {
		command = DefaultLeanCommand
	}
	image := opts.Image
	if image == "" {
		image = cfg.Image
	}

	inst := &runtime.InstanceConfig{
		Name:    supervisor.ContainerName("lean"),
		Image:   image,
		Command: []string{"-lc", command},
		Mounts: []runtime.Mount{
			{Source: cfg.RepoRoot, Target: MountWorkspace, ReadOnly: opts.ReadOnly},
			{Source: cfg.ElanCache, Target: MountElan},
		},
		WorkingDir: MountWorkspace,
		TTY:        true,
	}
	if opts.ReadOnly {
		inst.Env = map[string]string{"LAKE_DIR": ScratchLakeDir}
		inst.Tmpfs = map[string]string{ScratchMount: "exec,mode=1777"}
	}
	return inst
}

// RunLean 在镜像中运行一条命令，输出写入 out，返回容器退出码
func RunLean(ctx context.Context, rt runtime.WaitingRuntime, cfg *config.Config, opts LeanOptions, out io.Writer) (int, error) {
	inst := LeanInstance(cfg, opts)
	if _, err := runtime.EnsureToolCache(ctx, rt, cfg.ElanCache, inst.Image, supervisor.ContainerName("elan_cache")); err != nil {
		return -1, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	return runtime.RunToCompletion(ctx, rt, inst, out)
}
