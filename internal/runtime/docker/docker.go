// Package docker 实现 Docker 容器运行时
//
// 使用官方 github.com/moby/moby/client 库，不依赖 docker CLI。
// 镜像不会被自动拉取：本地不存在时 Create 直接失败。
package docker

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/66Tracy/claude-lean4/internal/runtime"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// Runtime Docker 容器运行时
type Runtime struct {
	client      *client.Client
	stopTimeout *int
}

var (
	_ runtime.Runtime = (*Runtime)(nil)
	_ runtime.Waiter  = (*Runtime)(nil)
)

// Option 运行时选项
type Option func(*Runtime)

// WithStopTimeout 设置 docker stop 的宽限秒数
func WithStopTimeout(seconds int) Option {
	return func(r *Runtime) {
		if seconds > 0 {
			r.stopTimeout = &seconds
		}
	}
}

// New 创建 Docker 运行时
func New(opts ...Option) (*Runtime, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	r := &Runtime{client: cli}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Name 返回运行时名称
func (r *Runtime) Name() string {
	return "docker"
}

// Close 关闭运行时
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Ping 检查 Docker 连接
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx, client.PingOptions{})
	return err
}

// Create 创建运行时实例
func (r *Runtime) Create(ctx context.Context, config *runtime.InstanceConfig) (*runtime.Instance, error) {
	opts := client.ContainerCreateOptions{
		Name:  config.Name,
		Image: config.Image,
		Config: &container.Config{
			Cmd:          config.Command,
			Env:          buildEnv(config.Env),
			WorkingDir:   config.WorkingDir,
			Tty:          config.TTY,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: &container.HostConfig{
			Binds: buildBinds(config.Mounts),
			Tmpfs: config.Tmpfs,
		},
	}

	result, err := r.client.ContainerCreate(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	return &runtime.Instance{
		ID:      result.ID,
		Name:    config.Name,
		Runtime: r.Name(),
		Config:  config,
	}, nil
}

// Start 启动运行时实例
func (r *Runtime) Start(ctx context.Context, instanceID string) error {
	_, err := r.client.ContainerStart(ctx, instanceID, client.ContainerStartOptions{})
	return mapErr(err)
}

// Stop 停止运行时实例
func (r *Runtime) Stop(ctx context.Context, instanceID string) error {
	_, err := r.client.ContainerStop(ctx, instanceID, client.ContainerStopOptions{
		Timeout: r.stopTimeout,
	})
	return mapErr(err)
}

// Remove 删除运行时实例
func (r *Runtime) Remove(ctx context.Context, instanceID string, force bool) error {
	_, err := r.client.ContainerRemove(ctx, instanceID, client.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: false,
	})
	return mapErr(err)
}

// Status 获取运行时实例状态
func (r *Runtime) Status(ctx context.Context, instanceID string) (*runtime.InstanceStatus, error) {
	result, err := r.client.ContainerInspect(ctx, instanceID, client.ContainerInspectOptions{})
	if err != nil {
		return nil, mapErr(err)
	}
	state := result.Container.State
	if state == nil {
		return &runtime.InstanceStatus{State: runtime.StateUnknown}, nil
	}

	return &runtime.InstanceStatus{
		State:      mapContainerState(string(state.Status)),
		Running:    state.Running,
		ExitCode:   state.ExitCode,
		StartedAt:  state.StartedAt,
		FinishedAt: state.FinishedAt,
		Error:      state.Error,
	}, nil
}

// Logs 获取运行时实例日志
//
// 非 TTY 容器的输出是多路复用流，调用方需自行拆分；lean 子命令使用 TTY 容器。
func (r *Runtime) Logs(ctx context.Context, instanceID string, follow bool) (io.ReadCloser, error) {
	result, err := r.client.ContainerLogs(ctx, instanceID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "all",
		Follow:     follow,
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return result, nil
}

// Wait 等待容器退出
func (r *Runtime) Wait(ctx context.Context, instanceID string) (int, error) {
	waitResult := r.client.ContainerWait(ctx, instanceID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})

	select {
	case err := <-waitResult.Error:
		if err != nil {
			return -1, mapErr(err)
		}
		return 0, nil
	case resp := <-waitResult.Result:
		return int(resp.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// buildBinds 构建挂载配置
func buildBinds(mounts []runtime.Mount) []string {
	binds := make([]string, 0, len(mounts))
	for _, m := range mounts {
		bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	return binds
}

// buildEnv 构建环境变量，按键排序保证容器配置稳定
func buildEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

// mapErr 将 Docker not-found 转换为 runtime.ErrNotFound
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %v", runtime.ErrNotFound, err)
	}
	return err
}

// mapContainerState 映射容器状态
func mapContainerState(status string) runtime.InstanceState {
	switch status {
	case "created":
		return runtime.StateCreated
	case "running", "restarting":
		return runtime.StateRunning
	case "paused":
		return runtime.StatePaused
	case "removing":
		return runtime.StateRemoving
	case "exited":
		return runtime.StateExited
	case "dead":
		return runtime.StateStopped
	default:
		return runtime.StateUnknown
	}
}
