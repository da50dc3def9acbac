// Package runtime 定义任务容器运行时接口
//
// Runtime 是监督器观察和控制容器的唯一途径。每次调用都是一次
// 时间点上的同步操作，没有事件订阅；监督器通过轮询 Status 观察退出。
package runtime

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound 实例不存在
var ErrNotFound = errors.New("instance not found")

// Runtime 任务容器运行时接口
type Runtime interface {
	// Name 返回运行时名称
	Name() string

	// Create 创建运行时实例（不启动）
	Create(ctx context.Context, config *InstanceConfig) (*Instance, error)

	// Start 启动运行时实例
	Start(ctx context.Context, instanceID string) error

	// Stop 停止运行时实例
	Stop(ctx context.Context, instanceID string) error

	// Remove 删除运行时实例
	Remove(ctx context.Context, instanceID string, force bool) error

	// Status 获取运行时实例状态
	Status(ctx context.Context, instanceID string) (*InstanceStatus, error)

	// Logs 获取运行时实例输出，follow 为 true 时持续读取直到实例退出
	Logs(ctx context.Context, instanceID string, follow bool) (io.ReadCloser, error)
}

// Waiter 支持原生阻塞等待的运行时
//
// Wait 在实例退出时返回退出码；ctx 到期时返回 ctx.Err()。
type Waiter interface {
	Wait(ctx context.Context, instanceID string) (int, error)
}

// InstanceConfig 运行时实例配置
type InstanceConfig struct {
	Name       string            // 实例名称
	Image      string            // 镜像名称
	Command    []string          // 启动命令（镜像入口点的参数）
	Env        map[string]string // 环境变量
	WorkingDir string            // 工作目录
	Mounts     []Mount           // 挂载配置
	Tmpfs      map[string]string // tmpfs 挂载 path → options
	TTY        bool              // 是否分配 TTY
}

// Mount 挂载配置
type Mount struct {
	Source   string // 宿主机路径
	Target   string // 容器内路径
	ReadOnly bool   // 是否只读
}

// Instance 运行时实例
type Instance struct {
	ID      string          // 实例 ID
	Name    string          // 实例名称
	Runtime string          // 运行时类型
	Config  *InstanceConfig // 实例配置
}

// InstanceStatus 运行时实例状态
type InstanceStatus struct {
	State      InstanceState // 状态
	Running    bool          // 是否运行中
	ExitCode   int           // 退出码，仅在终止状态下有意义
	StartedAt  string        // 启动时间
	FinishedAt string        // 结束时间
	Error      string        // 错误信息
}

// InstanceState 实例状态枚举
type InstanceState string

const (
	StateCreated  InstanceState = "created"  // 已创建
	StateRunning  InstanceState = "running"  // 运行中
	StatePaused   InstanceState = "paused"   // 已暂停
	StateStopped  InstanceState = "stopped"  // 已停止
	StateExited   InstanceState = "exited"   // 已退出
	StateRemoving InstanceState = "removing" // 正在删除
	StateUnknown  InstanceState = "unknown"  // 未知
)
