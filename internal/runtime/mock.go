// Package runtime 运行时 mock 实现
package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ============================================================================
// MockRuntime - 可编排行为的内存运行时（用于测试）
// ============================================================================

// MockRuntime 记录调用序列并按字段配置模拟容器行为
//
// RunningPolls 表示实例在报告退出前有多少次 Status 调用返回运行中，
// 负数表示实例永不自行退出（只有 Stop 能终止它）。
type MockRuntime struct {
	mu sync.Mutex

	CreateErr error
	StartErr  error
	StopErr   error
	RemoveErr error
	EmptyID   bool // Create 返回空 ID

	StatusErr     error
	StatusErrFrom int // 第 N 次（从 1 开始）及之后的 Status 调用返回 StatusErr，0 表示从不

	RunningPolls int
	ExitCode     int
	StopExitCode int    // Stop 之后的退出码
	StopIgnored  bool   // Stop 返回成功但实例仍在运行
	Output       string // Logs 返回的内容

	OnStart func(cfg *InstanceConfig) // Start 时回调，模拟容器内进程写文件

	Calls       []string
	statusCalls int
	instances   map[string]*mockInstance
}

type mockInstance struct {
	cfg     *InstanceConfig
	started bool
	stopped bool
}

var _ Runtime = (*MockRuntime)(nil)
var _ Waiter = (*MockRuntime)(nil)

// NewMockRuntime 创建 MockRuntime 实例
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{instances: make(map[string]*mockInstance)}
}

func (m *MockRuntime) record(format string, args ...any) {
	m.Calls = append(m.Calls, fmt.Sprintf(format, args...))
}

// Name 返回运行时名称
func (m *MockRuntime) Name() string {
	return "mock"
}

// Create 创建实例
func (m *MockRuntime) Create(ctx context.Context, cfg *InstanceConfig) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create %s", cfg.Name)
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	if m.instances == nil {
		m.instances = make(map[string]*mockInstance)
	}
	id := "id-" + cfg.Name
	if m.EmptyID {
		id = ""
	}
	m.instances[id] = &mockInstance{cfg: cfg}
	return &Instance{ID: id, Name: cfg.Name, Runtime: m.Name(), Config: cfg}, nil
}

// Start 启动实例
func (m *MockRuntime) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	m.record("start %s", id)
	if m.StartErr != nil {
		m.mu.Unlock()
		return m.StartErr
	}
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	inst.started = true
	hook := m.OnStart
	m.mu.Unlock()

	if hook != nil {
		hook(inst.cfg)
	}
	return nil
}

// Stop 停止实例
func (m *MockRuntime) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("stop %s", id)
	if m.StopErr != nil {
		return m.StopErr
	}
	if inst, ok := m.instances[id]; ok && !m.StopIgnored {
		inst.stopped = true
	}
	return nil
}

// Remove 删除实例
func (m *MockRuntime) Remove(ctx context.Context, id string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("remove %s", id)
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	if _, ok := m.instances[id]; !ok {
		return ErrNotFound
	}
	delete(m.instances, id)
	return nil
}

// Status 获取实例状态
func (m *MockRuntime) Status(ctx context.Context, id string) (*InstanceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	m.record("status %s", id)
	if m.StatusErrFrom > 0 && m.statusCalls >= m.StatusErrFrom {
		return nil, m.StatusErr
	}
	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.statusOf(inst), nil
}

func (m *MockRuntime) statusOf(inst *mockInstance) *InstanceStatus {
	switch {
	case inst.stopped:
		return &InstanceStatus{State: StateExited, ExitCode: m.StopExitCode}
	case m.RunningPolls < 0 || m.statusCalls <= m.RunningPolls:
		return &InstanceStatus{State: StateRunning, Running: true}
	default:
		return &InstanceStatus{State: StateExited, ExitCode: m.ExitCode}
	}
}

// Logs 返回预设输出
func (m *MockRuntime) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("logs %s", id)
	if _, ok := m.instances[id]; !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(strings.NewReader(m.Output)), nil
}

// Wait 原生等待：永不退出的实例阻塞到 ctx 到期
func (m *MockRuntime) Wait(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	m.record("wait %s", id)
	inst, ok := m.instances[id]
	never := m.RunningPolls < 0
	code := m.ExitCode
	m.mu.Unlock()

	if !ok {
		return -1, ErrNotFound
	}
	if never && !inst.stopped {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	return code, nil
}

// CallNames 返回调用动作序列（不含参数），便于断言顺序
func (m *MockRuntime) CallNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.Calls))
	for _, c := range m.Calls {
		names = append(names, strings.SplitN(c, " ", 2)[0])
	}
	return names
}

// Live 返回尚未删除的实例数
func (m *MockRuntime) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}
