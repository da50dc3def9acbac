// Package orchestrator 任务运行编排
//
// 一次运行的完整流程：
//  1. 准备工作空间（题目渲染、占位文件）
//  2. 确保工具链缓存已填充
//  3. 监督容器运行（超时强制停止，总会清理容器）
//  4. 从原始输出中提取提交产物
//  5. 汇总结果，写一次状态记录
//  6. 旁路输出（历史、对象存储、通知、指标），失败只记录日志
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/66Tracy/claude-lean4/internal/config"
	"github.com/66Tracy/claude-lean4/internal/protocol"
	"github.com/66Tracy/claude-lean4/internal/report"
	"github.com/66Tracy/claude-lean4/internal/runtime"
	"github.com/66Tracy/claude-lean4/internal/supervisor"
	"github.com/66Tracy/claude-lean4/internal/workspace"
	"github.com/66Tracy/claude-lean4/pkg/logging"
)

// 容器内挂载点
const (
	MountWorkspace = "/workspace"
	MountTask      = "/task"
	MountElan      = "/home/lean/.elan"
	TaskLakeDir    = "/task/.lake"
)

// ErrSetup 运行前的准备失败（工作空间、缓存、环境文件）
var ErrSetup = errors.New("setup failed")

// Sink 运行结束后的旁路输出
type Sink interface {
	Name() string
	Publish(ctx context.Context, paths report.Paths, o *report.Outcome) error
}

// Orchestrator 任务运行编排器
type Orchestrator struct {
	cfg      *config.Config
	rt       runtime.WaitingRuntime
	sv       *supervisor.Supervisor
	preparer *workspace.Preparer
	sinks    []Sink
	logger   *logging.Logger
	now      func() time.Time
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithSinks 追加旁路输出
func WithSinks(sinks ...Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

// WithSupervisorOptions 传递监督器选项
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(o *Orchestrator) {
		o.sv = supervisor.New(o.rt, o.logger.Named("supervisor"), append(supervisorOptions(o.cfg), opts...)...)
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New 创建编排器
func New(cfg *config.Config, rt runtime.WaitingRuntime, logger *logging.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.Discard()
	}
	o := &Orchestrator{
		cfg:      cfg,
		rt:       rt,
		preparer: workspace.NewPreparer(logger),
		logger:   logger,
		now:      time.Now,
	}
	o.sv = supervisor.New(rt, logger.Named("supervisor"), supervisorOptions(cfg)...)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func supervisorOptions(cfg *config.Config) []supervisor.Option {
	return []supervisor.Option{
		supervisor.WithCleanupTimeout(cfg.Supervisor.CleanupTimeout),
		supervisor.WithNativeWait(cfg.Supervisor.WaitMode == config.WaitModeNative),
	}
}

// Prepare 只准备工作空间
func (o *Orchestrator) Prepare(id string) (string, error) {
	return o.preparer.Prepare(id, o.cfg.JSONL, o.cfg.Template, o.cfg.TasksRoot)
}

// Run 执行一次完整的任务运行
//
// 准备或启动失败时返回 error（不写状态记录）。容器启动后总会返回 Outcome，
// 并且状态记录恰好写一次；状态记录写入失败也作为 error 返回。
func (o *Orchestrator) Run(ctx context.Context, id string) (*report.Outcome, error) {
	log := o.logger.WithTaskID(id)

	dir, err := o.Prepare(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	populated, err := runtime.EnsureToolCache(ctx, o.rt, o.cfg.ElanCache, o.cfg.Image, supervisor.ContainerName("elan_cache"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	if populated {
		log.Info("Tool cache populated", "dir", o.cfg.ElanCache)
	}
	spec, err := o.RunSpec(id, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	started := o.now()
	res, err := o.sv.StartAndAwait(ctx, spec)
	if err != nil {
		return nil, err
	}
	if res.ForcedStop() {
		log.Warn("Container stopped before exiting", "timed_out", res.TimedOut, "interrupted", res.Interrupted)
	}
	if !res.ExitCode.IsKnown() {
		log.Warn("Container exit code unknown", "container", res.ContainerName)
	}

	paths := report.PathsFor(dir)
	applied, parseErr := protocol.ApplyFile(paths.RawOutput, paths.Targets(), o.cfg.MinArtifactBytes)
	if errors.Is(parseErr, fs.ErrNotExist) {
		// 缺失的原始输出由报告检查记录
		parseErr = nil
	}
	if len(applied) > 0 {
		log.Info("Artifacts extracted from markers", "applied", len(applied))
	}

	outcome := report.Build(report.Inputs{
		TaskID:           id,
		Supervision:      res,
		Paths:            paths,
		Observed:         report.Observe(paths),
		Applied:          applied,
		ParseErr:         parseErr,
		RequireArtifacts: o.cfg.RequireArtifacts,
		MinArtifactBytes: o.cfg.MinArtifactBytes,
		StartedAt:        started,
		FinishedAt:       o.now(),
	})
	if err := report.Write(paths.Status, outcome); err != nil {
		return outcome, fmt.Errorf("write status: %w", err)
	}

	o.publish(context.WithoutCancel(ctx), paths, outcome)
	log.Info("Run finished",
		"ok", outcome.OK,
		"timed_out", outcome.TimedOut,
		"interrupted", outcome.Interrupted,
		"exit_code", outcome.ExitCode.String(),
		"issues", len(outcome.Issues),
	)
	return outcome, nil
}

// RunSpec 构建容器运行规格
func (o *Orchestrator) RunSpec(id, dir string) (supervisor.RunSpec, error) {
	env, err := ContainerEnv(o.cfg.EnvFile)
	if err != nil {
		return supervisor.RunSpec{}, err
	}
	env["LAKE_DIR"] = TaskLakeDir

	return supervisor.RunSpec{
		TaskID: id,
		Image:  o.cfg.Image,
		Mounts: []runtime.Mount{
			{Source: o.cfg.RepoRoot, Target: MountWorkspace, ReadOnly: true},
			{Source: o.cfg.ElanCache, Target: MountElan},
			{Source: dir, Target: MountTask},
		},
		Env:          env,
		WorkingDir:   MountWorkspace,
		Command:      o.cfg.AgentCommand(id),
		Timeout:      o.cfg.Supervisor.Timeout,
		PollInterval: o.cfg.Supervisor.PollInterval,
	}, nil
}

// ContainerEnv 读取注入容器的环境变量文件，文件不存在时返回空集合
func ContainerEnv(path string) (map[string]string, error) {
	env := map[string]string{}
	if path == "" {
		return env, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return env, nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	for k, v := range vars {
		env[k] = v
	}
	return env, nil
}

// publish 依次调用旁路输出，失败只记录
func (o *Orchestrator) publish(ctx context.Context, paths report.Paths, outcome *report.Outcome) {
	for _, s := range o.sinks {
		start := o.now()
		err := s.Publish(ctx, paths, outcome)
		log := o.logger.WithTaskID(outcome.ID).WithDuration(o.now().Sub(start))
		if err != nil {
			log.WithError(err).Warn("Sink failed", "sink", s.Name())
			continue
		}
		log.Debug("Sink published", "sink", s.Name())
	}
}
