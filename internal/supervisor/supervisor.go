// Package supervisor 容器监督器
//
// 启动一个分离运行的容器，按固定间隔轮询其运行状态直到退出或超时，
// 超时则强制停止，然后依次读取退出码、删除容器。
//
// 容器创建成功之后，所有运行时层面的失败都降级为哨兵值或记录为 StepError，
// 不会中断流程：stop → inspect → remove 严格按序执行，每一步都不依赖上一步成功。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/66Tracy/claude-lean4/internal/runtime"
	"github.com/66Tracy/claude-lean4/pkg/logging"

	"github.com/google/uuid"
)

// 默认值
const (
	DefaultPollInterval   = 2 * time.Second
	DefaultCleanupTimeout = time.Minute
)

// 监督步骤名
const (
	StepPoll    = "poll"
	StepWait    = "wait"
	StepStop    = "stop"
	StepInspect = "inspect"
	StepRemove  = "remove"
)

// RunSpec 不可变的运行规格
type RunSpec struct {
	TaskID       string
	Image        string
	Mounts       []runtime.Mount
	Tmpfs        map[string]string
	Env          map[string]string
	WorkingDir   string
	Command      []string
	Timeout      time.Duration
	PollInterval time.Duration
}

// Result 监督结果
type Result struct {
	ContainerName string
	ContainerID   string
	TimedOut      bool
	Interrupted   bool // 运行上下文被取消（操作员中断）
	ExitCode      ExitCode
	Elapsed       time.Duration // 累计等待时长
	StepErrors    []StepError
}

// SupervisionErrors 返回步骤错误文本
func (r *Result) SupervisionErrors() []string {
	out := make([]string, 0, len(r.StepErrors))
	for _, e := range r.StepErrors {
		out = append(out, e.Error())
	}
	return out
}

// ForcedStop 容器是否被强制停止
func (r *Result) ForcedStop() bool {
	return r.TimedOut || r.Interrupted
}

func (r *Result) record(step string, err error) {
	r.StepErrors = append(r.StepErrors, StepError{Step: step, Err: err})
}

// Sleeper 可取消的等待，ctx 取消时返回 ctx.Err()
type Sleeper func(ctx context.Context, d time.Duration) error

// Supervisor 容器监督器
type Supervisor struct {
	rt             runtime.Runtime
	logger         *logging.Logger
	sleep          Sleeper
	cleanupTimeout time.Duration
	native         bool
	nameFn         func(taskID string) string
}

// Option 监督器选项
type Option func(*Supervisor)

// WithSleeper 替换轮询间隔的等待实现（测试用）
func WithSleeper(s Sleeper) Option {
	return func(sv *Supervisor) { sv.sleep = s }
}

// WithCleanupTimeout 设置 stop/inspect/remove 单步超时
func WithCleanupTimeout(d time.Duration) Option {
	return func(sv *Supervisor) {
		if d > 0 {
			sv.cleanupTimeout = d
		}
	}
}

// WithNativeWait 运行时支持时使用原生等待代替轮询
func WithNativeWait(enabled bool) Option {
	return func(sv *Supervisor) { sv.native = enabled }
}

// WithNameFunc 替换容器名生成函数
func WithNameFunc(fn func(taskID string) string) Option {
	return func(sv *Supervisor) { sv.nameFn = fn }
}

// New 创建监督器
func New(rt runtime.Runtime, logger *logging.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = logging.Discard()
	}
	sv := &Supervisor{
		rt:             rt,
		logger:         logger,
		sleep:          sleepContext,
		cleanupTimeout: DefaultCleanupTimeout,
		nameFn:         ContainerName,
	}
	for _, opt := range opts {
		opt(sv)
	}
	return sv
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// ContainerName 生成全局唯一的容器名：task_<id>_<uuid hex>
func ContainerName(taskID string) string {
	id := unsafeNameChars.ReplaceAllString(taskID, "_")
	return fmt.Sprintf("task_%s_%s", id, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// StartAndAwait 启动容器并等待其结束
//
// 只有启动阶段会返回错误（*LaunchError）。容器创建成功后总会返回 Result，
// 并保证已尝试删除容器。
func (s *Supervisor) StartAndAwait(ctx context.Context, spec RunSpec) (*Result, error) {
	name := s.nameFn(spec.TaskID)
	log := s.logger.WithTaskID(spec.TaskID).WithContainer(name)

	inst, err := s.rt.Create(ctx, &runtime.InstanceConfig{
		Name:       name,
		Image:      spec.Image,
		Command:    spec.Command,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Mounts:     spec.Mounts,
		Tmpfs:      spec.Tmpfs,
	})
	if err != nil {
		return nil, &LaunchError{Name: name, Err: err}
	}
	if inst == nil || inst.ID == "" {
		// 可能已按名字创建，按名字尝试清理
		s.removeOrphan(ctx, log, name)
		return nil, &LaunchError{Name: name, Err: ErrEmptyID}
	}
	if err := s.rt.Start(ctx, inst.ID); err != nil {
		s.removeOrphan(ctx, log, inst.ID)
		return nil, &LaunchError{Name: name, Err: err}
	}
	log.Info("Container started", "image", spec.Image, "timeout", spec.Timeout.String())

	res := &Result{ContainerName: name, ContainerID: inst.ID, ExitCode: Unknown}

	interval := spec.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	exited, elapsed, waitErrs := s.await(ctx, inst.ID, interval, spec.Timeout)
	res.Elapsed = elapsed
	res.StepErrors = append(res.StepErrors, waitErrs...)

	if !exited {
		if ctx.Err() != nil {
			res.Interrupted = true
			log.Warn("Run interrupted, stopping container", "elapsed", elapsed.String())
		} else {
			res.TimedOut = true
			log.Warn("Run timed out, stopping container", "elapsed", elapsed.String())
		}
		s.step(ctx, log, res, StepStop, func(c context.Context) error {
			return s.rt.Stop(c, inst.ID)
		})
	}

	s.step(ctx, log, res, StepInspect, func(c context.Context) error {
		st, err := s.rt.Status(c, inst.ID)
		if err != nil {
			return err
		}
		if st.Running {
			return errors.New("container still running")
		}
		res.ExitCode = Known(st.ExitCode)
		return nil
	})

	s.step(ctx, log, res, StepRemove, func(c context.Context) error {
		return s.rt.Remove(c, inst.ID, true)
	})

	log.Info("Container finished",
		"timed_out", res.TimedOut,
		"interrupted", res.Interrupted,
		"exit_code", res.ExitCode.String(),
		"elapsed", elapsed.String(),
	)
	return res, nil
}

// await 选择等待策略
func (s *Supervisor) await(ctx context.Context, id string, interval, timeout time.Duration) (bool, time.Duration, []StepError) {
	if s.native {
		if w, ok := s.rt.(runtime.Waiter); ok {
			return s.waitNative(ctx, w, id, interval, timeout)
		}
		s.logger.Debug("Runtime has no native wait, polling instead", "runtime", s.rt.Name())
	}
	return s.WaitWithTimeout(ctx, id, interval, timeout)
}

// WaitWithTimeout 按固定间隔轮询运行状态，直到观察到未运行或累计时长达到超时
//
// 每次轮询都是时间点观察；轮询失败视为仍在运行。最坏情况下超时判断
// 比实际退出晚一个轮询间隔。ctx 取消时立即返回 exited=false。
func (s *Supervisor) WaitWithTimeout(ctx context.Context, id string, interval, timeout time.Duration) (exited bool, elapsed time.Duration, errs []StepError) {
	var (
		failures int
		polls    int
		firstErr error
	)
	defer func() {
		if failures > 0 {
			errs = append(errs, StepError{
				Step: StepPoll,
				Err:  fmt.Errorf("%d of %d polls failed, first: %w", failures, polls, firstErr),
			})
		}
	}()

	for elapsed < timeout {
		if ctx.Err() != nil {
			return false, elapsed, errs
		}
		polls++
		st, err := s.rt.Status(ctx, id)
		switch {
		case errors.Is(err, runtime.ErrNotFound):
			return true, elapsed, errs
		case err != nil:
			failures++
			if firstErr == nil {
				firstErr = err
			}
		case !st.Running:
			return true, elapsed, errs
		}

		if err := s.sleep(ctx, interval); err != nil {
			return false, elapsed, errs
		}
		elapsed += interval
	}
	return false, elapsed, errs
}

// waitNative 使用运行时原生等待；非超时类错误时退回轮询剩余时长
func (s *Supervisor) waitNative(ctx context.Context, w runtime.Waiter, id string, interval, timeout time.Duration) (bool, time.Duration, []StepError) {
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := w.Wait(wctx, id)
	elapsed := time.Since(start)
	switch {
	case err == nil, errors.Is(err, runtime.ErrNotFound):
		return true, elapsed, nil
	case wctx.Err() != nil:
		return false, elapsed, nil
	}

	errs := []StepError{{Step: StepWait, Err: err}}
	exited, more, pollErrs := s.WaitWithTimeout(ctx, id, interval, timeout-elapsed)
	return exited, elapsed + more, append(errs, pollErrs...)
}

// step 执行一个尽力而为的清理步骤
//
// 使用脱离调用方取消的上下文，使中断后仍能完成 stop/inspect/remove。
func (s *Supervisor) step(ctx context.Context, log *logging.Logger, res *Result, name string, fn func(context.Context) error) {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()

	start := time.Now()
	err := fn(c)
	log.StepLog(name, time.Since(start), err)
	if err != nil {
		res.record(name, err)
	}
}

// removeOrphan 删除启动失败的容器
func (s *Supervisor) removeOrphan(ctx context.Context, log *logging.Logger, ref string) {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()
	if err := s.rt.Remove(c, ref, true); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		log.WithError(err).Warn("Failed to remove container after launch failure")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
