package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/66Tracy/claude-lean4/internal/runtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSupervisor 使用固定容器名和不真正等待的 Sleeper
func newTestSupervisor(rt runtime.Runtime, sleeps *int, opts ...Option) *Supervisor {
	base := []Option{
		WithNameFunc(func(id string) string { return "task_" + id + "_fixed" }),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			*sleeps++
			return ctx.Err()
		}),
	}
	return New(rt, nil, append(base, opts...)...)
}

func testSpec(timeout time.Duration) RunSpec {
	return RunSpec{
		TaskID:       "t1",
		Image:        "img",
		Command:      []string{"-lc", "true"},
		Timeout:      timeout,
		PollInterval: 2 * time.Second,
	}
}

func TestStartAndAwait_ExitsBeforeTimeout(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.RunningPolls = 2
	rt.ExitCode = 0
	var sleeps int

	res, err := newTestSupervisor(rt, &sleeps).StartAndAwait(context.Background(), testSpec(10*time.Second))
	require.NoError(t, err)

	assert.Equal(t, "task_t1_fixed", res.ContainerName)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Interrupted)
	assert.Equal(t, Known(0), res.ExitCode)
	assert.Equal(t, 4*time.Second, res.Elapsed)
	assert.Equal(t, 2, sleeps)
	assert.Empty(t, res.StepErrors)
	assert.Equal(t, []string{"create", "start", "status", "status", "status", "status", "remove"}, rt.CallNames())
	assert.Equal(t, 0, rt.Live())
}

func TestStartAndAwait_NonZeroExit(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.ExitCode = 1
	var sleeps int

	res, err := newTestSupervisor(rt, &sleeps).StartAndAwait(context.Background(), testSpec(10*time.Second))
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, Known(1), res.ExitCode)
	assert.Zero(t, sleeps)
}

func TestStartAndAwait_TimeoutStopsThenInspects(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.RunningPolls = -1
	rt.StopExitCode = 137
	var sleeps int

	res, err := newTestSupervisor(rt, &sleeps).StartAndAwait(context.Background(), testSpec(4*time.Second))
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.False(t, res.Interrupted)
	assert.True(t, res.ForcedStop())
	assert.Equal(t, 4*time.Second, res.Elapsed)
	assert.Equal(t, 2, sleeps)
	// 停止之后仍然读取退出码
	assert.Equal(t, Known(137), res.ExitCode)
	assert.Equal(t, []string{"create", "start", "status", "status", "stop", "status", "remove"}, rt.CallNames())
}

func TestStartAndAwait_StopFailureStillInspectsAndRemoves(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.RunningPolls = -1
	rt.StopErr = errors.New("daemon timeout")
	var sleeps int

	res, err := newTestSupervisor(rt, &sleeps).StartAndAwait(context.Background(), testSpec(2*time.Second))
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.False(t, res.ExitCode.IsKnown(), "running container has no exit code")
	require.Len(t, res.StepErrors, 2)
	assert.Equal(t, StepStop, res.StepErrors[0].Step)
	assert.Equal(t, StepInspect, res.StepErrors[1].Step)
	assert.Equal(t, "remove", rt.CallNames()[len(rt.CallNames())-1])
	assert.Equal(t, 0, rt.Live())
}

func TestStartAndAwait_InspectFailureIsUnknown(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.RunningPolls = 1
	rt.StatusErr = errors.New("inspect failed")
	rt.StatusErrFrom = 3
	var sleeps int

	res, err := newTestSupervisor(rt, &sleeps).StartAndAwait(context.Background(), testSpec(10*time.Second))
	require.NoError(t, err)

	assert.False(t, res.TimedOut)
	assert.Equal(t, Unknown, res.ExitCode)
	assert.Equal(t, "unknown", res.ExitCode.String())
	require.Len(t, res.StepErrors, 1)
	assert.Equal(t, StepInspect, res.StepErrors[0].Step)
	assert.Contains(t, rt.CallNames(), "remove")
}

func TestStartAndAwait_RemoveFailureIsSwallowed(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.RemoveErr = errors.New("removal in progress")
	var sleeps int

	res, err := newTestSupervisor(rt, &sleeps).StartAndAwait(context.Background(), testSpec(10*time.Second))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, Known(0), res.ExitCode)
	require.Len(t, res.StepErrors, 1)
	assert.Equal(t, StepRemove, res.StepErrors[0].Step)
	assert.Equal(t, []string{"remove: removal in progress"}, res.SupervisionErrors())
}

func TestStartAndAwait_PollFailuresCountAsRunning(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.StatusErr = errors.New("connection reset")
	rt.StatusErrFrom = 1
	var sleeps int

	res, err := newTestSupervisor(rt, &sleeps).StartAndAwait(context.Background(), testSpec(4*time.Second))
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Equal(t, Unknown, res.ExitCode)
	require.NotEmpty(t, res.StepErrors)
	assert.Equal(t, StepPoll, res.StepErrors[0].Step)
	assert.Contains(t, res.StepErrors[0].Error(), "2 of 2 polls failed")
	assert.Contains(t, rt.CallNames(), "stop")
}

func TestStartAndAwait_ContainerVanished(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.RunningPolls = -1
	rt.StatusErr = runtime.ErrNotFound
	rt.StatusErrFrom = 1
	var sleeps int

	res, err := newTestSupervisor(rt, &sleeps).StartAndAwait(context.Background(), testSpec(10*time.Second))
	require.NoError(t, err)

	assert.False(t, res.TimedOut)
	assert.Equal(t, Unknown, res.ExitCode)
	assert.NotContains(t, rt.CallNames(), "stop")
}

func TestStartAndAwait_LaunchErrors(t *testing.T) {
	t.Run("create fails", func(t *testing.T) {
		rt := runtime.NewMockRuntime()
		rt.CreateErr = errors.New("No such image: img")
		var sleeps int

		res, err := newTestSupervisor(rt, &sleeps).StartAndAwait(context.Background(), testSpec(time.Minute))
		assert.Nil(t, res)
		var le *LaunchError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, "task_t1_fixed", le.Name)
		assert.Equal(t, []string{"create"}, rt.CallNames())
	})

	t.Run("start fails removes orphan", func(t *testing.T) {
		rt := runtime.NewMockRuntime()
		rt.StartErr = errors.New("mount denied")
		var sleeps int

		_, err := newTestSupervisor(rt, &sleeps).StartAndAwait(context.Background(), testSpec(time.Minute))
		var le *LaunchError
		require.ErrorAs(t, err, &le)
		assert.ErrorContains(t, err, "mount denied")
		assert.Equal(t, []string{"create", "start", "remove"}, rt.CallNames())
		assert.Equal(t, 0, rt.Live())
		assert.Zero(t, sleeps)
	})

	t.Run("empty id", func(t *testing.T) {
		rt := runtime.NewMockRuntime()
		rt.EmptyID = true
		var sleeps int

		_, err := newTestSupervisor(rt, &sleeps).StartAndAwait(context.Background(), testSpec(time.Minute))
		assert.ErrorIs(t, err, ErrEmptyID)
		assert.NotContains(t, rt.CallNames(), "status")
	})
}

func TestStartAndAwait_InterruptRunsCleanup(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.RunningPolls = -1
	rt.StopExitCode = 143

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sv := New(rt, nil,
		WithNameFunc(func(id string) string { return "task_" + id + "_fixed" }),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)

	res, err := sv.StartAndAwait(ctx, testSpec(time.Hour))
	require.NoError(t, err)

	assert.True(t, res.Interrupted)
	assert.False(t, res.TimedOut)
	assert.Equal(t, Known(143), res.ExitCode)
	assert.Equal(t, []string{"create", "start", "status", "stop", "status", "remove"}, rt.CallNames())
}

func TestStartAndAwait_NativeWait(t *testing.T) {
	t.Run("exits", func(t *testing.T) {
		rt := runtime.NewMockRuntime()
		rt.ExitCode = 5
		var sleeps int

		res, err := newTestSupervisor(rt, &sleeps, WithNativeWait(true)).StartAndAwait(context.Background(), testSpec(time.Minute))
		require.NoError(t, err)
		assert.False(t, res.TimedOut)
		assert.Equal(t, Known(5), res.ExitCode)
		assert.Equal(t, []string{"create", "start", "wait", "status", "remove"}, rt.CallNames())
	})

	t.Run("times out", func(t *testing.T) {
		rt := runtime.NewMockRuntime()
		rt.RunningPolls = -1
		rt.StopExitCode = 137
		var sleeps int

		spec := testSpec(20 * time.Millisecond)
		res, err := newTestSupervisor(rt, &sleeps, WithNativeWait(true)).StartAndAwait(context.Background(), spec)
		require.NoError(t, err)
		assert.True(t, res.TimedOut)
		assert.Equal(t, Known(137), res.ExitCode)
		assert.Equal(t, []string{"create", "start", "wait", "stop", "status", "remove"}, rt.CallNames())
	})
}

func TestWaitWithTimeout_OvershootBoundedByInterval(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.RunningPolls = -1
	inst, err := rt.Create(context.Background(), &runtime.InstanceConfig{Name: "c"})
	require.NoError(t, err)
	var sleeps int
	sv := newTestSupervisor(rt, &sleeps)

	exited, elapsed, errs := sv.WaitWithTimeout(context.Background(), inst.ID, 2*time.Second, 5*time.Second)
	assert.False(t, exited)
	assert.Equal(t, 6*time.Second, elapsed)
	assert.Empty(t, errs)
	assert.Equal(t, 3, sleeps)
}

func TestContainerName(t *testing.T) {
	a := ContainerName("mathd_algebra_10")
	b := ContainerName("mathd_algebra_10")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "task_mathd_algebra_10_"))
	assert.Len(t, strings.TrimPrefix(a, "task_mathd_algebra_10_"), 32)

	assert.True(t, strings.HasPrefix(ContainerName("amc12/2000 p5"), "task_amc12_2000_p5_"))
}

func TestExitCode_JSON(t *testing.T) {
	b, err := json.Marshal(Known(0))
	require.NoError(t, err)
	assert.Equal(t, "0", string(b))

	b, err = json.Marshal(Unknown)
	require.NoError(t, err)
	assert.Equal(t, `"unknown"`, string(b))

	tests := map[string]ExitCode{
		`137`:       Known(137),
		`-1`:        Known(-1),
		`"unknown"`: Unknown,
		`"2"`:       Known(2),
		`null`:      Unknown,
	}
	for in, want := range tests {
		var got ExitCode
		require.NoError(t, json.Unmarshal([]byte(in), &got), in)
		assert.Equal(t, want, got, in)
	}

	var bad ExitCode
	assert.Error(t, json.Unmarshal([]byte(`"oops"`), &bad))
}
