package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/66Tracy/claude-lean4/internal/report"
	"github.com/66Tracy/claude-lean4/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outcome(id string, ok bool, mutate func(*report.Outcome)) *report.Outcome {
	o := &report.Outcome{
		ID:              id,
		ContainerName:   "task_" + id + "_0123",
		ExitCode:        supervisor.Known(0),
		OK:              ok,
		Issues:          []string{},
		Timestamp:       "2026-10-18T09:31:35Z",
		DurationSeconds: 12.5,
	}
	if !ok {
		o.Issues = []string{"submit.lean is missing or empty"}
	}
	if mutate != nil {
		mutate(o)
	}
	return o
}

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	_, err := s.Record(ctx, outcome("a", true, nil))
	require.NoError(t, err)
	_, err = s.Record(ctx, outcome("b", false, nil))
	require.NoError(t, err)
	seq, err := s.Record(ctx, outcome("a", false, func(o *report.Outcome) {
		o.TimedOut = true
		o.ExitCode = supervisor.Unknown
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// 最新在前
	assert.Equal(t, int64(3), all[0].Seq)
	assert.True(t, all[0].TimedOut)
	assert.Equal(t, "unknown", all[0].ExitCode)
	assert.Equal(t, report.ExitTimeout, all[0].ProcessExit)
	assert.Equal(t, "2026-10-18T09:31:35Z", all[0].FinishedAt)
	require.NotNil(t, all[0].Status)
	assert.Equal(t, supervisor.Unknown, all[0].Status.ExitCode)

	onlyA, err := s.List(ctx, Filter{TaskID: "a"})
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	failed, err := s.List(ctx, Filter{FailedOnly: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].TaskID)
	assert.Equal(t, []string{"submit.lean is missing or empty"}, failed[0].Issues)
}

func TestLatest(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	_, err := s.Latest(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Record(ctx, outcome("a", false, nil))
	require.NoError(t, err)
	_, err = s.Record(ctx, outcome("a", true, nil))
	require.NoError(t, err)

	e, err := s.Latest(ctx, "a")
	require.NoError(t, err)
	assert.True(t, e.OK)
	assert.Equal(t, report.ExitOK, e.ProcessExit)
	assert.Equal(t, 12.5, e.DurationSeconds)
}

func TestOpen_FilePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Record(ctx, outcome("a", true, nil))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	entries, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
