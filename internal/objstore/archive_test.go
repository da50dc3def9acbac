package objstore

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/66Tracy/claude-lean4/internal/config"
	"github.com/66Tracy/claude-lean4/internal/report"
	"github.com/66Tracy/claude-lean4/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	objects map[string]string
	types   map[string]string
	meta    map[string]map[string]string
	failKey string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: map[string]string{}, types: map[string]string{}, meta: map[string]map[string]string{}}
}

func (f *fakeUploader) Upload(_ context.Context, key string, r io.Reader, size int64, contentType string, meta map[string]string) error {
	if key == f.failKey {
		return errors.New("upload " + key + ": access denied")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(b)) != size {
		return errors.New("size mismatch")
	}
	f.objects[key] = string(b)
	f.types[key] = contentType
	f.meta[key] = meta
	return nil
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	p := report.PathsFor(dir)
	require.NoError(t, os.WriteFile(p.RawOutput, []byte("raw"), 0644))
	require.NoError(t, os.WriteFile(p.SubmitLean, []byte("theorem"), 0644))
	require.NoError(t, os.WriteFile(p.Status, []byte("{}"), 0644))
	// submit.md 不存在，跳过

	up := newFakeUploader()
	o := &report.Outcome{
		ID:            "mathd_algebra_10",
		ContainerName: "task_mathd_algebra_10_ab",
		OK:            true,
		ExitCode:      supervisor.Known(0),
	}

	keys, err := NewArchiver(up).Archive(context.Background(), p, o)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"mathd_algebra_10/task_mathd_algebra_10_ab/claude.out",
		"mathd_algebra_10/task_mathd_algebra_10_ab/submit.lean",
		"mathd_algebra_10/task_mathd_algebra_10_ab/status.json",
	}, keys)
	assert.Equal(t, "theorem", up.objects["mathd_algebra_10/task_mathd_algebra_10_ab/submit.lean"])
	assert.Equal(t, "application/json", up.types["mathd_algebra_10/task_mathd_algebra_10_ab/status.json"])
	assert.Equal(t, map[string]string{
		"task-id":   "mathd_algebra_10",
		"ok":        "true",
		"timed-out": "false",
		"exit-code": "0",
	}, up.meta["mathd_algebra_10/task_mathd_algebra_10_ab/claude.out"])
}

func TestArchive_PartialFailure(t *testing.T) {
	dir := t.TempDir()
	p := report.PathsFor(dir)
	require.NoError(t, os.WriteFile(p.RawOutput, []byte("raw"), 0644))
	require.NoError(t, os.WriteFile(p.Status, []byte("{}"), 0644))

	up := newFakeUploader()
	up.failKey = "t/no-container/claude.out"

	keys, err := NewArchiver(up).Archive(context.Background(), p, &report.Outcome{ID: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Equal(t, []string{"t/no-container/status.json"}, keys)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(config.MinIOConfig{}, nil)
	assert.Error(t, err)

	_, err = NewClient(config.MinIOConfig{Endpoint: "localhost:9000"}, nil)
	assert.Error(t, err)

	c, err := NewClient(config.MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBucket, c.Bucket())
}
