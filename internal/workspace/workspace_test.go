package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSONL = `
{"id": "mathd_algebra_10", "formal_statement": "theorem mathd_algebra_10 : abs ((120 : ℝ) / 100 * 30 - 130 / 100 * 20) = 10 := by sorry"}
not json at all

{"id": "amc12a_2019_p21", "formal_statement": "theorem amc12a_2019_p21 : True := by sorry"}
{"id": "mathd_algebra_10", "formal_statement": "duplicate"}
`

const sampleTemplate = "# Task {id}\n\nProve:\n\n```lean\n{question}\n```\n\nID again: {id}\n"

type fixture struct {
	jsonl    string
	template string
	outRoot  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		jsonl:    filepath.Join(dir, "tasks.jsonl"),
		template: filepath.Join(dir, "task-template.md"),
		outRoot:  filepath.Join(dir, "out"),
	}
	require.NoError(t, os.WriteFile(f.jsonl, []byte(sampleJSONL), 0644))
	require.NoError(t, os.WriteFile(f.template, []byte(sampleTemplate), 0644))
	return f
}

func TestPrepare_CreatesWorkspace(t *testing.T) {
	f := newFixture(t)
	p := NewPreparer(nil)

	dir, err := p.Prepare("amc12a_2019_p21", f.jsonl, f.template, f.outRoot)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.outRoot, "amc12a_2019_p21"), dir)

	task, err := os.ReadFile(filepath.Join(dir, "task-amc12a_2019_p21.md"))
	require.NoError(t, err)
	assert.Equal(t,
		"# Task amc12a_2019_p21\n\nProve:\n\n```lean\ntheorem amc12a_2019_p21 : True := by sorry\n```\n\nID again: amc12a_2019_p21\n",
		string(task))

	for _, name := range []string{
		"submit.lean",
		"submit.md",
		"scratch/scratch-paper.md",
		"scratch/scratch.lean",
		"scratch/scratch.py",
	} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Zero(t, info.Size(), name)
	}

	readme, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, ReadmeText, string(readme))
}

func TestPrepare_FirstMatchWins(t *testing.T) {
	f := newFixture(t)

	dir, err := NewPreparer(nil).Prepare("mathd_algebra_10", f.jsonl, f.template, f.outRoot)
	require.NoError(t, err)

	task, err := os.ReadFile(filepath.Join(dir, TaskFile("mathd_algebra_10")))
	require.NoError(t, err)
	assert.Contains(t, string(task), "abs ((120 : ℝ)")
	assert.NotContains(t, string(task), "duplicate")
}

func TestPrepare_Idempotent(t *testing.T) {
	f := newFixture(t)
	p := NewPreparer(nil)

	dir, err := p.Prepare("amc12a_2019_p21", f.jsonl, f.template, f.outRoot)
	require.NoError(t, err)

	// 模拟已有的工作
	require.NoError(t, os.WriteFile(filepath.Join(dir, "submit.lean"), []byte("theorem x := trivial\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("custom"), 0644))
	require.NoError(t, os.WriteFile(f.template, []byte("v2 {id}"), 0644))

	_, err = p.Prepare("amc12a_2019_p21", f.jsonl, f.template, f.outRoot)
	require.NoError(t, err)

	got, _ := os.ReadFile(filepath.Join(dir, "submit.lean"))
	assert.Equal(t, "theorem x := trivial\n", string(got))
	got, _ = os.ReadFile(filepath.Join(dir, "README.md"))
	assert.Equal(t, "custom", string(got))
	// 任务说明总是重新渲染
	got, _ = os.ReadFile(filepath.Join(dir, TaskFile("amc12a_2019_p21")))
	assert.Equal(t, "v2 amc12a_2019_p21", string(got))
}

func TestPrepare_Errors(t *testing.T) {
	f := newFixture(t)
	missing := filepath.Join(t.TempDir(), "missing")

	tests := []struct {
		name     string
		id       string
		jsonl    string
		template string
		want     error
	}{
		{"jsonl missing", "mathd_algebra_10", missing, f.template, ErrSourceMissing},
		{"template missing", "mathd_algebra_10", f.jsonl, missing, ErrTemplateMissing},
		{"record not found", "imo_1959_p1", f.jsonl, f.template, ErrRecordNotFound},
		{"empty id", "", f.jsonl, f.template, ErrRecordNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPreparer(nil).Prepare(tt.id, tt.jsonl, tt.template, f.outRoot)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// 失败时不创建工作空间
	_, err := os.Stat(filepath.Join(f.outRoot, "imo_1959_p1"))
	assert.True(t, os.IsNotExist(err))
}

func TestRender(t *testing.T) {
	got := Render("{id}: {question} ({id})", Record{ID: "a", FormalStatement: "b {id}"})
	assert.Equal(t, "a: b {id} (a)", got)
}
