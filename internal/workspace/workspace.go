// Package workspace 任务工作空间准备
//
// 从 JSONL 题库中按 id 查找题目，渲染任务模板，并在工作空间下创建
// Agent 需要的占位文件。工作空间挂载到容器内的 /task，运行结束后保留。
package workspace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/66Tracy/claude-lean4/pkg/logging"
)

// 领域错误
var (
	ErrSourceMissing   = errors.New("jsonl source not found")
	ErrTemplateMissing = errors.New("task template not found")
	ErrRecordNotFound  = errors.New("task id not found in jsonl")
)

// 模板占位符
const (
	PlaceholderID       = "{id}"
	PlaceholderQuestion = "{question}"
)

// ScratchDir 草稿子目录
const ScratchDir = "scratch"

// ReadmeText 工作空间说明
const ReadmeText = `# Task Workspace

This directory is mounted to /task inside the container.

Do NOT run lake update or lake build (workspace is read-only).

Run Lean with Mathlib from /workspace:

  cd /workspace
  lake env lean /task/submit.lean

Or for scratch:

  cd /workspace
  lake env lean /task/scratch/scratch.lean

All writable work should go under /task.
`

// Record 题库中的一条记录
type Record struct {
	ID              string `json:"id"`
	FormalStatement string `json:"formal_statement"`
	InformalPrefix  string `json:"informal_prefix,omitempty"`
	Header          string `json:"header,omitempty"`
	Split           string `json:"split,omitempty"`
}

// TaskFile 任务说明文件名
func TaskFile(id string) string {
	return "task-" + id + ".md"
}

// Preparer 工作空间准备器
type Preparer struct {
	logger *logging.Logger
}

// NewPreparer 创建准备器
func NewPreparer(logger *logging.Logger) *Preparer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Preparer{logger: logger.Named("workspace")}
}

// Prepare 准备任务工作空间，返回工作空间目录
//
// 任务说明每次重新渲染；提交文件、草稿文件和 README 只在不存在时创建，
// 已有的工作不会被覆盖。
func (p *Preparer) Prepare(id, jsonlPath, templatePath, outRoot string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty id", ErrRecordNotFound)
	}
	if err := requireFile(jsonlPath, ErrSourceMissing); err != nil {
		return "", err
	}
	if err := requireFile(templatePath, ErrTemplateMissing); err != nil {
		return "", err
	}

	rec, err := Lookup(jsonlPath, id)
	if err != nil {
		return "", err
	}
	tmpl, err := os.ReadFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("读取模板失败: %w", err)
	}

	dir := filepath.Join(outRoot, id)
	if err := os.MkdirAll(filepath.Join(dir, ScratchDir), 0755); err != nil {
		return "", fmt.Errorf("创建工作空间失败: %w", err)
	}

	taskPath := filepath.Join(dir, TaskFile(rec.ID))
	if err := os.WriteFile(taskPath, []byte(Render(string(tmpl), rec)), 0644); err != nil {
		return "", fmt.Errorf("写入任务说明失败: %w", err)
	}

	placeholders := []struct {
		path    string
		content string
	}{
		{filepath.Join(dir, "submit.lean"), ""},
		{filepath.Join(dir, "submit.md"), ""},
		{filepath.Join(dir, ScratchDir, "scratch-paper.md"), ""},
		{filepath.Join(dir, ScratchDir, "scratch.lean"), ""},
		{filepath.Join(dir, ScratchDir, "scratch.py"), ""},
		{filepath.Join(dir, "README.md"), ReadmeText},
	}
	created := 0
	for _, ph := range placeholders {
		ok, err := createIfAbsent(ph.path, ph.content)
		if err != nil {
			return "", fmt.Errorf("创建 %s 失败: %w", filepath.Base(ph.path), err)
		}
		if ok {
			created++
		}
	}

	p.logger.WithTaskID(id).Info("Workspace prepared",
		"dir", dir,
		"created", created,
	)
	return dir, nil
}

// Render 替换模板占位符
func Render(tmpl string, rec Record) string {
	return strings.NewReplacer(
		PlaceholderID, rec.ID,
		PlaceholderQuestion, rec.FormalStatement,
	).Replace(tmpl)
}

// Lookup 在 JSONL 中查找第一条 id 匹配的记录
//
// 空行和无法解析的行被跳过。
func Lookup(jsonlPath, id string) (Record, error) {
	f, err := os.Open(jsonlPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %s", ErrSourceMissing, jsonlPath)
	}
	if err != nil {
		return Record{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	// formal_statement 可能很长
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.ID == id {
			return rec, nil
		}
	}
	if err := sc.Err(); err != nil {
		return Record{}, fmt.Errorf("读取 %s 失败: %w", jsonlPath, err)
	}
	return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
}

func requireFile(path string, sentinel error) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", sentinel, path)
	}
	return nil
}

// createIfAbsent 文件不存在时创建，返回是否新建
func createIfAbsent(path, content string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
