// Package report 汇总一次任务运行的结果并持久化状态记录
//
// 结果分三类：成功、带问题完成、超时。超时不是普通问题：被强制停止的
// 容器留下的产物不可信，即使大小检查恰好通过。
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/66Tracy/claude-lean4/internal/protocol"
	"github.com/66Tracy/claude-lean4/internal/supervisor"
)

// 进程退出码
const (
	ExitOK           = 0
	ExitSetupFailure = 1
	ExitIssues       = 2
	ExitTimeout      = 3
	ExitInterrupted  = 130
)

// 工作空间内的文件名
const (
	RawOutputFile = "claude.out"
	StatusFile    = "status.json"
)

// Paths 一次运行相关的文件路径
type Paths struct {
	RawOutput  string
	SubmitLean string
	SubmitMD   string
	Status     string
}

// PathsFor 返回任务目录下的标准文件路径
func PathsFor(taskDir string) Paths {
	return Paths{
		RawOutput:  filepath.Join(taskDir, RawOutputFile),
		SubmitLean: filepath.Join(taskDir, protocol.SlotLean),
		SubmitMD:   filepath.Join(taskDir, protocol.SlotMD),
		Status:     filepath.Join(taskDir, StatusFile),
	}
}

// Targets 返回解析器的目标文件
func (p Paths) Targets() protocol.Targets {
	return protocol.Targets{Lean: p.SubmitLean, MD: p.SubmitMD}
}

// FileStat 文件观察结果
type FileStat struct {
	Exists bool
	Size   int64
}

// Observation 写状态记录前对文件的一次观察
type Observation struct {
	RawOutput  FileStat
	SubmitLean FileStat
	SubmitMD   FileStat
}

// Stat 观察单个文件；无法访问的文件视为不存在
func Stat(path string) FileStat {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return FileStat{}
	}
	return FileStat{Exists: true, Size: info.Size()}
}

// Observe 观察一次运行的三个文件
func Observe(p Paths) Observation {
	return Observation{
		RawOutput:  Stat(p.RawOutput),
		SubmitLean: Stat(p.SubmitLean),
		SubmitMD:   Stat(p.SubmitMD),
	}
}

// Inputs 构建结果所需的全部输入
type Inputs struct {
	TaskID           string
	Supervision      *supervisor.Result
	Paths            Paths
	Observed         Observation
	Applied          protocol.Applied
	ParseErr         error
	RequireArtifacts bool
	MinArtifactBytes int64
	StartedAt        time.Time
	FinishedAt       time.Time
}

// ArtifactStatus 单个产物状态
type ArtifactStatus struct {
	Path                string `json:"path"`
	Present             bool   `json:"present"`
	Size                int64  `json:"size"`
	ExtractedFromMarker bool   `json:"extracted_from_marker"`
}

// Outcome 持久化的运行结果
type Outcome struct {
	ID                string                    `json:"id"`
	ContainerName     string                    `json:"container_name"`
	TimedOut          bool                      `json:"timed_out"`
	Interrupted       bool                      `json:"interrupted"`
	ExitCode          supervisor.ExitCode       `json:"exit_code"`
	OK                bool                      `json:"ok"`
	Issues            []string                  `json:"issues"`
	RawOutputPresent  bool                      `json:"raw_output_present"`
	Artifacts         map[string]ArtifactStatus `json:"artifacts"`
	SupervisionErrors []string                  `json:"supervision_errors,omitempty"`
	ClaudeOut         string                    `json:"claude_out"`
	SubmitLean        string                    `json:"submit_lean"`
	SubmitMD          string                    `json:"submit_md"`
	StartedAt         string                    `json:"started_at"`
	Timestamp         string                    `json:"timestamp"`
	DurationSeconds   float64                   `json:"duration_seconds"`
}

// Build 根据输入构建运行结果（纯函数）
//
// 检查顺序：原始输出存在且非空；要求产物时每个产物存在且不小于阈值；
// 解析器写入失败。所有检查都会执行，可同时报告多个问题。
func Build(in Inputs) *Outcome {
	issues := []string{}

	if !in.Observed.RawOutput.Exists || in.Observed.RawOutput.Size < 1 {
		issues = append(issues, fmt.Sprintf("%s is missing or empty", RawOutputFile))
	}
	if in.RequireArtifacts {
		for _, a := range []struct {
			name string
			stat FileStat
		}{
			{protocol.SlotLean, in.Observed.SubmitLean},
			{protocol.SlotMD, in.Observed.SubmitMD},
		} {
			if !a.stat.Exists || a.stat.Size < in.MinArtifactBytes {
				issues = append(issues, fmt.Sprintf("%s is missing or empty", a.name))
			}
		}
	}
	if in.ParseErr != nil {
		for _, err := range unjoin(in.ParseErr) {
			issues = append(issues, err.Error())
		}
	}

	out := &Outcome{
		ID:               in.TaskID,
		ExitCode:         supervisor.Unknown,
		OK:               len(issues) == 0,
		Issues:           issues,
		RawOutputPresent: in.Observed.RawOutput.Exists && in.Observed.RawOutput.Size > 0,
		Artifacts: map[string]ArtifactStatus{
			protocol.SlotLean: artifactStatus(in.Paths.SubmitLean, in.Observed.SubmitLean, in.Applied[protocol.SlotLean]),
			protocol.SlotMD:   artifactStatus(in.Paths.SubmitMD, in.Observed.SubmitMD, in.Applied[protocol.SlotMD]),
		},
		ClaudeOut:       in.Paths.RawOutput,
		SubmitLean:      in.Paths.SubmitLean,
		SubmitMD:        in.Paths.SubmitMD,
		StartedAt:       formatTime(in.StartedAt),
		Timestamp:       formatTime(in.FinishedAt),
		DurationSeconds: in.FinishedAt.Sub(in.StartedAt).Round(time.Millisecond).Seconds(),
	}
	if sv := in.Supervision; sv != nil {
		out.ContainerName = sv.ContainerName
		out.TimedOut = sv.TimedOut
		out.Interrupted = sv.Interrupted
		out.ExitCode = sv.ExitCode
		if len(sv.StepErrors) > 0 {
			out.SupervisionErrors = sv.SupervisionErrors()
		}
	}
	return out
}

func artifactStatus(path string, st FileStat, extracted bool) ArtifactStatus {
	return ArtifactStatus{Path: path, Present: st.Exists, Size: st.Size, ExtractedFromMarker: extracted}
}

// unjoin 展开 errors.Join 的结果
func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Truncate(time.Second).Format(time.RFC3339)
}

// ExitCode 将结果映射为进程退出码
//
// 中断和超时优先于问题列表：强制停止的运行不按产物检查结果分类。
func ExitCode(o *Outcome) int {
	switch {
	case o.Interrupted:
		return ExitInterrupted
	case o.TimedOut:
		return ExitTimeout
	case len(o.Issues) > 0:
		return ExitIssues
	default:
		return ExitOK
	}
}

// Write 原子写入状态记录：先写临时文件再重命名，读者不会看到半个文件
func Write(path string, o *Outcome) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*.json")
	if err != nil {
		return fmt.Errorf("create temp status: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write status: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close status: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod status: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename status: %w", err)
	}
	return nil
}

// ErrNoStatus 状态记录不存在
var ErrNoStatus = errors.New("status record not found")

// Read 读取状态记录
func Read(path string) (*Outcome, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoStatus, path)
	}
	if err != nil {
		return nil, err
	}
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse status %s: %w", path, err)
	}
	return &o, nil
}
