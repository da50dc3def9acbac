// Package agent 容器内的 Agent 启动器
//
// 在容器内读取任务说明作为提示词，调用 claude CLI，
// 标准输出写入原始输出文件，标准错误透传。
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/66Tracy/claude-lean4/pkg/logging"
)

// DefaultBinary claude CLI 可执行文件
const DefaultBinary = "claude"

// Options 启动参数
type Options struct {
	Binary       string
	SystemPrompt string
	TaskFile     string
	OutFile      string
	Stderr       io.Writer
}

// Args 构建 claude CLI 参数
func Args(systemPrompt, prompt string) []string {
	return []string{
		"--permission-mode", "bypassPermissions",
		"--append-system-prompt", systemPrompt,
		"-p", prompt,
	}
}

// Run 运行 Agent，返回其退出码
//
// Agent 以非零状态退出不是错误：退出码原样返回。
// 只有无法读取任务、无法创建输出文件或无法启动进程时返回 error。
func Run(ctx context.Context, opts Options, logger *logging.Logger) (int, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	prompt, err := os.ReadFile(opts.TaskFile)
	if err != nil {
		return -1, fmt.Errorf("读取任务说明失败: %w", err)
	}

	out, err := os.Create(opts.OutFile)
	if err != nil {
		return -1, fmt.Errorf("创建输出文件失败: %w", err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, binary, Args(opts.SystemPrompt, string(prompt))...)
	cmd.Stdout = out
	cmd.Stderr = stderr

	logger.Info("Starting agent", "binary", binary, "task", opts.TaskFile, "out", opts.OutFile)
	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		code := ExitStatus(exitErr)
		logger.Warn("Agent exited with non-zero status", "exit_code", code)
		return code, nil
	default:
		return -1, fmt.Errorf("启动 %s 失败: %w", binary, err)
	}
}

// ExitStatus 进程退出码；被信号终止时按 shell 约定返回 128+信号值
func ExitStatus(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return code
	}
	return 1
}
