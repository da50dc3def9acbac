package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WaitingRuntime 同时支持原生等待的运行时
type WaitingRuntime interface {
	Runtime
	Waiter
}

// RunToCompletion 创建并启动一次性实例，等待退出后删除
//
// out 不为 nil 时跟随实例输出写入 out（实例应使用 TTY 以获得未复用的输出流）。
// 删除失败不影响返回的退出码。
func RunToCompletion(ctx context.Context, rt WaitingRuntime, cfg *InstanceConfig, out io.Writer) (int, error) {
	inst, err := rt.Create(ctx, cfg)
	if err != nil {
		return -1, err
	}
	defer rt.Remove(context.WithoutCancel(ctx), inst.ID, true)

	if err := rt.Start(ctx, inst.ID); err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", cfg.Name, err)
	}

	if out != nil {
		logs, err := rt.Logs(ctx, inst.ID, true)
		if err != nil {
			return -1, fmt.Errorf("failed to attach logs: %w", err)
		}
		_, copyErr := io.Copy(out, logs)
		logs.Close()
		if copyErr != nil && !errors.Is(copyErr, context.Canceled) {
			return -1, fmt.Errorf("failed to stream logs: %w", copyErr)
		}
	}

	return rt.Wait(ctx, inst.ID)
}

// ElanSentinel 工具链缓存已填充的标记文件
const ElanSentinel = "bin/elan"

// EnsureToolCache 确保工具链缓存目录已填充
//
// 缓存为空时，用镜像启动一次性容器把 /home/lean/.elan 复制到缓存目录。
// 已填充的缓存只被读取，多个任务可以并发共享。
func EnsureToolCache(ctx context.Context, rt WaitingRuntime, cacheDir, image, name string) (bool, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return false, fmt.Errorf("create elan cache: %w", err)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, ElanSentinel)); err == nil {
		return false, nil
	}

	code, err := RunToCompletion(ctx, rt, &InstanceConfig{
		Name:    name,
		Image:   image,
		Command: []string{"-lc", "cp -a /home/lean/.elan/. /elan-cache/"},
		Mounts:  []Mount{{Source: cacheDir, Target: "/elan-cache"}},
	}, nil)
	if err != nil {
		return false, fmt.Errorf("populate elan cache: %w", err)
	}
	if code != 0 {
		return false, fmt.Errorf("populate elan cache: container exited with code %d", code)
	}
	return true, nil
}
