package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/66Tracy/claude-lean4/internal/report"
)

// Uploader 对象上传接口，*Client 实现该接口
type Uploader interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string, meta map[string]string) error
}

// Archiver 把一次运行的文件归档到对象存储
type Archiver struct {
	up Uploader
}

// NewArchiver 创建归档器
func NewArchiver(up Uploader) *Archiver {
	return &Archiver{up: up}
}

// Prefix 一次运行的对象前缀：<task_id>/<container_name>/
func Prefix(o *report.Outcome) string {
	run := o.ContainerName
	if run == "" {
		run = "no-container"
	}
	return path.Join(o.ID, run) + "/"
}

// Metadata 随每个对象写入的运行摘要
func Metadata(o *report.Outcome) map[string]string {
	return map[string]string{
		"task-id":   o.ID,
		"ok":        strconv.FormatBool(o.OK),
		"timed-out": strconv.FormatBool(o.TimedOut),
		"exit-code": o.ExitCode.String(),
	}
}

// Archive 上传原始输出、两个产物和状态记录，返回已上传的 key
//
// 不存在的文件跳过；单个文件失败不影响其余文件，错误汇总返回。
func (a *Archiver) Archive(ctx context.Context, p report.Paths, o *report.Outcome) ([]string, error) {
	prefix := Prefix(o)
	meta := Metadata(o)
	files := []struct {
		local       string
		contentType string
	}{
		{p.RawOutput, "text/plain; charset=utf-8"},
		{p.SubmitLean, "text/plain; charset=utf-8"},
		{p.SubmitMD, "text/markdown; charset=utf-8"},
		{p.Status, "application/json"},
	}

	var (
		keys []string
		errs []error
	)
	for _, f := range files {
		if f.local == "" {
			continue
		}
		key := prefix + filepath.Base(f.local)
		uploaded, err := a.uploadFile(ctx, key, f.local, f.contentType, meta)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if uploaded {
			keys = append(keys, key)
		}
	}
	return keys, errors.Join(errs...)
}

func (a *Archiver) uploadFile(ctx context.Context, key, local, contentType string, meta map[string]string) (bool, error) {
	f, err := os.Open(local)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open %s: %w", local, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", local, err)
	}
	if err := a.up.Upload(ctx, key, f, info.Size(), contentType, meta); err != nil {
		return false, err
	}
	return true, nil
}
