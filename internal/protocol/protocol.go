// Package protocol 解析 Agent 输出中的提交协议
//
// Agent 的原始输出中可能包含两段以固定标记分隔的内容：
//
//	===SUBMIT_LEAN===
//	<submit.lean 内容>
//	===SUBMIT_MD===
//	<submit.md 内容，直到输出结束>
//
// 只做这一种窄的文本匹配，不尝试理解输出的其余部分。
package protocol

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

// 协议标记（逐字节兼容）
const (
	MarkerLean = "===SUBMIT_LEAN==="
	MarkerMD   = "===SUBMIT_MD==="
)

// 产物名
const (
	SlotLean = "submit.lean"
	SlotMD   = "submit.md"
)

// 第一段非贪婪，第二段到输出末尾
var submitPattern = regexp.MustCompile(
	`(?s)` + regexp.QuoteMeta(MarkerLean) + `\s*(.*?)\s*` + regexp.QuoteMeta(MarkerMD) + `\s*(.*)\z`,
)

// Sections 提取出的两段内容（已去除首尾空白）
type Sections struct {
	Lean string
	MD   string
}

// Targets 两个产物的目标文件路径
type Targets struct {
	Lean string
	MD   string
}

// Applied 每个产物是否被写入；未写入的产物不出现在映射中
type Applied map[string]bool

// Extract 从原始输出中提取两段内容，标记缺失时返回 false
func Extract(raw string) (Sections, bool) {
	m := submitPattern.FindStringSubmatch(raw)
	if m == nil {
		return Sections{}, false
	}
	return Sections{
		Lean: strings.TrimSpace(m[1]),
		MD:   strings.TrimSpace(m[2]),
	}, true
}

// Apply 把提取的内容写入当前“为空”的目标文件
//
// 目标文件不存在或小于 minBytes 且提取内容非空时才写入，
// 写入内容为去除首尾空白后的文本加一个换行。已有内容的产物永不被覆盖。
// 写入失败会被汇总返回，但不影响另一个产物的写入。
func Apply(raw string, targets Targets, minBytes int64) (Applied, error) {
	applied := Applied{}
	sections, ok := Extract(raw)
	if !ok {
		return applied, nil
	}

	var errs []error
	for _, slot := range []struct {
		name, path, content string
	}{
		{SlotLean, targets.Lean, sections.Lean},
		{SlotMD, targets.MD, sections.MD},
	} {
		wrote, err := writeIfEmpty(slot.path, slot.content, minBytes)
		if err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", slot.name, err))
			continue
		}
		if wrote {
			applied[slot.name] = true
		}
	}
	return applied, errors.Join(errs...)
}

// ApplyFile 读取原始输出文件并 Apply；文件不存在时返回 fs.ErrNotExist
func ApplyFile(rawPath string, targets Targets, minBytes int64) (Applied, error) {
	data, err := os.ReadFile(rawPath)
	if err != nil {
		return Applied{}, err
	}
	// 丢弃非法 UTF-8 字节
	return Apply(strings.ToValidUTF8(string(data), ""), targets, minBytes)
}

// IsEmpty 文件不存在或小于 minBytes
func IsEmpty(path string, minBytes int64) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return info.Size() < minBytes, nil
}

func writeIfEmpty(path, content string, minBytes int64) (bool, error) {
	if path == "" || content == "" {
		return false, nil
	}
	empty, err := IsEmpty(path, minBytes)
	if err != nil || !empty {
		return false, err
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0644); err != nil {
		return false, err
	}
	return true, nil
}
