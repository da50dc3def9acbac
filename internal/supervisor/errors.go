package supervisor

import (
	"errors"
	"fmt"
)

// ErrEmptyID 运行时创建容器后没有返回 ID
var ErrEmptyID = errors.New("runtime returned empty container id")

// LaunchError 容器启动失败
//
// 启动失败时不会进入监督循环；若容器已创建，会先尝试删除。
type LaunchError struct {
	Name string // 容器名
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to start container %s: %v", e.Name, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// StepError 被吞掉的监督步骤错误（poll/stop/inspect/remove）
type StepError struct {
	Step string
	Err  error
}

func (e StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e StepError) Unwrap() error {
	return e.Err
}
