package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// UnknownExitCode 退出码未知时在状态记录中的取值
const UnknownExitCode = "unknown"

// ExitCode 带标记的退出码
//
// 零值为未知，与真实的 0 退出码区分。
type ExitCode struct {
	code  int
	known bool
}

// Unknown 未知退出码
var Unknown = ExitCode{}

// Known 已观察到的退出码
func Known(code int) ExitCode {
	return ExitCode{code: code, known: true}
}

// Value 返回退出码及其是否已知
func (e ExitCode) Value() (int, bool) {
	return e.code, e.known
}

// IsKnown 退出码是否已知
func (e ExitCode) IsKnown() bool {
	return e.known
}

// String 返回退出码文本
func (e ExitCode) String() string {
	if !e.known {
		return UnknownExitCode
	}
	return strconv.Itoa(e.code)
}

// MarshalJSON 已知时输出整数，未知时输出 "unknown"
func (e ExitCode) MarshalJSON() ([]byte, error) {
	if !e.known {
		return json.Marshal(UnknownExitCode)
	}
	return json.Marshal(e.code)
}

// UnmarshalJSON 解析整数或 "unknown"
func (e *ExitCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*e = Unknown
		return nil
	}
	var code int
	if err := json.Unmarshal(data, &code); err == nil {
		*e = Known(code)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("exit code: %w", err)
	}
	if s == UnknownExitCode || s == "" {
		*e = Unknown
		return nil
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("exit code: invalid value %q", s)
	}
	*e = Known(code)
	return nil
}
