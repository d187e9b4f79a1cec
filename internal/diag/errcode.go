package diag

import (
	"context"
	"errors"
	"os"
	"time"

	"vdsync/pkg/contract"
)

// Code 是最小错误分类代码。
// 用于日志/指标汇总；退出码由 CLI 另行映射。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeIntegrity Code = "integrity"
	CodeNotFound  Code = "not_found"
	CodeCorrupt   Code = "corrupt"
	CodeEmpty     Code = "empty"
	CodeCommit    Code = "commit"
	CodeInvariant Code = "invariant"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrMappingIntegrity) {
		return CodeIntegrity
	}
	if errors.Is(err, contract.ErrEmptyRun) {
		return CodeEmpty
	}
	if errors.Is(err, contract.ErrNotFound) {
		return CodeNotFound
	}
	if errors.Is(err, contract.ErrCorrupt) {
		return CodeCorrupt
	}
	if errors.Is(err, contract.ErrCommit) {
		return CodeCommit
	}
	// 不变量
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	// I/O
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
