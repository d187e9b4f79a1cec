package contract

import (
	"errors"
	"fmt"
	"strings"
)

// 最小错误分类（哨兵错误）。
var (
	// ErrNotFound: 输入路径或数据集不存在。
	ErrNotFound = errors.New("not found")
	// ErrCorrupt: 输入无法按容器格式解析。
	ErrCorrupt = errors.New("corrupt")
	// ErrMappingIntegrity: 行数与目标位置数不一致、或同一模块内重复占用目标位置。
	ErrMappingIntegrity = errors.New("mapping integrity fault")
	// ErrEmptyRun: 没有任何模块提供可用的 trainId 跨度。
	ErrEmptyRun = errors.New("empty run")
	// ErrCommit: 存储引擎无法完成工件提交。
	ErrCommit = errors.New("output commit failed")
	// ErrInvalidInput: 入参不满足前置条件。
	ErrInvalidInput = errors.New("invalid input")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// IntegrityError: 映射完整性故障，携带定位信息（模块/文件/chunk）。
// errors.Is(err, ErrMappingIntegrity) 为真。
type IntegrityError struct {
	Stage    string // validate|chunk|compose
	Module   ModuleID
	File     string
	Chunk    int // -1 表示不适用
	Chunks   int
	Rows     int
	Dests    int
	Row      int
	Position int64
	Detail   string
}

func (e *IntegrityError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: stage=%s module=%d", ErrMappingIntegrity.Error(), e.Stage, e.Module)
	if e.File != "" {
		fmt.Fprintf(&b, " file=%s", e.File)
	}
	if e.Chunk >= 0 {
		fmt.Fprintf(&b, " chunk=%d/%d rows=%d dests=%d", e.Chunk, e.Chunks, e.Rows, e.Dests)
	} else {
		fmt.Fprintf(&b, " row=%d position=%d", e.Row, e.Position)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *IntegrityError) Unwrap() error { return ErrMappingIntegrity }
