package contract

import (
	"context"
	"fmt"
)

// ArrayInfo: 数组（或虚拟数据集）的元信息。
type ArrayInfo struct {
	Path    string
	DType   DType
	Shape   []int
	Virtual bool
}

// Engine: 列式/数组存储引擎能力（外部协作者，仅通过接口消费）。
type Engine interface {
	// OpenForRead 打开容器只读；路径缺失返回 ErrNotFound，无法解析返回 ErrCorrupt。
	OpenForRead(ctx context.Context, path string) (Source, error)
	// Create 在 path 新建容器用于写入；path 不得已存在。
	Create(ctx context.Context, path string) (Sink, error)
}

// Source: 只读容器句柄。由处理该模块的 worker 独占持有。
type Source interface {
	Path() string
	// List 返回以 prefix 开头的全部数据集路径（字典序）。
	List(ctx context.Context, prefix string) ([]string, error)
	Describe(ctx context.Context, path string) (ArrayInfo, error)
	ReadArray(ctx context.Context, path string) (Array, error)
	// ReadSlice 读取首维 [rowStart, rowEnd)。
	ReadSlice(ctx context.Context, path string, rowStart, rowEnd int) (Array, error)
	// ReadRows 按给定物理行（任意顺序）读取，结果行序与 rows 一致。
	ReadRows(ctx context.Context, path string, rows []int) (Array, error)
	Close() error
}

// Sink: 可写容器句柄。所有写入在 Close 时一次性提交；Abort 丢弃全部写入。
type Sink interface {
	CreateArray(ctx context.Context, path string, a Array) error
	CommitVirtualDataset(ctx context.Context, path string, layout *VirtualLayout) error
	Close() error
	Abort() error
}

// VirtualEntry: 一条稀疏 源→目标 映射。Rows[i] 映射到 (Lead, Positions[i])。
type VirtualEntry struct {
	Lead       int
	SourceFile string
	SourcePath string
	Rows       []int
	Positions  []int
}

// VirtualLayout: 全局虚拟布局，形状 (Shape[0]=模块数, Shape[1]=帧数, 载荷维...)。
// 由 VirtualComposer 独占持有并逐条 Declare，最终一次性提交给引擎。
type VirtualLayout struct {
	DType   DType
	Shape   []int
	Fill    []byte
	Entries []VirtualEntry
}

// NewVirtualLayout 构造空布局；fill 为 nil 时采用 FillMax(dtype)。
func NewVirtualLayout(d DType, shape []int, fill []byte) (*VirtualLayout, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: dtype %q", ErrInvalidInput, d)
	}
	if len(shape) < 2 {
		return nil, fmt.Errorf("%w: virtual layout needs (lead, frames, ...) shape, got %v", ErrInvalidInput, shape)
	}
	if fill == nil {
		fill = FillMax(d)
	}
	if len(fill) != d.Size() {
		return nil, fmt.Errorf("%w: fill value has %d bytes, dtype %s needs %d", ErrInvalidInput, len(fill), d, d.Size())
	}
	return &VirtualLayout{DType: d, Shape: append([]int(nil), shape...), Fill: append([]byte(nil), fill...)}, nil
}

// Declare 登记一条映射（declareVirtualEntry）。只做形状级校验，不拷贝载荷。
func (l *VirtualLayout) Declare(e VirtualEntry) error {
	if e.Lead < 0 || e.Lead >= l.Shape[0] {
		return fmt.Errorf("%w: lead index %d outside [0,%d)", ErrInvalidInput, e.Lead, l.Shape[0])
	}
	if len(e.Rows) != len(e.Positions) {
		return fmt.Errorf("%w: %d source rows vs %d destinations", ErrInvalidInput, len(e.Rows), len(e.Positions))
	}
	if len(e.Rows) == 0 {
		return fmt.Errorf("%w: empty virtual entry", ErrInvalidInput)
	}
	for _, p := range e.Positions {
		if p < 0 || p >= l.Shape[1] {
			return fmt.Errorf("%w: destination %d outside [0,%d)", ErrInvalidInput, p, l.Shape[1])
		}
	}
	e.Rows = append([]int(nil), e.Rows...)
	e.Positions = append([]int(nil), e.Positions...)
	l.Entries = append(l.Entries, e)
	return nil
}

// PayloadShape 返回载荷维（Shape[2:]）。
func (l *VirtualLayout) PayloadShape() []int { return append([]int(nil), l.Shape[2:]...) }

// VirtualReader: Source 的可选能力，读回已提交的虚拟布局（用于检查与比对）。
type VirtualReader interface {
	ReadVirtualLayout(ctx context.Context, path string) (*VirtualLayout, error)
}
