package sqlite

import (
	"context"
	"fmt"
	"slices"

	"vdsync/pkg/contract"
)

type ref struct {
	entry int
	row   int
}

// View 将已提交的虚拟数据集解析回源行。未被任何条目覆盖的位置读出填充值。
type View struct {
	src     *Source
	owned   bool
	layout  *contract.VirtualLayout
	frames  int
	index   map[int]ref
	sources map[string]*Source
}

// OpenView 打开 container 中的虚拟数据集 dataset。
func (e *Engine) OpenView(ctx context.Context, container, dataset string) (*View, error) {
	src, err := e.open(ctx, container)
	if err != nil {
		return nil, err
	}
	m, err := src.meta(ctx, dataset)
	if err == nil && !m.info.Virtual {
		err = fmt.Errorf("%w: %s is not a virtual dataset", contract.ErrInvalidInput, dataset)
	}
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	v, err := src.view(ctx, dataset)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	v.owned = true
	return v, nil
}

func (s *Source) view(ctx context.Context, path string) (*View, error) {
	l, err := s.ReadVirtualLayout(ctx, path)
	if err != nil {
		return nil, err
	}
	v := &View{
		src:     s,
		layout:  l,
		frames:  l.Shape[1],
		index:   make(map[int]ref),
		sources: make(map[string]*Source),
	}
	for i, e := range l.Entries {
		for j, p := range e.Positions {
			k := e.Lead*v.frames + p
			if _, dup := v.index[k]; dup {
				return nil, fmt.Errorf("%w: %s position (%d,%d) mapped twice", contract.ErrCorrupt, path, e.Lead, p)
			}
			v.index[k] = ref{entry: i, row: j}
		}
	}
	return v, nil
}

// Layout 返回虚拟布局。
func (v *View) Layout() *contract.VirtualLayout { return v.layout }

// Covered 报告 (lead, pos) 是否有源行。
func (v *View) Covered(lead, pos int) bool {
	_, ok := v.index[lead*v.frames+pos]
	return ok
}

// ReadFrame 读取 (lead, pos) 处的一帧载荷，形状 (1, payload...)。
func (v *View) ReadFrame(ctx context.Context, lead, pos int) (contract.Array, error) {
	if lead < 0 || lead >= v.layout.Shape[0] || pos < 0 || pos >= v.frames {
		return contract.Array{}, fmt.Errorf("%w: frame (%d,%d) outside %v", contract.ErrInvalidInput, lead, pos, v.layout.Shape[:2])
	}
	shape := append([]int{1}, v.layout.PayloadShape()...)
	r, ok := v.index[lead*v.frames+pos]
	if !ok {
		return contract.Filled(v.layout.DType, shape, v.layout.Fill), nil
	}
	e := v.layout.Entries[r.entry]
	a, err := v.read(ctx, e, []int{e.Rows[r.row]})
	if err != nil {
		return contract.Array{}, err
	}
	return a, nil
}

// Materialize 物化整个虚拟数据集（仅用于小数据集的检查与测试）。
func (v *View) Materialize(ctx context.Context) (contract.Array, error) {
	out := contract.Filled(v.layout.DType, v.layout.Shape, v.layout.Fill)
	rb := out.RowElems() / v.frames * v.layout.DType.Size()
	for _, e := range v.layout.Entries {
		a, err := v.read(ctx, e, e.Rows)
		if err != nil {
			return contract.Array{}, err
		}
		for i, p := range e.Positions {
			dst := (e.Lead*v.frames + p) * rb
			copy(out.Data[dst:dst+rb], a.Data[i*rb:(i+1)*rb])
		}
	}
	return out, nil
}

func (v *View) read(ctx context.Context, e contract.VirtualEntry, rows []int) (contract.Array, error) {
	file := resolveSource(v.src.path, e.SourceFile)
	src, ok := v.sources[file]
	if !ok {
		var err error
		src, err = v.src.engine.open(ctx, file)
		if err != nil {
			return contract.Array{}, fmt.Errorf("source %s: %w", e.SourceFile, err)
		}
		v.sources[file] = src
	}
	a, err := src.ReadRows(ctx, e.SourcePath, rows)
	if err != nil {
		return contract.Array{}, fmt.Errorf("source %s:%s: %w", e.SourceFile, e.SourcePath, err)
	}
	if a.DType != v.layout.DType || !slices.Equal(a.Shape[1:], v.layout.PayloadShape()) {
		return contract.Array{}, fmt.Errorf("%w: source %s:%s is %s%v, layout expects %s%v",
			contract.ErrCorrupt, e.SourceFile, e.SourcePath, a.DType, a.Shape[1:], v.layout.DType, v.layout.PayloadShape())
	}
	return a, nil
}

// Close 关闭打开过的源容器；由 OpenView 创建时同时关闭主容器。
func (v *View) Close() error {
	var first error
	for _, s := range v.sources {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	v.sources = nil
	if v.owned {
		if err := v.src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
