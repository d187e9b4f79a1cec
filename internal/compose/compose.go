// Package compose 将各模块的 chunk 映射合并为全局虚拟布局，并生成逐帧元数据数组。
//
// Composer 由合并阶段独占持有：各模块的计划在 worker 中独立产生，
// 再严格按模块序调用 Add。Emit 对 Sink 一次性提交。
package compose

import (
	"context"
	"fmt"

	"vdsync/pkg/contract"
)

// 元数据数组的填充值，标记没有任何模块贡献的帧。
const (
	// TrainIDFill 为 0：有效 trainId 从不为 0（0 表示该行未采集，校验时即被拒绝），
	// 读取工件时 trainId[f] == 0 即表示帧 f 无数据。
	TrainIDFill uint64 = 0
	CellIDFill  uint64 = 0xFFFF
	PulseIDFill uint64 = 0xFFFF
)

// Payload: 每帧载荷描述（来自第一个可用文件）。
type Payload struct {
	Detector string
	DType    contract.DType
	Shape    []int
}

// Paths: 输出容器中的数据集路径。
type Paths struct {
	TrainID string
	CellID  string
	PulseID string
	Data    string
}

// OutputPaths 返回 detector 对应的标准输出路径 INSTRUMENT/<det>/DET/image/*。
func OutputPaths(detector string) Paths {
	base := contract.JoinDataset("INSTRUMENT", detector, "DET", "image")
	return Paths{
		TrainID: contract.JoinDataset(base, "trainId"),
		CellID:  contract.JoinDataset(base, "cellId"),
		PulseID: contract.JoinDataset(base, "pulseId"),
		Data:    contract.JoinDataset(base, "data"),
	}
}

// FrameMeta: 一个存活行的逐帧元数据。
type FrameMeta struct {
	Position int
	TrainID  uint64
	CellID   uint64
	PulseID  uint64
}

// FilePlan: 单个模块文件的映射与元数据。
type FilePlan struct {
	Path     string
	DataPath string
	Chunks   []contract.ChunkMapping
	Frames   []FrameMeta
}

// ModulePlan: 单个模块的全部文件计划（按采集顺序）。
type ModulePlan struct {
	Module contract.ModuleID
	Files  []FilePlan
}

// ModuleStats: 合并后的模块统计。
type ModuleStats struct {
	Files   int
	Chunks  int
	Frames  int
	Entries int
}

// Composer 累积全局布局与元数据。非并发安全。
type Composer struct {
	tl      contract.Timeline
	modules int
	payload Payload
	layout  *contract.VirtualLayout

	claimed [][]bool
	written []bool
	train   []uint64
	cell    []uint64
	pulse   []uint64

	last    contract.ModuleID
	started bool
	emitted bool
	stats   map[contract.ModuleID]ModuleStats
}

// New 创建 Composer；载荷填充值为 FillMax(payload.DType)。
func New(tl contract.Timeline, modules int, payload Payload) (*Composer, error) {
	if err := contract.ValidateTimeline(tl); err != nil {
		return nil, err
	}
	if modules <= 0 {
		return nil, fmt.Errorf("%w: module count %d", contract.ErrInvalidInput, modules)
	}
	frames := tl.FrameCount()
	shape := append([]int{modules, frames}, payload.Shape...)
	layout, err := contract.NewVirtualLayout(payload.DType, shape, nil)
	if err != nil {
		return nil, err
	}
	c := &Composer{
		tl:      tl,
		modules: modules,
		payload: payload,
		layout:  layout,
		claimed: make([][]bool, modules),
		written: make([]bool, frames),
		train:   make([]uint64, frames),
		cell:    make([]uint64, frames),
		pulse:   make([]uint64, frames),
		stats:   make(map[contract.ModuleID]ModuleStats),
	}
	for i := range c.train {
		c.train[i] = TrainIDFill
		c.cell[i] = CellIDFill
		c.pulse[i] = PulseIDFill
	}
	return c, nil
}

// Add 合并一个模块计划。模块必须严格递增地加入，保证元数据"先到先写"按模块序确定。
// 同一模块内重复占用目标位置属于映射完整性故障。
// 后到模块在同一帧上 trainId/cellId 不一致时产生 metadata_conflict 警告，首写者保留。
func (c *Composer) Add(plan ModulePlan) ([]contract.Warning, error) {
	if c.emitted {
		return nil, fmt.Errorf("%w: composer already emitted", contract.ErrInvalidInput)
	}
	m := int(plan.Module)
	if m < 0 || m >= c.modules {
		return nil, fmt.Errorf("%w: module %d outside [0,%d)", contract.ErrInvalidInput, m, c.modules)
	}
	if c.started && plan.Module <= c.last {
		return nil, fmt.Errorf("%w: module %d merged after %d", contract.ErrInvalidInput, plan.Module, c.last)
	}
	c.started, c.last = true, plan.Module

	frames := c.tl.FrameCount()
	if c.claimed[m] == nil {
		c.claimed[m] = make([]bool, frames)
	}
	claimed := c.claimed[m]
	st := c.stats[plan.Module]
	var warns []contract.Warning

	for _, f := range plan.Files {
		st.Files++
		for _, cm := range f.Chunks {
			if err := contract.ValidateChunkMapping(cm, frames); err != nil {
				return warns, fmt.Errorf("module %d file %s chunk %d: %w", m, f.Path, cm.Chunk, err)
			}
			for i, p := range cm.Positions {
				if claimed[p] {
					return warns, &contract.IntegrityError{
						Stage:    "compose",
						Module:   plan.Module,
						File:     f.Path,
						Chunk:    -1,
						Row:      cm.Rows[i],
						Position: int64(p),
						Detail:   fmt.Sprintf("destination already claimed (chunk %d)", cm.Chunk),
					}
				}
				claimed[p] = true
			}
			err := c.layout.Declare(contract.VirtualEntry{
				Lead:       m,
				SourceFile: f.Path,
				SourcePath: f.DataPath,
				Rows:       cm.Rows,
				Positions:  cm.Positions,
			})
			if err != nil {
				return warns, err
			}
			st.Chunks++
			st.Entries++
		}
		for _, fm := range f.Frames {
			if fm.Position < 0 || fm.Position >= frames {
				return warns, fmt.Errorf("%w: frame position %d outside [0,%d)", contract.ErrInvalidInput, fm.Position, frames)
			}
			st.Frames++
			if !c.written[fm.Position] {
				c.written[fm.Position] = true
				c.train[fm.Position] = fm.TrainID
				c.cell[fm.Position] = fm.CellID
				c.pulse[fm.Position] = fm.PulseID
				continue
			}
			if c.train[fm.Position] != fm.TrainID || c.cell[fm.Position] != fm.CellID {
				warns = append(warns, contract.Warning{
					Kind:    contract.WarnMetadataConflict,
					Module:  plan.Module,
					File:    f.Path,
					Row:     fm.Position,
					TrainID: fm.TrainID,
					Count:   1,
					Detail: fmt.Sprintf("frame %d has train %d cell %d, keeping train %d cell %d",
						fm.Position, fm.TrainID, fm.CellID, c.train[fm.Position], c.cell[fm.Position]),
				})
			}
		}
	}
	c.stats[plan.Module] = st
	return warns, nil
}

// Layout 返回当前全局布局（只读使用）。
func (c *Composer) Layout() *contract.VirtualLayout { return c.layout }

// Stats 返回模块统计快照。
func (c *Composer) Stats() map[contract.ModuleID]ModuleStats {
	out := make(map[contract.ModuleID]ModuleStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}

// Covered 返回已写入元数据的帧数。
func (c *Composer) Covered() int {
	n := 0
	for _, w := range c.written {
		if w {
			n++
		}
	}
	return n
}

// Emit 写出 trainId/cellId/pulseId 三个数组并提交虚拟数据集；只允许调用一次。
// Sink 的 Close/Abort 由调用方负责。
func (c *Composer) Emit(ctx context.Context, sink contract.Sink, paths Paths) error {
	if c.emitted {
		return fmt.Errorf("%w: composer already emitted", contract.ErrInvalidInput)
	}
	c.emitted = true
	arrays := []struct {
		path  string
		dtype contract.DType
		vals  []uint64
	}{
		{paths.TrainID, contract.U8, c.train},
		{paths.CellID, contract.U2, c.cell},
		{paths.PulseID, contract.U8, c.pulse},
	}
	for _, a := range arrays {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.CreateArray(ctx, a.path, contract.FromUint64s(a.dtype, a.vals)); err != nil {
			return fmt.Errorf("write %s: %w", a.path, err)
		}
	}
	if err := sink.CommitVirtualDataset(ctx, paths.Data, c.layout); err != nil {
		return fmt.Errorf("commit %s: %w", paths.Data, err)
	}
	return nil
}
