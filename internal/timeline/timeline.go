// Package timeline 根据各模块的 INDEX/trainId 推导运行的规范帧时间轴。
package timeline

import (
	"fmt"
	"math"

	"vdsync/pkg/contract"
)

// Options: 时间轴构建参数。
type Options struct {
	PulsesPerTrain uint32
	// MaxTrainsInFile: 单文件 trainId 跨度上限；超过视为该文件局部损坏。
	MaxTrainsInFile uint64
	// Margin: 在最大模块跨度上追加的 train 数，容忍模块间边界偏移。
	Margin uint32
}

// DefaultOptions 返回 AGIPD 采集的默认参数。
func DefaultOptions() Options {
	return Options{PulsesPerTrain: 128, MaxTrainsInFile: 260, Margin: 4}
}

// FileIndex: 单个文件的索引 trainId 序列（按文件内顺序）。
type FileIndex struct {
	Path     string
	TrainIDs []uint64
}

// ModuleIndex: 单个模块按采集顺序排列的文件索引。
type ModuleIndex struct {
	Module contract.ModuleID
	Files  []FileIndex
}

// Span: 单模块推导结果。Present=false 表示该模块没有可用样本。
type Span struct {
	Module  contract.ModuleID
	Present bool
	Min     uint64
	Max     uint64
}

// Width 返回 Max-Min（Max<Min 时为 0）。
func (s Span) Width() uint64 {
	if !s.Present || s.Max < s.Min {
		return 0
	}
	return s.Max - s.Min
}

// ModuleSpan 计算单模块的 [Min, Max]，并对跨度过大的文件给出 span_corruption 警告。
// 规则：
//   - trainId 为 0 的样本不参与统计；
//   - 正常文件：Min/Max 分别取文件最小/最大值；
//   - 损坏文件：仍以其最小值下压 Min；若为模块最后一个文件，用其最后一个样本（而非最大值）估计 Max。
func ModuleSpan(m ModuleIndex, maxTrainsInFile uint64) (Span, []contract.Warning) {
	span := Span{Module: m.Module, Min: math.MaxUint64}
	var warns []contract.Warning
	last := len(m.Files) - 1
	for i, f := range m.Files {
		lo, hi, tail, n := bounds(f.TrainIDs)
		if n == 0 {
			warns = append(warns, contract.Warning{Kind: contract.WarnEmptyFile, Module: m.Module, File: f.Path, Detail: "no non-zero train ids in index"})
			continue
		}
		if hi-lo > maxTrainsInFile {
			warns = append(warns, contract.Warning{
				Kind:   contract.WarnSpanCorruption,
				Module: m.Module,
				File:   f.Path,
				Count:  int(hi - lo),
				Detail: fmt.Sprintf("train id range %d exceeds %d", hi-lo, maxTrainsInFile),
			})
			span.Min = min(span.Min, lo)
			span.Present = true
			if i == last {
				span.Max = max(span.Max, tail)
			}
			continue
		}
		span.Min = min(span.Min, lo)
		span.Max = max(span.Max, hi)
		span.Present = true
	}
	if !span.Present {
		span.Min = 0
	}
	return span, warns
}

// Build 构建规范时间轴。模块缺席（无文件或无样本）只产生 module_absent 警告；
// 所有模块均缺席时返回 ErrEmptyRun。
func Build(modules []ModuleIndex, opts Options) (contract.Timeline, []contract.Warning, error) {
	if opts.PulsesPerTrain == 0 {
		return contract.Timeline{}, nil, fmt.Errorf("%w: pulses per train must be > 0", contract.ErrInvalidInput)
	}
	var (
		warns    []contract.Warning
		first    uint64 = math.MaxUint64
		maxWidth uint64
		present  bool
	)
	for _, m := range modules {
		s, w := ModuleSpan(m, opts.MaxTrainsInFile)
		warns = append(warns, w...)
		if !s.Present {
			warns = append(warns, contract.Warning{Kind: contract.WarnModuleAbsent, Module: m.Module, Count: len(m.Files), Detail: "module contributes no train span"})
			continue
		}
		present = true
		first = min(first, s.Min)
		maxWidth = max(maxWidth, s.Width())
	}
	if !present {
		return contract.Timeline{}, warns, contract.ErrEmptyRun
	}
	count := maxWidth + uint64(opts.Margin)
	if count == 0 {
		// 单 train 运行且未配置余量时至少保留一个 train
		count = 1
	}
	if count > math.MaxUint32 {
		return contract.Timeline{}, warns, fmt.Errorf("%w: train count %d overflows", contract.ErrInvalidInput, count)
	}
	tl := contract.Timeline{FirstTrainID: first, TrainCount: uint32(count), PulsesPerTrain: opts.PulsesPerTrain}
	if err := contract.ValidateTimeline(tl); err != nil {
		return contract.Timeline{}, warns, err
	}
	return tl, warns, nil
}

// bounds 返回非零样本的最小值、最大值、最后一个非零样本与个数。
func bounds(ids []uint64) (lo, hi, tail uint64, n int) {
	lo = math.MaxUint64
	for _, id := range ids {
		if id == 0 {
			continue
		}
		lo = min(lo, id)
		hi = max(hi, id)
		tail = id
		n++
	}
	return lo, hi, tail, n
}
