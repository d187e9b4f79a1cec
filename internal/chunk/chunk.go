// Package chunk 将模块的物理行按固定大小切分为 chunk，并为每个 chunk 计算稀疏目标位置。
//
// 按存储原生 chunk 粒度分组，使虚拟映射条目数受物理 chunk 数约束，而非物理行数。
package chunk

import (
	"fmt"

	"vdsync/pkg/contract"
)

// DefaultRows 与底层存储的原生 chunk 行数一致。
const DefaultRows = 32

// Mapper: 复用一个按帧数分配的标记区（arena），逐 chunk 做去重核对。
// 非并发安全；每个 worker 持有自己的 Mapper。
type Mapper struct {
	rows   int
	frames int
	mark   []bool
}

// NewMapper 创建 Mapper；chunkRows<=0 时使用 DefaultRows。
func NewMapper(chunkRows, frames int) *Mapper {
	if chunkRows <= 0 {
		chunkRows = DefaultRows
	}
	return &Mapper{rows: chunkRows, frames: frames, mark: make([]bool, frames)}
}

// ChunkRows 返回 chunk 行数。
func (m *Mapper) ChunkRows() int { return m.rows }

// Count 返回 physRows 行被切分出的 chunk 数。
func (m *Mapper) Count(physRows int) int {
	if physRows <= 0 {
		return 0
	}
	return (physRows + m.rows - 1) / m.rows
}

// Map 对 [0, physRows) 逐 chunk：
//   - 选出在范围内且 Keep 的行；
//   - 取其规范位置，统计落在 [0, frames) 内的不同位置数；
//   - 行数与不同位置数不一致即为映射完整性故障，整次运行中止；
//   - 无有效行的 chunk 跳过，不产生映射。
func (m *Mapper) Map(rs contract.RecordSet, physRows int) ([]contract.ChunkMapping, error) {
	if physRows < 0 {
		return nil, fmt.Errorf("%w: negative row count %d", contract.ErrInvalidInput, physRows)
	}
	if len(rs.Position) != len(rs.Keep) {
		return nil, fmt.Errorf("%w: keep/position length mismatch", contract.ErrInvalidInput)
	}
	limit := min(physRows, len(rs.Keep))
	chunks := m.Count(physRows)
	var out []contract.ChunkMapping
	for c := 0; c < chunks; c++ {
		st := c * m.rows
		en := min(physRows, st+m.rows)
		var rows, dests []int
		for r := st; r < en && r < limit; r++ {
			if !rs.Keep[r] {
				continue
			}
			rows = append(rows, r)
			dests = append(dests, int(rs.Position[r]))
		}
		if len(rows) == 0 {
			continue
		}
		distinct := m.distinct(dests)
		if distinct != len(rows) {
			return nil, &contract.IntegrityError{
				Stage:  "chunk",
				Module: rs.Module,
				File:   rs.File,
				Chunk:  c,
				Chunks: chunks,
				Rows:   len(rows),
				Dests:  distinct,
			}
		}
		out = append(out, contract.ChunkMapping{
			Module:    rs.Module,
			File:      rs.File,
			Chunk:     c,
			RowStart:  st,
			RowEnd:    en,
			Rows:      rows,
			Positions: dests,
		})
	}
	return out, nil
}

// distinct 统计落在帧范围内的不同位置数；使用 arena 标记后立即清除。
func (m *Mapper) distinct(dests []int) int {
	n := 0
	for _, p := range dests {
		if p < 0 || p >= m.frames || m.mark[p] {
			continue
		}
		m.mark[p] = true
		n++
	}
	for _, p := range dests {
		if p >= 0 && p < m.frames {
			m.mark[p] = false
		}
	}
	return n
}
