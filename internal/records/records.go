// Package records 对一个模块全部文件的 (trainId, cellId) 行做有效性过滤，并计算规范位置。
package records

import (
	"fmt"

	"vdsync/pkg/contract"
)

// Policy: 重复 train 截断策略。
type Policy string

const (
	// KeepFirst 按物理行序保留前 PulsesPerTrain 次出现（默认）。
	KeepFirst Policy = "first"
	// KeepLast 按物理行序保留最后 PulsesPerTrain 次出现。
	KeepLast Policy = "last"
)

// ParsePolicy 解析策略名；空串为 KeepFirst。
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", KeepFirst:
		return KeepFirst, nil
	case KeepLast:
		return KeepLast, nil
	default:
		return "", fmt.Errorf("%w: duplicate policy %q", contract.ErrInvalidInput, s)
	}
}

// Input: 单个模块文件的原始行（物理存储顺序）。
type Input struct {
	Module   contract.ModuleID
	File     string
	TrainIDs []uint64
	CellIDs  []uint64
}

// rowRef 定位模块内某文件的某一行。
type rowRef struct{ file, row int }

// Validate 校验单个文件，等价于只含一个文件的 ValidateModule。
func Validate(tl contract.Timeline, in Input, policy Policy) (contract.RecordSet, []contract.Warning, error) {
	sets, warns, err := ValidateModule(tl, []Input{in}, policy)
	if err != nil {
		return contract.RecordSet{}, warns, err
	}
	return sets[0], warns, nil
}

// ValidateModule 把一个模块的全部文件按给定顺序（序列号升序）拼接为一条物理行流，依次应用：
//  1. 拒绝 trainId == 0；
//  2. 拒绝 trainId 不在 [FirstTrainID, EndTrainID)；
//  3. 拒绝 cellId >= PulsesPerTrain，每个文件一条 cell_out_of_range 警告；
//  4. 存活行中同一 trainId 超过 PulsesPerTrain 次时按策略截断，并给出 duplicate_train 警告。
//     计数跨文件进行：后续序列文件重传的 train 与前面文件一起计数。
//
// 存活行 position = (trainId-FirstTrainID)*PulsesPerTrain + cellId。
// 模块内两个存活行得到相同 position 属于数据完整性故障，返回 *contract.IntegrityError。
// 返回的 RecordSet 与 ins 一一对应。
func ValidateModule(tl contract.Timeline, ins []Input, policy Policy) ([]contract.RecordSet, []contract.Warning, error) {
	if err := contract.ValidateTimeline(tl); err != nil {
		return nil, nil, err
	}
	var warns []contract.Warning
	sets := make([]contract.RecordSet, len(ins))
	for f, in := range ins {
		n := len(in.TrainIDs)
		if len(in.CellIDs) != n {
			return nil, nil, fmt.Errorf("%w: %s has %d train ids but %d cell ids", contract.ErrInvalidInput, in.File, n, len(in.CellIDs))
		}
		rs := contract.RecordSet{
			Module:   in.Module,
			File:     in.File,
			TrainIDs: in.TrainIDs,
			CellIDs:  in.CellIDs,
			Keep:     make([]bool, n),
			Position: make([]int64, n),
		}
		badCells, firstBad := 0, 0
		for i, tid := range in.TrainIDs {
			rs.Position[i] = -1
			if tid == 0 || !tl.Contains(tid) {
				continue
			}
			if in.CellIDs[i] >= uint64(tl.PulsesPerTrain) {
				if badCells == 0 {
					firstBad = i
				}
				badCells++
				continue
			}
			rs.Keep[i] = true
		}
		if badCells > 0 {
			warns = append(warns, contract.Warning{
				Kind:    contract.WarnCellOutOfRange,
				Module:  in.Module,
				File:    in.File,
				Row:     firstBad,
				TrainID: in.TrainIDs[firstBad],
				Count:   badCells,
				Detail:  fmt.Sprintf("%d rows with cell id >= %d rejected, first cell %d", badCells, tl.PulsesPerTrain, in.CellIDs[firstBad]),
			})
		}
		sets[f] = rs
	}

	warns = append(warns, capTrains(tl, sets, policy)...)

	owner := make(map[int64]rowRef)
	for f := range sets {
		rs := &sets[f]
		for i := range rs.Keep {
			if !rs.Keep[i] {
				continue
			}
			p := tl.Position(rs.TrainIDs[i], rs.CellIDs[i])
			if prev, dup := owner[p]; dup {
				return nil, warns, &contract.IntegrityError{
					Stage:    "validate",
					Module:   rs.Module,
					File:     rs.File,
					Chunk:    -1,
					Row:      i,
					Position: p,
					Detail: fmt.Sprintf("row %d of %s and row %d share train %d cell %d",
						prev.row, sets[prev.file].File, i, rs.TrainIDs[i], rs.CellIDs[i]),
				}
			}
			owner[p] = rowRef{f, i}
			rs.Position[i] = p
		}
	}
	return sets, warns, nil
}

// capTrains 截断超额出现的 train；每个超额 train 产生一条警告，File/Row 为其首次出现的位置。
func capTrains(tl contract.Timeline, sets []contract.RecordSet, policy Policy) []contract.Warning {
	limit := int(tl.PulsesPerTrain)
	total := make(map[uint64]int)
	firstRow := make(map[uint64]rowRef)
	for f := range sets {
		for i, k := range sets[f].Keep {
			if !k {
				continue
			}
			tid := sets[f].TrainIDs[i]
			if total[tid] == 0 {
				firstRow[tid] = rowRef{f, i}
			}
			total[tid]++
		}
	}

	var order []uint64
	seen := make(map[uint64]int, len(total))
	visit := func(f, i int) {
		rs := &sets[f]
		if !rs.Keep[i] {
			return
		}
		tid := rs.TrainIDs[i]
		seen[tid]++
		if seen[tid] > limit {
			if seen[tid] == limit+1 {
				order = append(order, tid)
			}
			rs.Keep[i] = false
		}
	}
	if policy == KeepLast {
		for f := len(sets) - 1; f >= 0; f-- {
			for i := len(sets[f].Keep) - 1; i >= 0; i-- {
				visit(f, i)
			}
		}
	} else {
		for f := range sets {
			for i := range sets[f].Keep {
				visit(f, i)
			}
		}
	}

	if len(order) == 0 {
		return nil
	}
	warns := make([]contract.Warning, 0, len(order))
	for _, tid := range order {
		first := firstRow[tid]
		warns = append(warns, contract.Warning{
			Kind:    contract.WarnDuplicateTrain,
			Module:  sets[first.file].Module,
			File:    sets[first.file].File,
			Row:     first.row,
			TrainID: tid,
			Count:   total[tid],
			Detail:  fmt.Sprintf("train %d repeated %d times, keeping %d (%s)", tid, total[tid], limit, policyName(policy)),
		})
	}
	return warns
}

func policyName(p Policy) string {
	if p == "" {
		return string(KeepFirst)
	}
	return string(p)
}
