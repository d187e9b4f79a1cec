package contract

import "fmt"

// 校验库函数（纯函数，无 I/O）：
// - ValidateTimeline:     时间轴参数非零且帧数不溢出
// - ValidateChunkMapping: chunk 内行升序、落在 [RowStart,RowEnd)、目标在帧范围内且互不相同
func ValidateTimeline(t Timeline) error {
	if t.PulsesPerTrain == 0 {
		return fmt.Errorf("%w: pulses per train must be > 0", ErrInvalidInput)
	}
	if t.TrainCount == 0 {
		return fmt.Errorf("%w: train count must be > 0", ErrInvalidInput)
	}
	if t.FirstTrainID == 0 {
		return fmt.Errorf("%w: first train id 0 is the no-acquisition sentinel", ErrInvalidInput)
	}
	if uint64(t.TrainCount)*uint64(t.PulsesPerTrain) > uint64(maxInt) {
		return fmt.Errorf("%w: frame count overflows int", ErrInvalidInput)
	}
	return nil
}

func ValidateChunkMapping(m ChunkMapping, frames int) error {
	if len(m.Rows) != len(m.Positions) {
		return fmt.Errorf("%w: %d rows vs %d positions", ErrInvariantViolation, len(m.Rows), len(m.Positions))
	}
	seen := make(map[int]struct{}, len(m.Positions))
	prev := -1
	for i, r := range m.Rows {
		if r < m.RowStart || r >= m.RowEnd {
			return fmt.Errorf("%w: row %d outside chunk [%d,%d)", ErrInvariantViolation, r, m.RowStart, m.RowEnd)
		}
		if r <= prev {
			return fmt.Errorf("%w: rows not strictly increasing at %d", ErrInvariantViolation, r)
		}
		prev = r
		p := m.Positions[i]
		if p < 0 || p >= frames {
			return fmt.Errorf("%w: position %d outside [0,%d)", ErrInvariantViolation, p, frames)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: position %d claimed twice", ErrInvariantViolation, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

const maxInt = int(^uint(0) >> 1)
