package records

import (
	"errors"
	"testing"

	"vdsync/pkg/contract"
)

func keptRows(rs contract.RecordSet) []int {
	var out []int
	for i, k := range rs.Keep {
		if k {
			out = append(out, i)
		}
	}
	return out
}

// UT-REC-01: trainId [0,5,5,5,6]、pulsesPerTrain=2 → 3 行存活
func TestValidateDuplicateTrain(t *testing.T) {
	tl := contract.Timeline{FirstTrainID: 5, TrainCount: 4, PulsesPerTrain: 2}
	in := Input{Module: 2, File: "m2-s0", TrainIDs: []uint64{0, 5, 5, 5, 6}, CellIDs: []uint64{0, 0, 1, 0, 0}}
	rs, warns, err := Validate(tl, in, KeepFirst)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	got := keptRows(rs)
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 4 {
		t.Fatalf("kept rows = %v", got)
	}
	if rs.Kept() != 3 || rs.Len() != 5 {
		t.Fatalf("kept=%d len=%d", rs.Kept(), rs.Len())
	}
	if len(warns) != 1 {
		t.Fatalf("warnings = %+v", warns)
	}
	w := warns[0]
	if w.Kind != contract.WarnDuplicateTrain || w.TrainID != 5 || w.Row != 1 || w.Count != 3 || w.Module != 2 {
		t.Fatalf("warning = %+v", w)
	}
	wantPos := []int64{-1, 0, 1, -1, 2}
	for i, p := range wantPos {
		if rs.Position[i] != p {
			t.Fatalf("position[%d] = %d, want %d", i, rs.Position[i], p)
		}
	}
}

// 策略 last：保留最后 N 次出现。
func TestValidateKeepLast(t *testing.T) {
	tl := contract.Timeline{FirstTrainID: 5, TrainCount: 4, PulsesPerTrain: 2}
	in := Input{TrainIDs: []uint64{5, 5, 5}, CellIDs: []uint64{1, 0, 1}}
	rs, warns, err := Validate(tl, in, KeepLast)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	got := keptRows(rs)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("kept rows = %v", got)
	}
	if len(warns) != 1 || warns[0].Row != 0 {
		t.Fatalf("warnings = %+v", warns)
	}
}

// 越界 trainId（trainId 服务器位翻转）被拒绝。
func TestValidateOutOfRange(t *testing.T) {
	tl := contract.Timeline{FirstTrainID: 100, TrainCount: 2, PulsesPerTrain: 1}
	in := Input{TrainIDs: []uint64{99, 100, 101, 102, 1 << 40}, CellIDs: []uint64{0, 0, 0, 0, 0}}
	rs, _, err := Validate(tl, in, KeepFirst)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	got := keptRows(rs)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("kept rows = %v", got)
	}
}

// cellId >= PulsesPerTrain 的行被拒绝；否则 (5,2) 会落到 train 6 的 cell 0 槽位。
func TestValidateCellOutOfRange(t *testing.T) {
	tl := contract.Timeline{FirstTrainID: 5, TrainCount: 4, PulsesPerTrain: 2}
	in := Input{Module: 1, File: "m1-s0", TrainIDs: []uint64{5, 5, 6, 6}, CellIDs: []uint64{0, 2, 0, 9}}
	rs, warns, err := Validate(tl, in, KeepFirst)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	wantPos := []int64{0, -1, 2, -1}
	for i, p := range wantPos {
		if rs.Position[i] != p || rs.Keep[i] != (p >= 0) {
			t.Fatalf("row %d: keep=%v position=%d, want %d", i, rs.Keep[i], rs.Position[i], p)
		}
	}
	if len(warns) != 1 {
		t.Fatalf("warnings = %+v", warns)
	}
	w := warns[0]
	if w.Kind != contract.WarnCellOutOfRange || w.Module != 1 || w.File != "m1-s0" || w.Row != 1 || w.TrainID != 5 || w.Count != 2 {
		t.Fatalf("warning = %+v", w)
	}
}

// 重复 train 跨序列文件计数：后一文件重传已满的 train 按策略截断，不视为完整性故障。
func TestValidateModuleAcrossFiles(t *testing.T) {
	tl := contract.Timeline{FirstTrainID: 10, TrainCount: 3, PulsesPerTrain: 2}
	ins := []Input{
		{Module: 0, File: "s0", TrainIDs: []uint64{10, 10, 11, 11}, CellIDs: []uint64{0, 1, 0, 1}},
		{Module: 0, File: "s1", TrainIDs: []uint64{11, 11, 12, 12}, CellIDs: []uint64{0, 1, 0, 1}},
	}
	for _, tc := range []struct {
		policy Policy
		keep   [2][]int
	}{
		{KeepFirst, [2][]int{{0, 1, 2, 3}, {2, 3}}},
		{KeepLast, [2][]int{{0, 1}, {0, 1, 2, 3}}},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			sets, warns, err := ValidateModule(tl, ins, tc.policy)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if len(sets) != 2 || sets[0].File != "s0" || sets[1].File != "s1" {
				t.Fatalf("sets = %+v", sets)
			}
			for f := range sets {
				if got := keptRows(sets[f]); !equalInts(got, tc.keep[f]) {
					t.Fatalf("file %d kept rows = %v, want %v", f, got, tc.keep[f])
				}
			}
			if len(warns) != 1 {
				t.Fatalf("warnings = %+v", warns)
			}
			w := warns[0]
			if w.Kind != contract.WarnDuplicateTrain || w.TrainID != 11 || w.File != "s0" || w.Row != 2 || w.Count != 4 {
				t.Fatalf("warning = %+v", w)
			}
		})
	}
}

// 不同文件的存活行落在同一位置：完整性故障定位到后出现的文件与行。
func TestValidateModuleCollisionAcrossFiles(t *testing.T) {
	tl := contract.Timeline{FirstTrainID: 10, TrainCount: 2, PulsesPerTrain: 2}
	ins := []Input{
		{Module: 4, File: "s0", TrainIDs: []uint64{10, 11}, CellIDs: []uint64{0, 1}},
		{Module: 4, File: "s1", TrainIDs: []uint64{11}, CellIDs: []uint64{1}},
	}
	_, _, err := ValidateModule(tl, ins, KeepFirst)
	var ie *contract.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("want integrity error, got %v", err)
	}
	if ie.Stage != "validate" || ie.Module != 4 || ie.File != "s1" || ie.Row != 0 || ie.Position != 3 || ie.Chunk != -1 {
		t.Fatalf("integrity error = %+v", ie)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// 同一 train 内 cellId 重复：完整性故障，不得静默覆盖。
func TestValidateCollision(t *testing.T) {
	tl := contract.Timeline{FirstTrainID: 1, TrainCount: 2, PulsesPerTrain: 4}
	in := Input{Module: 7, File: "f", TrainIDs: []uint64{1, 1}, CellIDs: []uint64{3, 3}}
	_, _, err := Validate(tl, in, KeepFirst)
	if !errors.Is(err, contract.ErrMappingIntegrity) {
		t.Fatalf("want mapping integrity, got %v", err)
	}
	var ie *contract.IntegrityError
	if !errors.As(err, &ie) || ie.Stage != "validate" || ie.Module != 7 || ie.Row != 1 || ie.Position != 3 {
		t.Fatalf("integrity error = %+v", ie)
	}
}

func TestValidateLengthMismatch(t *testing.T) {
	tl := contract.Timeline{FirstTrainID: 1, TrainCount: 2, PulsesPerTrain: 4}
	if _, _, err := Validate(tl, Input{TrainIDs: []uint64{1}}, KeepFirst); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("want invalid input, got %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != KeepFirst {
		t.Fatalf("empty policy: %v %v", p, err)
	}
	if p, err := ParsePolicy("last"); err != nil || p != KeepLast {
		t.Fatalf("last policy: %v %v", p, err)
	}
	if _, err := ParsePolicy("random"); err == nil {
		t.Fatalf("unknown policy should fail")
	}
}

// FuzzValidateInjective: 含重复 train 的随机输入下，要么报告完整性故障，
// 要么存活行的 position 两两不同、落在自身 train 的槽位内，且每个 train 不超过 PulsesPerTrain 行。
func FuzzValidateInjective(f *testing.F) {
	f.Add([]byte{0, 5, 5, 5, 6}, []byte{0, 0, 1, 0, 0}, uint8(2))
	f.Add([]byte{1, 1, 1, 1}, []byte{0, 1, 0, 1}, uint8(2))
	f.Add([]byte{3, 3, 3, 9, 9}, []byte{2, 1, 0, 0, 0}, uint8(3))
	f.Fuzz(func(t *testing.T, trains, cells []byte, pulses uint8) {
		if pulses == 0 {
			pulses = 1
		}
		n := min(len(trains), len(cells))
		in := Input{TrainIDs: make([]uint64, n), CellIDs: make([]uint64, n)}
		for i := 0; i < n; i++ {
			in.TrainIDs[i] = uint64(trains[i] % 16)
			in.CellIDs[i] = uint64(cells[i]) % (uint64(pulses) + 2)
		}
		tl := contract.Timeline{FirstTrainID: 1, TrainCount: 12, PulsesPerTrain: uint32(pulses)}
		for _, pol := range []Policy{KeepFirst, KeepLast} {
			rs, _, err := Validate(tl, in, pol)
			if err != nil {
				if !errors.Is(err, contract.ErrMappingIntegrity) {
					t.Fatalf("unexpected error class: %v", err)
				}
				continue
			}
			seen := map[int64]int{}
			perTrain := map[uint64]int{}
			for i, k := range rs.Keep {
				if !k {
					if rs.Position[i] != -1 {
						t.Fatalf("rejected row %d has position %d", i, rs.Position[i])
					}
					continue
				}
				tid := rs.TrainIDs[i]
				if tid == 0 || !tl.Contains(tid) || rs.CellIDs[i] >= uint64(pulses) {
					t.Fatalf("row %d kept with train %d cell %d", i, tid, rs.CellIDs[i])
				}
				if tl.TrainOf(int(rs.Position[i])) != tid {
					t.Fatalf("row %d of train %d placed in train %d", i, tid, tl.TrainOf(int(rs.Position[i])))
				}
				if prev, dup := seen[rs.Position[i]]; dup {
					t.Fatalf("rows %d and %d share position %d", prev, i, rs.Position[i])
				}
				seen[rs.Position[i]] = i
				perTrain[tid]++
				if perTrain[tid] > int(pulses) {
					t.Fatalf("train %d kept %d times", tid, perTrain[tid])
				}
			}
		}
	})
}
