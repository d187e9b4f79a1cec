package timeline

import (
	"errors"
	"testing"

	"vdsync/pkg/contract"
)

func seq(from, n uint64) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = from + uint64(i)
	}
	return out
}

func countKind(ws []contract.Warning, k contract.WarningKind) int {
	n := 0
	for _, w := range ws {
		if w.Kind == k {
			n++
		}
	}
	return n
}

// UT-TL-01: 多模块取全局最小起点与最大跨度，再加余量
func TestBuildBasic(t *testing.T) {
	mods := []ModuleIndex{
		{Module: 0, Files: []FileIndex{{Path: "m0-s0", TrainIDs: seq(1000, 100)}, {Path: "m0-s1", TrainIDs: seq(1100, 50)}}},
		{Module: 1, Files: []FileIndex{{Path: "m1-s0", TrainIDs: seq(1002, 100)}}},
	}
	tl, warns, err := Build(mods, Options{PulsesPerTrain: 4, MaxTrainsInFile: 260, Margin: 4})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(warns) != 0 {
		t.Fatalf("unexpected warnings: %+v", warns)
	}
	if tl.FirstTrainID != 1000 {
		t.Fatalf("first = %d", tl.FirstTrainID)
	}
	// 模块 0 跨度 1149-1000=149
	if tl.TrainCount != 153 {
		t.Fatalf("train count = %d", tl.TrainCount)
	}
	if tl.FrameCount() != 153*4 {
		t.Fatalf("frames = %d", tl.FrameCount())
	}
}

// UT-TL-02: 单文件跨度 300 > 260：排除其跨度，不崩溃
func TestBuildSpanCorruption(t *testing.T) {
	ids := seq(5000, 101)
	ids[50] = 5300 // 位翻转导致的离群值
	mods := []ModuleIndex{{Module: 0, Files: []FileIndex{{Path: "bad", TrainIDs: ids}}}}
	tl, warns, err := Build(mods, Options{PulsesPerTrain: 2, MaxTrainsInFile: 260, Margin: 4})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if countKind(warns, contract.WarnSpanCorruption) != 1 {
		t.Fatalf("expect one span corruption warning, got %+v", warns)
	}
	if warns[0].Count != 300 {
		t.Fatalf("reported span = %d", warns[0].Count)
	}
	if tl.FirstTrainID != 5000 {
		t.Fatalf("first = %d", tl.FirstTrainID)
	}
	// 最后一个样本 5100 估计上界，而非离群值 5300
	if tl.TrainCount != 104 {
		t.Fatalf("train count = %d", tl.TrainCount)
	}
}

// 损坏文件不是模块最后一个文件时：只贡献下界。
func TestModuleSpanCorruptNotLast(t *testing.T) {
	bad := seq(900, 10)
	bad[9] = 2000
	m := ModuleIndex{Module: 3, Files: []FileIndex{{Path: "a", TrainIDs: bad}, {Path: "b", TrainIDs: seq(950, 20)}}}
	s, warns := ModuleSpan(m, 260)
	if countKind(warns, contract.WarnSpanCorruption) != 1 {
		t.Fatalf("warnings = %+v", warns)
	}
	if !s.Present || s.Min != 900 || s.Max != 969 {
		t.Fatalf("span = %+v", s)
	}
	if s.Width() != 69 {
		t.Fatalf("width = %d", s.Width())
	}
}

// trainId=0 样本不参与统计；全零文件产生 empty_file 警告。
func TestModuleSpanZeros(t *testing.T) {
	ids := append([]uint64{0, 0}, seq(10, 5)...)
	m := ModuleIndex{Module: 0, Files: []FileIndex{{Path: "zeros", TrainIDs: []uint64{0, 0}}, {Path: "ok", TrainIDs: ids}}}
	s, warns := ModuleSpan(m, 260)
	if s.Min != 10 || s.Max != 14 {
		t.Fatalf("span = %+v", s)
	}
	if countKind(warns, contract.WarnEmptyFile) != 1 {
		t.Fatalf("warnings = %+v", warns)
	}
}

// 模块缺席：非致命，仅警告；全部缺席：ErrEmptyRun。
func TestBuildAbsentModules(t *testing.T) {
	mods := []ModuleIndex{
		{Module: 0},
		{Module: 1, Files: []FileIndex{{Path: "m1", TrainIDs: seq(77, 3)}}},
	}
	tl, warns, err := Build(mods, DefaultOptions())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if countKind(warns, contract.WarnModuleAbsent) != 1 || warns[0].Module != 0 {
		t.Fatalf("warnings = %+v", warns)
	}
	if tl.FirstTrainID != 77 || tl.TrainCount != 6 || tl.PulsesPerTrain != 128 {
		t.Fatalf("timeline = %+v", tl)
	}

	_, _, err = Build([]ModuleIndex{{Module: 0}, {Module: 1}}, DefaultOptions())
	if !errors.Is(err, contract.ErrEmptyRun) {
		t.Fatalf("want ErrEmptyRun, got %v", err)
	}
}

func TestBuildInvalidOptions(t *testing.T) {
	_, _, err := Build([]ModuleIndex{{Module: 0, Files: []FileIndex{{TrainIDs: seq(1, 2)}}}}, Options{})
	if !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("want invalid input, got %v", err)
	}
}

// 单 train 且无余量时至少保留一个 train。
func TestBuildSingleTrainNoMargin(t *testing.T) {
	tl, _, err := Build([]ModuleIndex{{Module: 0, Files: []FileIndex{{TrainIDs: []uint64{42, 42}}}}}, Options{PulsesPerTrain: 1, MaxTrainsInFile: 260})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if tl.TrainCount != 1 {
		t.Fatalf("train count = %d", tl.TrainCount)
	}
}
