package contract

import (
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"
)

// TestNormalizeFileID 验证路径规范化逻辑。
func TestNormalizeFileID(t *testing.T) {
	wpath := filepath.Join("a", "b", "c")
	basicCases := map[string]string{
		wpath:      "a/b/c",
		"./x/../y": "y",
		"":         ".",
	}
	for in, want := range basicCases {
		if got := NormalizeFileID(in); got != want {
			t.Fatalf("基础测试 %s -> %s, 预期 %s", in, got, want)
		}
	}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Windows路径", "C:\\Users\\test\\r0042\\AGIPD00-S00000.h5", "C:/Users/test/r0042/AGIPD00-S00000.h5"},
		{"清理多余斜杠", "raw//r0042///AGIPD01", "raw/r0042/AGIPD01"},
		{"处理父目录", "raw/r0042/../r0043/AGIPD01", "raw/r0043/AGIPD01"},
		{"根路径", "/", "/"},
		{"混合分隔符", "gpfs\\exp/raw\\r0001", "gpfs/exp/raw/r0001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeFileID(tt.input); got != tt.expected {
				t.Errorf("NormalizeFileID(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestJoinDataset(t *testing.T) {
	got := JoinDataset("/INSTRUMENT/", "SPB_DET_AGIPD1M-1", "", "DET/image/", "data")
	if got != "INSTRUMENT/SPB_DET_AGIPD1M-1/DET/image/data" {
		t.Fatalf("JoinDataset = %q", got)
	}
}

// TestTimelineIndexing 帧下标与 (train, cell) 的换算。
func TestTimelineIndexing(t *testing.T) {
	tl := Timeline{FirstTrainID: 1000, TrainCount: 10, PulsesPerTrain: 4}
	if tl.FrameCount() != 40 {
		t.Fatalf("frames = %d", tl.FrameCount())
	}
	if tl.EndTrainID() != 1010 {
		t.Fatalf("end = %d", tl.EndTrainID())
	}
	for f := 0; f < tl.FrameCount(); f++ {
		tr, cell := tl.TrainOf(f), tl.CellSlot(f)
		if got := tl.Position(tr, uint64(cell)); got != int64(f) {
			t.Fatalf("round trip f=%d -> (%d,%d) -> %d", f, tr, cell, got)
		}
	}
	if tl.Contains(999) || !tl.Contains(1000) || !tl.Contains(1009) || tl.Contains(1010) {
		t.Fatalf("Contains 边界错误")
	}
}

func TestValidateTimeline(t *testing.T) {
	if err := ValidateTimeline(Timeline{FirstTrainID: 1, TrainCount: 1, PulsesPerTrain: 1}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	bad := []Timeline{
		{FirstTrainID: 1, TrainCount: 1},
		{FirstTrainID: 1, PulsesPerTrain: 1},
		{TrainCount: 1, PulsesPerTrain: 1},
	}
	for _, tl := range bad {
		if err := ValidateTimeline(tl); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("want invalid input for %+v, got %v", tl, err)
		}
	}
}

// TestValidateChunkMapping 覆盖各类错误分支。
func TestValidateChunkMapping(t *testing.T) {
	ok := ChunkMapping{RowStart: 0, RowEnd: 4, Rows: []int{0, 2, 3}, Positions: []int{5, 1, 9}}
	if err := ValidateChunkMapping(ok, 10); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	cases := []struct {
		name string
		m    ChunkMapping
	}{
		{"len mismatch", ChunkMapping{RowEnd: 4, Rows: []int{0}, Positions: nil}},
		{"row outside", ChunkMapping{RowStart: 4, RowEnd: 8, Rows: []int{3}, Positions: []int{0}}},
		{"not increasing", ChunkMapping{RowEnd: 4, Rows: []int{2, 1}, Positions: []int{0, 1}}},
		{"position outside", ChunkMapping{RowEnd: 4, Rows: []int{0}, Positions: []int{10}}},
		{"duplicate position", ChunkMapping{RowEnd: 4, Rows: []int{0, 1}, Positions: []int{3, 3}}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateChunkMapping(tt.m, 10); !errors.Is(err, ErrInvariantViolation) {
				t.Fatalf("want invariant violation, got %v", err)
			}
		})
	}
}

func TestIntegrityErrorIs(t *testing.T) {
	err := error(&IntegrityError{Stage: "chunk", Module: 3, File: "a.h5", Chunk: 2, Chunks: 5, Rows: 4, Dests: 3})
	if !errors.Is(err, ErrMappingIntegrity) {
		t.Fatalf("IntegrityError 应匹配 ErrMappingIntegrity")
	}
	want := "mapping integrity fault: stage=chunk module=3 file=a.h5 chunk=2/5 rows=4 dests=3"
	if err.Error() != want {
		t.Fatalf("message = %q", err.Error())
	}
	row := &IntegrityError{Stage: "validate", Module: 1, Chunk: -1, Row: 7, Position: 12, Detail: "dup"}
	if row.Error() != "mapping integrity fault: stage=validate module=1 row=7 position=12: dup" {
		t.Fatalf("message = %q", row.Error())
	}
}

func TestArrayUint64sRoundTrip(t *testing.T) {
	for _, d := range []DType{U1, U2, U4, U8} {
		a := FromUint64s(d, []uint64{0, 1, 200})
		if err := a.Validate(); err != nil {
			t.Fatalf("%s validate: %v", d, err)
		}
		got, err := a.Uint64s()
		if err != nil {
			t.Fatalf("%s: %v", d, err)
		}
		if len(got) != 3 || got[2] != 200 {
			t.Fatalf("%s: got %v", d, got)
		}
	}
	if _, err := (Array{DType: F4, Shape: []int{1}, Data: make([]byte, 4)}).Uint64s(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("f4 应拒绝整数读取, got %v", err)
	}
}

// 原始数据 id 数组形如 (N,1)，展平后按行对齐。
func TestArrayRavel(t *testing.T) {
	a := FromUint64s(U8, []uint64{7, 8, 9})
	a.Shape = []int{3, 1}
	if a.Rows() != 3 || a.RowElems() != 1 || a.RowBytes() != 8 {
		t.Fatalf("rows=%d elems=%d bytes=%d", a.Rows(), a.RowElems(), a.RowBytes())
	}
	got, _ := a.Uint64s()
	if got[0] != 7 || got[2] != 9 {
		t.Fatalf("ravel = %v", got)
	}
}

func TestFillMax(t *testing.T) {
	if b := FillMax(U2); binary.LittleEndian.Uint16(b) != math.MaxUint16 {
		t.Fatalf("u2 fill = %v", b)
	}
	if b := FillMax(U8); binary.LittleEndian.Uint64(b) != math.MaxUint64 {
		t.Fatalf("u8 fill = %v", b)
	}
	if f := math.Float32frombits(binary.LittleEndian.Uint32(FillMax(F4))); !math.IsNaN(float64(f)) {
		t.Fatalf("f4 fill = %v", f)
	}
	a := Filled(U2, []int{2, 3}, FillMax(U2))
	if err := a.Validate(); err != nil {
		t.Fatalf("filled validate: %v", err)
	}
}

func TestVirtualLayoutDeclare(t *testing.T) {
	l, err := NewVirtualLayout(U2, []int{2, 8, 3}, nil)
	if err != nil {
		t.Fatalf("new layout: %v", err)
	}
	if err := l.Declare(VirtualEntry{Lead: 1, SourceFile: "m1.h5", SourcePath: "d", Rows: []int{0, 1}, Positions: []int{4, 5}}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	bad := []VirtualEntry{
		{Lead: 2, Rows: []int{0}, Positions: []int{0}},
		{Lead: 0, Rows: []int{0, 1}, Positions: []int{0}},
		{Lead: 0},
		{Lead: 0, Rows: []int{0}, Positions: []int{8}},
	}
	for i, e := range bad {
		if err := l.Declare(e); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: want invalid input, got %v", i, err)
		}
	}
	if len(l.Entries) != 1 || len(l.PayloadShape()) != 1 {
		t.Fatalf("entries=%d payload=%v", len(l.Entries), l.PayloadShape())
	}
	if _, err := NewVirtualLayout(U2, []int{2}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("1-d layout 应失败")
	}
	if _, err := NewVirtualLayout(U2, []int{2, 2}, []byte{1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("fill 宽度错误应失败")
	}
}

// BenchmarkNormalizeFileID 性能基准测试
func BenchmarkNormalizeFileID(b *testing.B) {
	testPaths := []string{
		"C:\\gpfs\\exfel\\raw\\r0042\\RAW-R0042-AGIPD00-S00000.h5",
		"raw/r0042/../../proc/r0042/CORR-R0042-AGIPD15-S00002.h5",
		"path//to///many////slashes/file.h5",
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, p := range testPaths {
			NormalizeFileID(p)
		}
	}
}
