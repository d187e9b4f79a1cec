package chunk

import (
	"errors"
	"testing"

	"vdsync/pkg/contract"
)

// recordSet 构造合成 RecordSet：positions[i] < 0 表示该行被拒绝。
func recordSet(positions []int64) contract.RecordSet {
	rs := contract.RecordSet{Module: 4, File: "m4-s0", Keep: make([]bool, len(positions)), Position: make([]int64, len(positions))}
	for i, p := range positions {
		rs.Keep[i] = p >= 0
		rs.Position[i] = p
	}
	return rs
}

// UT-CHK-01: 按 chunk 切分，最后一个 chunk 较短，空 chunk 跳过
func TestMapChunks(t *testing.T) {
	pos := make([]int64, 10)
	for i := range pos {
		pos[i] = int64(i + 100)
	}
	// chunk 1（行 4..7）全部无效
	for i := 4; i < 8; i++ {
		pos[i] = -1
	}
	m := NewMapper(4, 200)
	maps, err := m.Map(recordSet(pos), 10)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if m.Count(10) != 3 {
		t.Fatalf("count = %d", m.Count(10))
	}
	if len(maps) != 2 {
		t.Fatalf("mappings = %d", len(maps))
	}
	if maps[0].Chunk != 0 || maps[0].RowStart != 0 || maps[0].RowEnd != 4 || len(maps[0].Rows) != 4 {
		t.Fatalf("chunk0 = %+v", maps[0])
	}
	last := maps[1]
	if last.Chunk != 2 || last.RowStart != 8 || last.RowEnd != 10 || len(last.Rows) != 2 {
		t.Fatalf("chunk2 = %+v", last)
	}
	if last.Positions[0] != 108 || last.Positions[1] != 109 {
		t.Fatalf("positions = %v", last.Positions)
	}
	for _, cm := range maps {
		if err := contract.ValidateChunkMapping(cm, 200); err != nil {
			t.Fatalf("mapping invariant: %v", err)
		}
	}
}

// UT-CHK-02: 同一 chunk 内两行映射到同一目标 → 映射完整性故障，而非静默覆盖
func TestMapDuplicateDestination(t *testing.T) {
	m := NewMapper(32, 64)
	_, err := m.Map(recordSet([]int64{3, 5, 5, 7}), 4)
	if !errors.Is(err, contract.ErrMappingIntegrity) {
		t.Fatalf("want mapping integrity fault, got %v", err)
	}
	var ie *contract.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("want *IntegrityError, got %T", err)
	}
	if ie.Stage != "chunk" || ie.Module != 4 || ie.File != "m4-s0" || ie.Chunk != 0 || ie.Chunks != 1 || ie.Rows != 4 || ie.Dests != 3 {
		t.Fatalf("integrity error = %+v", ie)
	}
}

// 目标超出帧范围（例如 cellId 越界）同样计为不一致。
func TestMapDestinationOutOfRange(t *testing.T) {
	m := NewMapper(2, 8)
	_, err := m.Map(recordSet([]int64{0, 1, 6, 8}), 4)
	var ie *contract.IntegrityError
	if !errors.As(err, &ie) || ie.Chunk != 1 || ie.Rows != 2 || ie.Dests != 1 {
		t.Fatalf("integrity error = %v", err)
	}
}

// arena 在 chunk 之间清零：相邻 chunk 可复用不同目标。
func TestMapArenaReset(t *testing.T) {
	m := NewMapper(2, 8)
	if _, err := m.Map(recordSet([]int64{0, 1, 2, 3}), 4); err != nil {
		t.Fatalf("first map: %v", err)
	}
	for i, v := range m.mark {
		if v {
			t.Fatalf("arena slot %d not cleared", i)
		}
	}
	maps, err := m.Map(recordSet([]int64{1, 0}), 2)
	if err != nil || len(maps) != 1 {
		t.Fatalf("second map: %v %d", err, len(maps))
	}
}

// 物理行数少于索引行数：超出部分不参与映射。
func TestMapPhysRowsShorter(t *testing.T) {
	m := NewMapper(4, 16)
	maps, err := m.Map(recordSet([]int64{0, 1, 2, 3, 4, 5}), 3)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(maps) != 1 || len(maps[0].Rows) != 3 || maps[0].RowEnd != 3 {
		t.Fatalf("mappings = %+v", maps)
	}
}

func TestMapEmptyAndInvalid(t *testing.T) {
	m := NewMapper(0, 4)
	if m.ChunkRows() != DefaultRows {
		t.Fatalf("default rows = %d", m.ChunkRows())
	}
	maps, err := m.Map(recordSet(nil), 0)
	if err != nil || len(maps) != 0 {
		t.Fatalf("empty: %v %v", maps, err)
	}
	if _, err := m.Map(recordSet(nil), -1); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("negative rows: %v", err)
	}
	bad := recordSet([]int64{1})
	bad.Position = nil
	if _, err := m.Map(bad, 1); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("length mismatch: %v", err)
	}
}

func BenchmarkMap(b *testing.B) {
	const rows = 64 * 1024
	pos := make([]int64, rows)
	for i := range pos {
		pos[i] = int64(i)
		if i%7 == 0 {
			pos[i] = -1
		}
	}
	rs := recordSet(pos)
	m := NewMapper(DefaultRows, rows)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Map(rs, rows); err != nil {
			b.Fatal(err)
		}
	}
}
