package contract

// ModuleID: 探测器模块编号（0..ModuleCount-1），同时是输出布局的首维。
type ModuleID int

// Timeline: 规范帧时间轴（train × pulse 网格）。运行开始时构建一次，此后只读共享。
// 帧下标 f ∈ [0, FrameCount()) 对应 trainId = FirstTrainID + f/PulsesPerTrain，
// cellSlot = f % PulsesPerTrain。
type Timeline struct {
	FirstTrainID   uint64
	TrainCount     uint32
	PulsesPerTrain uint32
}

// FrameCount 返回规范帧总数。
func (t Timeline) FrameCount() int {
	return int(t.TrainCount) * int(t.PulsesPerTrain)
}

// EndTrainID 返回开区间上界 FirstTrainID + TrainCount。
func (t Timeline) EndTrainID() uint64 {
	return t.FirstTrainID + uint64(t.TrainCount)
}

// Contains 判断 trainID 是否落在 [FirstTrainID, EndTrainID)。
func (t Timeline) Contains(trainID uint64) bool {
	return trainID >= t.FirstTrainID && trainID < t.EndTrainID()
}

// TrainOf 返回帧 f 的 trainId。
func (t Timeline) TrainOf(f int) uint64 {
	return t.FirstTrainID + uint64(f)/uint64(t.PulsesPerTrain)
}

// CellSlot 返回帧 f 在 train 内的槽位。
func (t Timeline) CellSlot(f int) uint32 {
	return uint32(uint64(f) % uint64(t.PulsesPerTrain))
}

// Position 计算 (trainID, cellID) 的规范位置；调用方需保证 Contains(trainID)
// 且 cellID < PulsesPerTrain，否则结果会落入下一个 train 的槽位。
func (t Timeline) Position(trainID, cellID uint64) int64 {
	return int64(trainID-t.FirstTrainID)*int64(t.PulsesPerTrain) + int64(cellID)
}

// RecordSet: 模块内单个文件的行级校验结果（瞬态）。
// 约束：TrainIDs/CellIDs/Keep/Position 等长且与物理行对齐；
// Position 仅在 Keep[i] 为真时有效，其余为 -1。
type RecordSet struct {
	Module   ModuleID
	File     string
	TrainIDs []uint64
	CellIDs  []uint64
	Keep     []bool
	Position []int64
}

// Len 返回行数。
func (r RecordSet) Len() int { return len(r.Keep) }

// Kept 返回保留行数。
func (r RecordSet) Kept() int {
	n := 0
	for _, k := range r.Keep {
		if k {
			n++
		}
	}
	return n
}

// ChunkMapping: 一个物理 chunk 的稀疏映射。Rows[i] → Positions[i]，按物理行升序。
type ChunkMapping struct {
	Module    ModuleID
	File      string
	Chunk     int
	RowStart  int
	RowEnd    int
	Rows      []int
	Positions []int
}

// WarningKind: 可恢复异常分类。
type WarningKind string

const (
	WarnModuleAbsent     WarningKind = "module_absent"
	WarnSpanCorruption   WarningKind = "span_corruption"
	WarnDuplicateTrain   WarningKind = "duplicate_train"
	WarnMetadataConflict WarningKind = "metadata_conflict"
	WarnEmptyFile        WarningKind = "empty_file"
	WarnCellOutOfRange   WarningKind = "cell_out_of_range"
)

// Warning: 结构化警告事件。行/文件级异常以此上报，不中断运行。
type Warning struct {
	Kind    WarningKind
	Module  ModuleID
	File    string
	Row     int
	TrainID uint64
	Count   int
	Detail  string
}
