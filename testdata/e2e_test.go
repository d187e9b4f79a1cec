package testdata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	cfgpkg "vdsync/internal/config"
	"vdsync/internal/compose"
	"vdsync/internal/diag"
	"vdsync/internal/pipeline"
	"vdsync/pkg/contract"
	ssql "vdsync/plugins/store/sqlite"
)

const det = "SPB_DET_AGIPD1M-1"

// seqFile 描述一个模块序列文件的行。载荷第 r 行为 m*1000+seq*100+r。
type seqFile struct {
	seq    int
	trains []uint64
	cells  []uint64
	// flat=false 时 id 数组写成 (N,1)（raw 树的形状）
	flat bool
}

func writeSeq(t *testing.T, dir, prefix string, m int, f seqFile) {
	t.Helper()
	e, err := ssql.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	n := len(f.trains)
	shape := func(a contract.Array) contract.Array {
		if !f.flat {
			a.Shape = []int{n, 1}
		}
		return a
	}
	pulses := make([]uint64, n)
	for i, c := range f.cells {
		pulses[i] = c * 10
	}
	vals := make([]uint64, n*3)
	for i := range vals {
		vals[i] = uint64(m*1000 + f.seq*100 + i/3)
	}
	data := contract.FromUint64s(contract.U2, vals)
	data.Shape = []int{n, 3}

	mp := func(name string) string { return pipeline.ModulePath(det, contract.ModuleID(m), name) }
	ctx := context.Background()
	path := filepath.Join(dir, fmt.Sprintf("%s-R0007-AGIPD%02d-S%05d.sqlite", prefix, m, f.seq))
	sink, err := e.Create(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	for p, a := range map[string]contract.Array{
		pipeline.IndexTrainIDPath: contract.FromUint64s(contract.U8, f.trains),
		mp("trainId"):             shape(contract.FromUint64s(contract.U8, f.trains)),
		mp("cellId"):              shape(contract.FromUint64s(contract.U2, f.cells)),
		mp("pulseId"):             shape(contract.FromUint64s(contract.U8, pulses)),
		mp("data"):                data,
	} {
		if err := sink.CreateArray(ctx, p, a); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
}

func baseConfig(root, mode string, modules int) cfgpkg.Config {
	cfg := cfgpkg.Defaults()
	cfg.Run = 7
	cfg.Mode = mode
	cfg.InputRoot = root
	cfg.OutputDir = filepath.Join(root, "out")
	cfg.Concurrency = 2
	cfg.Detector.Modules = modules
	cfg.Detector.PulsesPerTrain = 2
	cfg.Detector.ChunkRows = 4
	cfg.Detector.MaxTrainsInFile = 10
	cfg.Detector.TrainMargin = 1
	cfg.Logging = cfgpkg.Logging{Level: "error"}
	return cfg
}

func runPipeline(t *testing.T, cfg cfgpkg.Config) (pipeline.Result, *ssql.Engine, error) {
	t.Helper()
	if err := cfgpkg.Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	eng := comp.Engine.(*ssql.Engine)
	t.Cleanup(func() { _ = eng.Close() })
	res, err := pipeline.Run(context.Background(), comp, set, diag.NewLoggerAt("e2e", "error", ""))
	return res, eng, err
}

func frames(t *testing.T, eng *ssql.Engine, artifact string, module, n int) []uint64 {
	t.Helper()
	v, err := eng.OpenView(context.Background(), artifact, compose.OutputPaths(det).Data)
	if err != nil {
		t.Fatalf("open view: %v", err)
	}
	defer v.Close()
	out := make([]uint64, n)
	for p := 0; p < n; p++ {
		f, err := v.ReadFrame(context.Background(), module, p)
		if err != nil {
			t.Fatalf("frame (%d,%d): %v", module, p, err)
		}
		vals, _ := f.Uint64s()
		out[p] = vals[0]
	}
	return out
}

func hasWarning(ws []contract.Warning, kind contract.WarningKind, m contract.ModuleID) bool {
	for _, w := range ws {
		if w.Kind == kind && w.Module == m {
			return true
		}
	}
	return false
}

// proc 树：模块 0 两个序列文件，模块 1 单文件，模块 2 缺席。
func TestE2EProcMultiSequence(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "proc", "r0007")
	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatal(err)
	}
	writeSeq(t, in, "CORR", 0, seqFile{seq: 0, trains: []uint64{100, 100, 101, 101}, cells: []uint64{0, 1, 0, 1}, flat: true})
	writeSeq(t, in, "CORR", 0, seqFile{seq: 1, trains: []uint64{102, 102, 103}, cells: []uint64{0, 1, 1}, flat: true})
	writeSeq(t, in, "CORR", 1, seqFile{seq: 0, trains: []uint64{101, 103}, cells: []uint64{1, 0}, flat: true})

	res, eng, err := runPipeline(t, baseConfig(root, "proc", 3))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// 跨度 103-100=3，加余量 1 → 4 个 train，8 帧
	if res.Timeline.FirstTrainID != 100 || res.Timeline.TrainCount != 4 {
		t.Fatalf("timeline = %+v", res.Timeline)
	}
	if filepath.Base(res.Artifact) != "r0007_vds_proc.sqlite" {
		t.Fatalf("artifact = %s", res.Artifact)
	}
	fill := uint64(0xFFFF)
	want0 := []uint64{0, 1, 2, 3, 100, 101, fill, 102}
	got0 := frames(t, eng, res.Artifact, 0, 8)
	for i := range want0 {
		if got0[i] != want0[i] {
			t.Fatalf("module 0 frames = %v, want %v", got0, want0)
		}
	}
	want1 := []uint64{fill, fill, fill, 1000, fill, fill, 1001, fill}
	got1 := frames(t, eng, res.Artifact, 1, 8)
	for i := range want1 {
		if got1[i] != want1[i] {
			t.Fatalf("module 1 frames = %v, want %v", got1, want1)
		}
	}
	if !hasWarning(res.Warnings, contract.WarnModuleAbsent, 2) {
		t.Fatalf("expected module_absent for module 2: %+v", res.Warnings)
	}
	if st := res.Modules[0]; st.Files != 2 || st.Frames != 7 {
		t.Fatalf("module 0 stats = %+v", st)
	}
}

// 重复 train 按策略截断；trainId 0 行被丢弃；损坏文件的跨度按末样本估计。
func TestE2EDuplicatePolicies(t *testing.T) {
	for _, tc := range []struct {
		policy string
		want   uint64 // 位置 0 的帧
	}{
		{"first", 0},
		{"last", 2},
	} {
		t.Run(tc.policy, func(t *testing.T) {
			root := t.TempDir()
			in := filepath.Join(root, "raw", "r0007")
			if err := os.MkdirAll(in, 0o755); err != nil {
				t.Fatal(err)
			}
			// 行 0..2 为 train 100（cell 0,1,0）；行 3 trainId 为 0；行 4 为 99999（越界，损坏跨度）
			writeSeq(t, in, "RAW", 0, seqFile{
				trains: []uint64{100, 100, 100, 0, 99999, 101},
				cells:  []uint64{0, 1, 0, 0, 1, 1},
			})
			cfg := baseConfig(root, "raw", 1)
			cfg.Detector.DuplicatePolicy = tc.policy
			res, eng, err := runPipeline(t, cfg)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if res.Timeline.FirstTrainID != 100 || res.Timeline.TrainCount != 2 {
				t.Fatalf("timeline = %+v", res.Timeline)
			}
			if !hasWarning(res.Warnings, contract.WarnDuplicateTrain, 0) || !hasWarning(res.Warnings, contract.WarnSpanCorruption, 0) {
				t.Fatalf("warnings = %+v", res.Warnings)
			}
			got := frames(t, eng, res.Artifact, 0, 4)
			if got[0] != tc.want || got[1] != 1 || got[2] != 0xFFFF || got[3] != 5 {
				t.Fatalf("frames = %v", got)
			}
		})
	}
}

func TestE2EAllModulesAbsent(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "raw", "r0007"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, _, err := runPipeline(t, baseConfig(root, "raw", 2))
	if !errors.Is(err, contract.ErrEmptyRun) {
		t.Fatalf("expect empty run, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "out", "r0007_vds_raw.sqlite")); err == nil {
		t.Fatalf("no artifact expected")
	}
}
