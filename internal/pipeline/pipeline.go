package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vdsync/internal/chunk"
	"vdsync/internal/compose"
	"vdsync/internal/diag"
	"vdsync/internal/records"
	"vdsync/internal/timeline"
	"vdsync/pkg/contract"
)

// - 单点并发：仅此层管理并发；时间轴、校验、chunk 映射与合并均为同步组件。
// - 分区再合并：模块计划在 worker 中独立产生（模块局部），合并阶段严格按模块序写入 Composer。
// - 首错取消：任一模块出现错误，记录首错并 cancel 整体；排空后返回该错误，暂存工件被删除。
// - 单次提交：工件只在全部模块合并成功后写出并原子替换到最终名。

const (
	// IndexTrainIDPath 为模块文件的索引 trainId 数据集。
	IndexTrainIDPath = "INDEX/trainId"
	instrumentPrefix = "INSTRUMENT/"
)

var tracer = otel.Tracer("vdsync/internal/pipeline")

// Components 聚合运行所需的外部能力。
type Components struct {
	Engine     contract.Engine
	Discoverer contract.Discoverer
	Stager     contract.Stager
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Run  int
	Mode string
	// InputDir: 运行目录；模块 m 的文件模式为 InputDir/fmt.Sprintf(ModuleGlob, m)。
	InputDir    string
	ModuleGlob  string
	Modules     int
	Timeline    timeline.Options
	ChunkRows   int
	Policy      records.Policy
	OutputName  string
	Concurrency int
}

// Result 汇总一次成功运行。
type Result struct {
	Artifact string
	Detector string
	Timeline contract.Timeline
	Modules  map[contract.ModuleID]compose.ModuleStats
	// Covered: 至少一个模块提供数据的帧数。
	Covered  int
	Warnings []contract.Warning
}

// Run 执行完整流程：发现 → 索引 → 时间轴 → 探测 → 模块计划（并发）→ 按序合并 → 暂存写出 → 提交。
// 约束：
// - 时间轴构建一次，此后只读共享；
// - 模块计划之间互不依赖，worker 独占持有各自的源容器；
// - 任一错误（含映射完整性故障）中止整次运行，不留下任何工件。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Result, error) {
	if err := sanity(comp, set); err != nil {
		return Result{}, fmt.Errorf("sanity: %w", err)
	}
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.Int("run", set.Run),
		attribute.String("mode", set.Mode),
		attribute.Int("modules", set.Modules),
		attribute.Int("concurrency", set.Concurrency),
	))
	defer span.End()

	t0 := time.Now()
	timer := logger.StartWithKV("pipeline", "run", "", map[string]string{
		"run":  strconv.Itoa(set.Run),
		"mode": set.Mode,
	})
	if t := diag.GetTerminal(); t != nil {
		t.RunStart(set.Run, set.Mode, set.Modules, set.Concurrency)
	}
	res, err := run(ctx, comp, set, logger)
	dur := time.Since(t0)
	diag.ObserveDuration("pipeline", "run", dur.Milliseconds())
	if t := diag.GetTerminal(); t != nil {
		t.RunFinish(err == nil, res.Artifact, dur)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		logFailure(logger, "pipeline", "run failed", timer, "", errKV(err), err)
		return Result{}, err
	}
	span.SetAttributes(attribute.String("artifact", res.Artifact), attribute.Int("covered", res.Covered))
	timer.Finish("run", int64(res.Covered))
	diag.IncOp("pipeline", "finish", "success")
	return res, nil
}

func run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Result, error) {
	var res Result
	report := func(stage string, ws []contract.Warning) {
		for _, w := range ws {
			logger.Warning(stage, w)
			diag.IncWarning(string(w.Kind))
		}
		res.Warnings = append(res.Warnings, ws...)
	}

	// 1) 发现
	files, err := discover(ctx, comp.Discoverer, set, logger)
	if err != nil {
		return Result{}, err
	}

	// 2) 索引 + 时间轴
	index, err := readIndex(ctx, comp.Engine, files, set.Concurrency, logger)
	if err != nil {
		return Result{}, err
	}
	tl, warns, err := buildTimeline(ctx, index, set.Timeline, logger)
	report("timeline", warns)
	if err != nil {
		return Result{}, err
	}
	res.Timeline = tl
	if t := diag.GetTerminal(); t != nil {
		t.Timeline(tl.FirstTrainID, int(tl.TrainCount), tl.FrameCount())
	}

	// 3) 探测探测器名与载荷
	payload, err := probe(ctx, comp.Engine, files)
	if err != nil {
		return Result{}, err
	}
	res.Detector = payload.Detector

	// 4) 模块计划（分区）
	plans := make([]compose.ModulePlan, set.Modules)
	planWarns := make([][]contract.Warning, set.Modules)
	err = forEachModule(ctx, set.Modules, set.Concurrency, func(ctx context.Context, m int) error {
		p, w, err := planModule(ctx, comp.Engine, set, tl, payload, contract.ModuleID(m), files[m], logger)
		plans[m], planWarns[m] = p, w
		return err
	})
	for _, w := range planWarns {
		report("records", w)
	}
	if err != nil {
		return Result{}, err
	}

	// 5) 按模块序合并
	c, err := compose.New(tl, set.Modules, payload)
	if err != nil {
		return Result{}, err
	}
	ctimer := logger.Start("compose", "merge")
	for m := range plans {
		w, err := c.Add(plans[m])
		report("compose", w)
		if err != nil {
			logFailure(logger, "compose", "merge failed", ctimer, "", errKV(err), err)
			return Result{}, err
		}
	}
	ctimer.Finish("merge", int64(len(c.Layout().Entries)))
	diag.IncOp("compose", "finish", "success")
	res.Modules = c.Stats()
	res.Covered = c.Covered()

	// 6) 暂存写出 + 提交
	artifact, err := emit(ctx, comp, set, c, payload.Detector, logger)
	if err != nil {
		return Result{}, err
	}
	res.Artifact = artifact
	return res, nil
}

func sanity(comp Components, set Settings) error {
	if comp.Engine == nil || comp.Discoverer == nil || comp.Stager == nil {
		return errors.New("nil component")
	}
	if set.Modules < 1 || set.Concurrency < 1 || set.ChunkRows < 1 {
		return fmt.Errorf("%w: modules=%d concurrency=%d chunk_rows=%d", contract.ErrInvalidInput, set.Modules, set.Concurrency, set.ChunkRows)
	}
	if set.ModuleGlob == "" || set.OutputName == "" {
		return fmt.Errorf("%w: module glob and output name required", contract.ErrInvalidInput)
	}
	return nil
}

// discover 列出每个模块的文件（字典序即采集序）。无匹配不是错误。
func discover(ctx context.Context, d contract.Discoverer, set Settings, logger *diag.Logger) ([][]string, error) {
	timer := logger.StartWithKV("discovery", "list", set.InputDir, map[string]string{"pattern": set.ModuleGlob})
	out := make([][]string, set.Modules)
	total := 0
	for m := range out {
		pattern := filepath.Join(set.InputDir, fmt.Sprintf(set.ModuleGlob, m))
		files, err := d.List(ctx, pattern)
		if err != nil {
			logFailure(logger, "discovery", "list failed", timer, pattern, nil, err)
			return nil, fmt.Errorf("discover module %d: %w", m, err)
		}
		logger.DebugStart("discovery", "module", pattern, map[string]string{
			"module": strconv.Itoa(m),
			"files":  strconv.Itoa(len(files)),
		})
		out[m] = files
		total += len(files)
	}
	timer.Finish("list", int64(total))
	diag.IncOp("discovery", "finish", "success")
	return out, nil
}

// readIndex 读取每个文件的 INDEX/trainId。
func readIndex(ctx context.Context, eng contract.Engine, files [][]string, workers int, logger *diag.Logger) ([]timeline.ModuleIndex, error) {
	out := make([]timeline.ModuleIndex, len(files))
	err := forEachModule(ctx, len(files), workers, func(ctx context.Context, m int) error {
		mi := timeline.ModuleIndex{Module: contract.ModuleID(m)}
		for _, f := range files[m] {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids, err := withSource(ctx, eng, f, func(src contract.Source) ([]uint64, error) {
				return readIDs(ctx, src, IndexTrainIDPath)
			})
			if err != nil {
				logFailure(logger, "index", "read failed", nil, f, map[string]string{"module": strconv.Itoa(m)}, err)
				return fmt.Errorf("index of %s: %w", f, err)
			}
			mi.Files = append(mi.Files, timeline.FileIndex{Path: f, TrainIDs: ids})
		}
		out[m] = mi
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func buildTimeline(ctx context.Context, index []timeline.ModuleIndex, opts timeline.Options, logger *diag.Logger) (contract.Timeline, []contract.Warning, error) {
	_, span := tracer.Start(ctx, "timeline.build")
	defer span.End()
	timer := logger.Start("timeline", "build")
	tl, warns, err := timeline.Build(index, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeline failed")
		logFailure(logger, "timeline", "build failed", timer, "", nil, err)
		return contract.Timeline{}, warns, err
	}
	span.SetAttributes(
		attribute.Int64("first_train_id", int64(tl.FirstTrainID)),
		attribute.Int("train_count", int(tl.TrainCount)),
	)
	timer.Finish("build", int64(tl.FrameCount()))
	diag.IncOp("timeline", "finish", "success")
	return tl, warns, nil
}

// probe 从第一个可用文件读取探测器名（INSTRUMENT/<det>）与载荷 dtype/形状（data.shape[1:]）。
func probe(ctx context.Context, eng contract.Engine, files [][]string) (compose.Payload, error) {
	for m, fs := range files {
		if len(fs) == 0 {
			continue
		}
		return withSource(ctx, eng, fs[0], func(src contract.Source) (compose.Payload, error) {
			list, err := src.List(ctx, instrumentPrefix)
			if err != nil {
				return compose.Payload{}, err
			}
			det := ""
			for _, p := range list {
				parts := strings.Split(p, "/")
				if len(parts) >= 3 && parts[2] == "DET" {
					det = parts[1]
					break
				}
			}
			if det == "" {
				return compose.Payload{}, fmt.Errorf("%w: %s has no INSTRUMENT/<detector>/DET group", contract.ErrCorrupt, fs[0])
			}
			info, err := src.Describe(ctx, ModulePath(det, contract.ModuleID(m), "data"))
			if err != nil {
				return compose.Payload{}, fmt.Errorf("probe %s: %w", fs[0], err)
			}
			return compose.Payload{Detector: det, DType: info.DType, Shape: append([]int(nil), info.Shape[1:]...)}, nil
		})
	}
	return compose.Payload{}, contract.ErrEmptyRun
}

// ModulePath 返回模块文件中的数据集路径 INSTRUMENT/<det>/DET/<m>CH0:xtdf/image/<name>。
func ModulePath(detector string, m contract.ModuleID, name string) string {
	return contract.JoinDataset("INSTRUMENT", detector, "DET", fmt.Sprintf("%dCH0:xtdf", m), "image", name)
}

// planModule 在 worker 内为单个模块产生计划：读取全部文件的 id，按模块整体校验，再逐文件 chunk 映射。
func planModule(ctx context.Context, eng contract.Engine, set Settings, tl contract.Timeline, payload compose.Payload,
	m contract.ModuleID, files []string, logger *diag.Logger) (compose.ModulePlan, []contract.Warning, error) {
	ctx, span := tracer.Start(ctx, "module.plan", trace.WithAttributes(
		attribute.Int("module", int(m)),
		attribute.Int("files", len(files)),
	))
	defer span.End()

	plan := compose.ModulePlan{Module: m}
	var warns []contract.Warning
	mapper := chunk.NewMapper(set.ChunkRows, tl.FrameCount())
	timer := logger.StartModule("plan", "module", int(m), "")
	frames := 0
	fail := func(file string, err error) (compose.ModulePlan, []contract.Warning, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan failed")
		kv := errKV(err)
		if kv == nil {
			kv = map[string]string{}
		}
		kv["module"] = strconv.Itoa(int(m))
		logFailure(logger, "plan", "module plan failed", timer, file, kv, err)
		if t := diag.GetTerminal(); t != nil {
			t.ModuleFinish(int(m), false, len(plan.Files), frames, time.Since(timer.Since()))
		}
		return plan, warns, err
	}
	loaded := make([]moduleFile, 0, len(files))
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return fail(f, err)
		}
		src, err := eng.OpenForRead(ctx, f)
		if err != nil {
			return fail(f, err)
		}
		mf, err := readModuleFile(ctx, src, payload, m)
		_ = src.Close()
		if err != nil {
			return fail(f, err)
		}
		loaded = append(loaded, mf)
		if t := diag.GetTerminal(); t != nil {
			t.FileProgress(int(m), f, i+1, len(files))
		}
	}

	ins := make([]records.Input, len(loaded))
	for i, mf := range loaded {
		ins[i] = records.Input{Module: m, File: mf.path, TrainIDs: mf.trainIDs, CellIDs: mf.cellIDs}
	}
	sets, w, err := records.ValidateModule(tl, ins, set.Policy)
	warns = append(warns, w...)
	if err != nil {
		file := ""
		var ie *contract.IntegrityError
		if errors.As(err, &ie) {
			file = ie.File
		}
		return fail(file, err)
	}

	for i, mf := range loaded {
		fp, err := planFile(mf, sets[i], mapper)
		if err != nil {
			return fail(mf.path, err)
		}
		plan.Files = append(plan.Files, fp)
		frames += len(fp.Frames)
		diag.AddChunks(len(fp.Chunks))
		diag.AddFrames(len(fp.Frames))
	}
	span.SetAttributes(attribute.Int("frames", frames))
	timer.Finish("module", int64(frames))
	diag.IncOp("plan", "finish", "success")
	if t := diag.GetTerminal(); t != nil {
		t.ModuleFinish(int(m), true, len(files), frames, time.Since(timer.Since()))
	}
	return plan, warns, nil
}

// moduleFile: 一个模块文件的行索引（id 数组与载荷行数），文件读完即关闭。
type moduleFile struct {
	path     string
	dataPath string
	rows     int
	trainIDs []uint64
	cellIDs  []uint64
	pulseIDs []uint64
}

func readModuleFile(ctx context.Context, src contract.Source, payload compose.Payload, m contract.ModuleID) (moduleFile, error) {
	file := src.Path()
	trainIDs, err := readIDs(ctx, src, ModulePath(payload.Detector, m, "trainId"))
	if err != nil {
		return moduleFile{}, err
	}
	cellIDs, err := readIDs(ctx, src, ModulePath(payload.Detector, m, "cellId"))
	if err != nil {
		return moduleFile{}, err
	}
	pulseIDs, err := readIDs(ctx, src, ModulePath(payload.Detector, m, "pulseId"))
	if err != nil {
		return moduleFile{}, err
	}
	if len(pulseIDs) != len(trainIDs) {
		return moduleFile{}, fmt.Errorf("%w: %s has %d train ids but %d pulse ids", contract.ErrCorrupt, file, len(trainIDs), len(pulseIDs))
	}
	dataPath := ModulePath(payload.Detector, m, "data")
	info, err := src.Describe(ctx, dataPath)
	if err != nil {
		return moduleFile{}, err
	}
	if info.DType != payload.DType || len(info.Shape) == 0 || !slices.Equal(info.Shape[1:], payload.Shape) {
		return moduleFile{}, fmt.Errorf("%w: %s data is %s%v, run payload is %s%v",
			contract.ErrCorrupt, file, info.DType, info.Shape, payload.DType, payload.Shape)
	}
	return moduleFile{
		path:     file,
		dataPath: dataPath,
		rows:     info.Shape[0],
		trainIDs: trainIDs,
		cellIDs:  cellIDs,
		pulseIDs: pulseIDs,
	}, nil
}

// planFile 把一个文件的校验结果映射为 chunk 与帧元数据。
func planFile(mf moduleFile, rs contract.RecordSet, mapper *chunk.Mapper) (compose.FilePlan, error) {
	chunks, err := mapper.Map(rs, mf.rows)
	if err != nil {
		return compose.FilePlan{}, err
	}
	abs, err := filepath.Abs(mf.path)
	if err != nil {
		return compose.FilePlan{}, err
	}
	fp := compose.FilePlan{Path: contract.NormalizeFileID(abs), DataPath: mf.dataPath, Chunks: chunks}
	for i, keep := range rs.Keep {
		if !keep || i >= mf.rows {
			continue
		}
		fp.Frames = append(fp.Frames, compose.FrameMeta{
			Position: int(rs.Position[i]),
			TrainID:  mf.trainIDs[i],
			CellID:   mf.cellIDs[i],
			PulseID:  mf.pulseIDs[i],
		})
	}
	return fp, nil
}

// emit 暂存输出、写出布局与元数据并原子提交。失败路径删除暂存文件。
func emit(ctx context.Context, comp Components, set Settings, c *compose.Composer, detector string, logger *diag.Logger) (artifact string, err error) {
	ctx, span := tracer.Start(ctx, "compose.emit", trace.WithAttributes(
		attribute.String("name", set.OutputName),
		attribute.Int("entries", len(c.Layout().Entries)),
	))
	defer span.End()
	timer := logger.StartWithKV("writer", "emit", set.OutputName, nil)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "emit failed")
			logFailure(logger, "writer", "emit failed", timer, set.OutputName, nil, err)
		}
	}()

	staged, err := comp.Stager.Stage(ctx, set.OutputName)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", set.OutputName, err)
	}
	sink, err := comp.Engine.Create(ctx, staged.Path())
	if err != nil {
		_ = staged.Abort()
		return "", fmt.Errorf("create %s: %w", staged.Path(), err)
	}
	if err := c.Emit(ctx, sink, compose.OutputPaths(detector)); err != nil {
		_ = sink.Abort()
		_ = staged.Abort()
		return "", err
	}
	if err := sink.Close(); err != nil {
		_ = staged.Abort()
		return "", err
	}
	if err := staged.Commit(); err != nil {
		_ = staged.Abort()
		return "", fmt.Errorf("%w: %v", contract.ErrCommit, err)
	}
	timer.Finish("emit", int64(len(c.Layout().Entries)))
	diag.IncOp("writer", "finish", "success")
	return staged.Final(), nil
}

// forEachModule 以 workers 个 worker 对 [0,n) 的每个模块执行 fn；首错取消其余并在排空后返回。
func forEachModule(ctx context.Context, n, workers int, fn func(ctx context.Context, m int) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if workers < 1 {
		workers = 1
	}
	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	// 有界通道：2×并发度，形成自然背压
	inCh := make(chan int, workers*2)
	worker := func() {
		defer wg.Done()
		for m := range inCh {
			if ctx.Err() != nil {
				continue
			}
			if err := fn(ctx, m); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go worker()
	}
	// 生产者
produce:
	for m := 0; m < n; m++ {
		select {
		case <-ctx.Done():
			break produce
		case inCh <- m:
		}
	}
	close(inCh)
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func withSource[T any](ctx context.Context, eng contract.Engine, path string, fn func(contract.Source) (T, error)) (T, error) {
	var zero T
	src, err := eng.OpenForRead(ctx, path)
	if err != nil {
		return zero, err
	}
	defer src.Close()
	return fn(src)
}

// readIDs 读取 id 数组并展平；接受 (N,) 或 (N,1)。
func readIDs(ctx context.Context, src contract.Source, path string) ([]uint64, error) {
	a, err := src.ReadArray(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(a.Shape) > 2 || (len(a.Shape) == 2 && a.Shape[1] != 1) {
		return nil, fmt.Errorf("%w: %s:%s has shape %v, want (N,) or (N,1)", contract.ErrCorrupt, src.Path(), path, a.Shape)
	}
	v, err := a.Uint64s()
	if err != nil {
		return nil, fmt.Errorf("%s:%s: %w", src.Path(), path, err)
	}
	return v, nil
}

// errKV 为映射完整性故障附带定位键值（模块/文件/chunk）。
func errKV(err error) map[string]string {
	var ie *contract.IntegrityError
	if !errors.As(err, &ie) {
		return nil
	}
	kv := map[string]string{
		"stage":  ie.Stage,
		"module": strconv.Itoa(int(ie.Module)),
	}
	if ie.File != "" {
		kv["file"] = ie.File
	}
	if ie.Chunk >= 0 {
		kv["chunk"] = strconv.Itoa(ie.Chunk)
	} else {
		kv["row"] = strconv.Itoa(ie.Row)
		kv["position"] = strconv.FormatInt(ie.Position, 10)
	}
	return kv
}

func logFailure(logger *diag.Logger, comp, msg string, timer *diag.Timer, fileID string, kv map[string]string, err error) {
	code := diag.Classify(err)
	var since *time.Time
	if timer != nil {
		t := timer.Since()
		since = &t
	}
	logger.ErrorWithKV(comp, string(code), msg+": "+err.Error(), since, fileID, kv)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}
