package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"vdsync/internal/diag"
	"vdsync/internal/pipeline"
	"vdsync/internal/records"
	"vdsync/internal/timeline"
	"vdsync/pkg/contract"
	"vdsync/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if cfg.Run <= 0 {
		return errors.New("config: run must be > 0")
	}
	lay, ok := cfg.Layouts[cfg.Mode]
	if !ok {
		return fmt.Errorf("config: mode %q has no layout", cfg.Mode)
	}
	if strings.TrimSpace(lay.Dir) == "" || strings.TrimSpace(lay.ModuleGlob) == "" {
		return fmt.Errorf("config: layout %q needs dir and module_glob", cfg.Mode)
	}
	if badFormat(lay.Dir, cfg.Run) || badFormat(lay.ModuleGlob, 0) {
		return fmt.Errorf("config: layout %q must format exactly one integer", cfg.Mode)
	}
	if strings.TrimSpace(cfg.InputRoot) == "" {
		return errors.New("config: input_root empty")
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return errors.New("config: output_dir empty")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	d := cfg.Detector
	if d.Modules < 1 {
		return errors.New("config: detector.modules must be >= 1")
	}
	if d.PulsesPerTrain < 1 {
		return errors.New("config: detector.pulses_per_train must be >= 1")
	}
	if d.ChunkRows < 1 {
		return errors.New("config: detector.chunk_rows must be >= 1")
	}
	if d.MaxTrainsInFile < 1 {
		return errors.New("config: detector.max_trains_in_file must be >= 1")
	}
	if d.TrainMargin < 0 {
		return errors.New("config: detector.train_margin must be >= 0")
	}
	if _, err := records.ParsePolicy(d.DuplicatePolicy); err != nil {
		return fmt.Errorf("config: detector.duplicate_policy: %w", err)
	}
	name := outputName(cfg)
	if strings.Contains(name, "%!") || name != filepath.Base(name) {
		return fmt.Errorf("config: output.name_template %q must format (run, mode) into a file name", cfg.Output.NameTemplate)
	}
	if !diag.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("config: logging.level %q", cfg.Logging.Level)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	if name := effName(cfg.Components.Engine, Defaults().Components.Engine); registry.Engine[name] == nil {
		return fmt.Errorf("config: engine %q not registered", name)
	}
	if name := effName(cfg.Components.Discoverer, Defaults().Components.Discoverer); registry.Discoverer[name] == nil {
		return fmt.Errorf("config: discoverer %q not registered", name)
	}
	if name := effName(cfg.Components.Stager, Defaults().Components.Stager); registry.Stager[name] == nil {
		return fmt.Errorf("config: stager %q not registered", name)
	}
	return nil
}

// Assemble 构造 Components 与 Settings。
// 严格 Options 解析在 registry （工厂）层进行；此处只补齐与顶层配置关联的键。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}

	d := Defaults()
	en := effName(cfg.Components.Engine, d.Components.Engine)
	dn := effName(cfg.Components.Discoverer, d.Components.Discoverer)
	sn := effName(cfg.Components.Stager, d.Components.Stager)

	// 引擎 chunk 行数默认跟随探测器；输出目录总以顶层为准
	eopts, err := setKey(cfg.Options.Engine, "chunk_rows", cfg.Detector.ChunkRows, false)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: options.engine: %w", err)
	}
	eopts, err = setKey(eopts, "creator", "vdsync", false)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: options.engine: %w", err)
	}
	sopts, err := setKey(cfg.Options.Stager, "output_dir", cfg.OutputDir, true)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: options.stager: %w", err)
	}

	eng, err := registry.Engine[en](eopts)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	disc, err := registry.Discoverer[dn](cfg.Options.Discoverer)
	if err == nil {
		var stg contract.Stager
		if stg, err = registry.Stager[sn](sopts); err == nil {
			return pipeline.Components{Engine: eng, Discoverer: disc, Stager: stg}, settings(cfg), nil
		}
	}
	if c, ok := eng.(io.Closer); ok {
		_ = c.Close()
	}
	return pipeline.Components{}, pipeline.Settings{}, err
}

// settings 由已校验的配置推导运行期 Settings。
func settings(cfg Config) pipeline.Settings {
	policy, _ := records.ParsePolicy(cfg.Detector.DuplicatePolicy)
	lay := cfg.Layouts[cfg.Mode]
	return pipeline.Settings{
		Run:        cfg.Run,
		Mode:       cfg.Mode,
		InputDir:   filepath.Join(cfg.InputRoot, fmt.Sprintf(lay.Dir, cfg.Run)),
		ModuleGlob: lay.ModuleGlob,
		Modules:    cfg.Detector.Modules,
		Timeline: timeline.Options{
			PulsesPerTrain:  uint32(cfg.Detector.PulsesPerTrain),
			MaxTrainsInFile: uint64(cfg.Detector.MaxTrainsInFile),
			Margin:          uint32(cfg.Detector.TrainMargin),
		},
		ChunkRows:   cfg.Detector.ChunkRows,
		Policy:      policy,
		OutputName:  outputName(cfg),
		Concurrency: cfg.Concurrency,
	}
}

func outputName(cfg Config) string {
	return fmt.Sprintf(cfg.Output.NameTemplate, cfg.Run, cfg.Mode)
}

// badFormat 判断模板是否不能恰好消费一个整数参数。
func badFormat(tmpl string, v int) bool {
	return strings.Contains(fmt.Sprintf(tmpl, v), "%!")
}

// setKey 在原样 JSON 对象中写入 key；force=false 时仅在缺失时写入。
func setKey(raw json.RawMessage, key string, val any, force bool) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		if obj == nil {
			obj = map[string]json.RawMessage{}
		}
	}
	if _, ok := obj[key]; ok && !force {
		return raw, nil
	}
	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	obj[key] = b
	return json.Marshal(obj)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
