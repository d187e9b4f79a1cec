package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 为环境变量覆盖的统一前缀。
const EnvPrefix = "VDSYNC_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：Run 不设默认（必须由 JSON/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Mode:        "raw",
		InputRoot:   ".",
		OutputDir:   ".",
		Concurrency: 1,
		Detector: Detector{
			Modules:         16,
			PulsesPerTrain:  128,
			ChunkRows:       32,
			MaxTrainsInFile: 260,
			TrainMargin:     4,
			DuplicatePolicy: "first",
		},
		Layouts: map[string]Layout{
			"raw":  {Dir: "raw/r%04d", ModuleGlob: "*AGIPD%02d*"},
			"proc": {Dir: "proc/r%04d", ModuleGlob: "*AGIPD%02d*"},
		},
		Output:  Output{NameTemplate: "r%04d_vds_%s.sqlite"},
		Logging: Logging{Level: "info", Dir: "logs"},
		Components: Components{
			Engine:     "sqlite",
			Discoverer: "glob",
			Stager:     "fs",
		},
	}
}

// Empty 返回不覆盖任何字段的覆盖层。
// TrainMargin 的 0 具有语义（不加余量），以 -1 表示未设置，供 Merge 区分。
func Empty() Config {
	return Config{Detector: Detector{TrainMargin: -1}}
}

// LoadFile 解析配置文件（严格拒绝未知字段）。
// .yaml/.yml 经 yaml.v3 解码后转为 JSON 再走同一严格解码，其余按 JSON 处理。
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(b)
	default:
		return LoadJSON("", b)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Empty()
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadYAML 解析 YAML 配置。键名与 JSON 相同；组件 Options 子树按 JSON 原样保留。
func LoadYAML(raw []byte) (Config, error) {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	if tree == nil {
		return Config{}, errors.New("yaml: empty document")
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	return LoadJSON("", b)
}

// LoadDotEnv 加载 .env 文件到进程环境；已存在的环境变量不被覆盖，缺失文件忽略。
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为"替换"；Layouts 按键替换，不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if over.Run != 0 {
		out.Run = over.Run
	}
	if s := strings.TrimSpace(over.Mode); s != "" {
		out.Mode = s
	}
	if over.InputRoot != "" {
		out.InputRoot = over.InputRoot
	}
	if over.OutputDir != "" {
		out.OutputDir = over.OutputDir
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}

	// Detector（零值不覆盖；TrainMargin 以 >=0 视为存在）
	d := over.Detector
	if d.Modules != 0 {
		out.Detector.Modules = d.Modules
	}
	if d.PulsesPerTrain != 0 {
		out.Detector.PulsesPerTrain = d.PulsesPerTrain
	}
	if d.ChunkRows != 0 {
		out.Detector.ChunkRows = d.ChunkRows
	}
	if d.MaxTrainsInFile != 0 {
		out.Detector.MaxTrainsInFile = d.MaxTrainsInFile
	}
	if d.TrainMargin >= 0 {
		out.Detector.TrainMargin = d.TrainMargin
	}
	if d.DuplicatePolicy != "" {
		out.Detector.DuplicatePolicy = d.DuplicatePolicy
	}

	if len(over.Layouts) > 0 {
		layouts := make(map[string]Layout, len(out.Layouts)+len(over.Layouts))
		for k, v := range out.Layouts {
			layouts[k] = v
		}
		for k, v := range over.Layouts {
			layouts[k] = v
		}
		out.Layouts = layouts
	}
	if over.Output.NameTemplate != "" {
		out.Output.NameTemplate = over.Output.NameTemplate
	}
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}
	if over.Logging.Dir != "" {
		out.Logging.Dir = over.Logging.Dir
	}
	if over.Metrics.File != "" {
		out.Metrics.File = over.Metrics.File
	}

	// 组件名（空不覆盖）
	if over.Components.Engine != "" {
		out.Components.Engine = over.Components.Engine
	}
	if over.Components.Discoverer != "" {
		out.Components.Discoverer = over.Components.Discoverer
	}
	if over.Components.Stager != "" {
		out.Components.Stager = over.Components.Stager
	}

	// Options（完整替换对应键）
	if len(over.Options.Engine) > 0 {
		out.Options.Engine = cloneRaw(over.Options.Engine)
	}
	if len(over.Options.Discoverer) > 0 {
		out.Options.Discoverer = cloneRaw(over.Options.Discoverer)
	}
	if len(over.Options.Stager) > 0 {
		out.Options.Stager = cloneRaw(over.Options.Stager)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 VDSYNC_；集合外的键忽略；整数键格式错误返回错误。
// 支持：RUN, MODE, INPUT_ROOT, OUTPUT_DIR, CONCURRENCY, LOG_LEVEL, LOG_DIR, METRICS_FILE,
// DETECTOR_*, OUTPUT_NAME_TEMPLATE, COMPONENTS_*, OPTIONS_<COMPONENT>_JSON。
func EnvOverlay(environ []string) (Config, error) {
	over := Empty()
	ints := map[string]*int{
		"RUN":                         &over.Run,
		"CONCURRENCY":                 &over.Concurrency,
		"DETECTOR_MODULES":            &over.Detector.Modules,
		"DETECTOR_PULSES_PER_TRAIN":   &over.Detector.PulsesPerTrain,
		"DETECTOR_CHUNK_ROWS":         &over.Detector.ChunkRows,
		"DETECTOR_MAX_TRAINS_IN_FILE": &over.Detector.MaxTrainsInFile,
		"DETECTOR_TRAIN_MARGIN":       &over.Detector.TrainMargin,
	}
	strs := map[string]*string{
		"MODE":                      &over.Mode,
		"INPUT_ROOT":                &over.InputRoot,
		"OUTPUT_DIR":                &over.OutputDir,
		"LOG_LEVEL":                 &over.Logging.Level,
		"LOG_DIR":                   &over.Logging.Dir,
		"METRICS_FILE":              &over.Metrics.File,
		"DETECTOR_DUPLICATE_POLICY": &over.Detector.DuplicatePolicy,
		"OUTPUT_NAME_TEMPLATE":      &over.Output.NameTemplate,
		"COMPONENTS_ENGINE":         &over.Components.Engine,
		"COMPONENTS_DISCOVERER":     &over.Components.Discoverer,
		"COMPONENTS_STAGER":         &over.Components.Stager,
	}
	raws := map[string]*json.RawMessage{
		"OPTIONS_ENGINE_JSON":     &over.Options.Engine,
		"OPTIONS_DISCOVERER_JSON": &over.Options.Discoverer,
		"OPTIONS_STAGER_JSON":     &over.Options.Stager,
	}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := strings.TrimPrefix(kv[:eq], EnvPrefix)
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			// 空值视为未设置，避免清空配置文件中的值
			continue
		}
		if p, ok := ints[key]; ok {
			v, err := atoi(val)
			if err != nil {
				return Config{}, fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
			}
			*p = v
			continue
		}
		if p, ok := strs[key]; ok {
			*p = val
			continue
		}
		if p, ok := raws[key]; ok {
			if !json.Valid([]byte(val)) {
				return Config{}, fmt.Errorf("env %s%s: invalid JSON", EnvPrefix, key)
			}
			*p = json.RawMessage(val)
		}
	}
	return over, nil
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
