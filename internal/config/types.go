package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Run: 运行号（必填，>0）。
	Run int `json:"run"`
	// Mode: 输入树 raw|proc。
	Mode string `json:"mode"`
	// InputRoot: 实验数据根目录，其下按 Layouts[mode].Dir 定位运行目录。
	InputRoot   string `json:"input_root"`
	OutputDir   string `json:"output_dir"`
	Concurrency int    `json:"concurrency"`

	Detector Detector          `json:"detector"`
	Layouts  map[string]Layout `json:"layouts"`
	Output   Output            `json:"output"`
	Logging  Logging           `json:"logging"`
	Metrics  Metrics           `json:"metrics"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`
	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Detector: 探测器几何与时间轴参数。
type Detector struct {
	Modules         int `json:"modules"`
	PulsesPerTrain  int `json:"pulses_per_train"`
	ChunkRows       int `json:"chunk_rows"`
	MaxTrainsInFile int `json:"max_trains_in_file"`
	TrainMargin     int `json:"train_margin"`
	// DuplicatePolicy: 单个 train 行数超过每 train 脉冲数时保留 first|last。
	DuplicatePolicy string `json:"duplicate_policy"`
}

// Layout: 某一输入模式的目录布局。
// Dir 以运行号格式化（如 raw/r%04d）；ModuleGlob 以模块号格式化（如 *AGIPD%02d*）。
type Layout struct {
	Dir        string `json:"dir"`
	ModuleGlob string `json:"module_glob"`
}

// Output: 工件命名。NameTemplate 以 (run, mode) 格式化。
type Output struct {
	NameTemplate string `json:"name_template"`
}

// Logging: 日志等级与目录；目录为空时只写 stderr。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Metrics: 非空时运行结束写出 textfile collector 快照。
type Metrics struct {
	File string `json:"file"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Engine     string `json:"engine"`
	Discoverer string `json:"discoverer"`
	Stager     string `json:"stager"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Engine     json.RawMessage `json:"engine"`
	Discoverer json.RawMessage `json:"discoverer"`
	Stager     json.RawMessage `json:"stager"`
}
