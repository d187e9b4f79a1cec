package config

import "encoding/json"

// DefaultTemplateConfig 返回一个"可运行"的默认配置模板：
// - run 取占位值 1，实际运行由命令行参数覆盖；
// - 输入根为当前目录，raw/proc 两种布局均给出；
// - 组件名采用仓库内置实现；
// - 选项给出安全中性默认值，确保键存在。
func DefaultTemplateConfig() Config {
	cfg := Defaults()
	cfg.Run = 1
	cfg.Options.Engine = json.RawMessage(`{
  "chunk_rows": 32,
  "codec": "zstd",
  "creator": "vdsync"
}`)
	cfg.Options.Discoverer = json.RawMessage(`{
  "skip_prefixes": [".tmp-"]
}`)
	cfg.Options.Stager = json.RawMessage(`{
  "overwrite": true,
  "temp_prefix": ".tmp-",
  "perm_file": 0,
  "perm_dir": 0
}`)
	return cfg
}

// EnvTemplate 返回 .env 模板文本（全部键注释掉，取消注释即生效）。
func EnvTemplate() string {
	return `# vdsync 环境变量覆盖（优先级高于配置文件，低于命令行参数）
# VDSYNC_RUN=1
# VDSYNC_MODE=raw
# VDSYNC_INPUT_ROOT=.
# VDSYNC_OUTPUT_DIR=.
# VDSYNC_CONCURRENCY=4
# VDSYNC_LOG_LEVEL=info
# VDSYNC_LOG_DIR=logs
# VDSYNC_METRICS_FILE=
# VDSYNC_DETECTOR_MODULES=16
# VDSYNC_DETECTOR_PULSES_PER_TRAIN=128
# VDSYNC_DETECTOR_CHUNK_ROWS=32
# VDSYNC_DETECTOR_MAX_TRAINS_IN_FILE=260
# VDSYNC_DETECTOR_TRAIN_MARGIN=4
# VDSYNC_DETECTOR_DUPLICATE_POLICY=first
# VDSYNC_OPTIONS_ENGINE_JSON={"codec":"zstd"}
`
}
