package registry

import (
	"bytes"
	"encoding/json"

	"vdsync/pkg/contract"
	dglob "vdsync/plugins/discovery/glob"
	ssql "vdsync/plugins/store/sqlite"
	wfs "vdsync/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewEngine 工厂签名：接收原样 JSON Options。
type NewEngine func(raw json.RawMessage) (contract.Engine, error)

// NewDiscoverer 工厂签名：接收原样 JSON Options。
type NewDiscoverer func(raw json.RawMessage) (contract.Discoverer, error)

// NewStager 工厂签名：接收原样 JSON Options。
type NewStager func(raw json.RawMessage) (contract.Stager, error)

// Engine 存储引擎注册表（显式、零反射）。
var Engine = map[string]NewEngine{
	// sqlite: 单文件 SQLite 容器，chunk 可 zstd 压缩
	"sqlite": func(raw json.RawMessage) (contract.Engine, error) {
		var opts ssql.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ssql.New(&opts)
	},
}

// Discoverer 模块文件发现注册表。
var Discoverer = map[string]NewDiscoverer{
	// glob: filepath.Glob + 字典序
	"glob": func(raw json.RawMessage) (contract.Discoverer, error) {
		var opts dglob.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return dglob.New(&opts), nil
	},
}

// Stager 输出暂存注册表。
var Stager = map[string]NewStager{
	// fs: 同目录临时文件 + 原子替换
	"fs": func(raw json.RawMessage) (contract.Stager, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
