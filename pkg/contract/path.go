package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 规范化路径，统一为跨平台稳定的标识（用于日志与虚拟映射中的源文件名）。
// 规则：
// - 使用正斜杠分隔符
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizeFileID(p string) string {
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}

// JoinDataset 以 '/' 连接数据集路径片段并去除首尾多余分隔符。
func JoinDataset(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
