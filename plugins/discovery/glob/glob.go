// Package glob 基于文件名模式发现模块文件。
package glob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"vdsync/pkg/contract"
)

// Options 为 Glob 发现器的可选配置（最小必要）。
type Options struct {
	// SkipPrefixes: 跳过基名以这些前缀开头的文件。默认 [".tmp-"]（未提交的暂存工件）。
	SkipPrefixes []string `json:"skip_prefixes"`
}

// Glob 实现 contract.Discoverer。
type Glob struct {
	skip []string
}

var _ contract.Discoverer = (*Glob)(nil)

// New 创建 Glob 发现器。
func New(opts *Options) *Glob {
	skip := []string{".tmp-"}
	if opts != nil && opts.SkipPrefixes != nil {
		skip = skip[:0]
		for _, p := range opts.SkipPrefixes {
			if p != "" {
				skip = append(skip, p)
			}
		}
	}
	return &Glob{skip: skip}
}

// List 返回匹配 pattern 的常规文件（含指向常规文件的符号链接），按字典序排列。
// 无匹配返回空切片；模式非法返回 contract.ErrInvalidInput。
func (g *Glob) List(ctx context.Context, pattern string) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", contract.ErrInvalidInput, pattern, err)
	}
	out := make([]string, 0, len(matches))
	for _, p := range matches {
		if g.skipped(filepath.Base(p)) {
			continue
		}
		// Stat 跟随符号链接；目录、设备、失效链接等一律忽略
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, p)
	}
	// 稳定顺序：字典序即采集顺序
	sort.Strings(out)
	return out, nil
}

func (g *Glob) skipped(base string) bool {
	for _, p := range g.skip {
		if strings.HasPrefix(base, p) {
			return true
		}
	}
	return false
}
