// Package filesystem 提供输出工件的暂存与原子提交。
//
// 工件先在输出目录内以临时名（默认 ".tmp-" 前缀）写入，成功后原子替换为最终名；
// 失败路径删除临时文件，读者永远看不到半成品。
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"vdsync/pkg/contract"
)

// DefaultTempPrefix 暂存文件名前缀；发现阶段据此跳过残留的暂存文件。
const DefaultTempPrefix = ".tmp-"

// Options: 最小必要选项。
type Options struct {
	// OutputDir: 输出根目录（必需）。
	OutputDir string `json:"output_dir"`
	// Overwrite: 目标已存在时是否替换。默认 true（重跑同一 run 得到同一工件）。
	Overwrite *bool `json:"overwrite,omitempty"`
	// TempPrefix: 暂存文件名前缀，空值使用 DefaultTempPrefix。
	TempPrefix string `json:"temp_prefix,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 表示使用实现/平台默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
}

// FS 实现 contract.Stager。
type FS struct {
	root      string
	overwrite bool
	prefix    string
	permF     os.FileMode
	permD     os.FileMode
}

// New 创建文件系统 Stager。
func New(opts *Options) (*FS, error) {
	if opts == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return nil, os.ErrInvalid
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	overwrite := true
	if opts.Overwrite != nil {
		overwrite = *opts.Overwrite
	}
	prefix := opts.TempPrefix
	if prefix == "" {
		prefix = DefaultTempPrefix
	}
	return &FS{root: opts.OutputDir, overwrite: overwrite, prefix: prefix, permF: pf, permD: pd}, nil
}

var _ contract.Stager = (*FS)(nil)

// Root 返回输出根目录。
func (w *FS) Root() string { return w.root }

// Stage 在目标所在目录创建空的暂存文件，交由存储引擎写入。
func (w *FS) Stage(ctx context.Context, name string) (contract.Staged, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	dest, err := w.mapPath(name)
	if err != nil {
		return nil, err
	}
	if !w.overwrite {
		if _, err := os.Stat(dest); err == nil {
			return nil, fmt.Errorf("%w: %s exists", os.ErrExist, dest)
		}
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, w.permD); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, w.prefix+"*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	// 目标权限：尽量与期望一致
	_ = os.Chmod(tmpPath, w.permF)
	return &staged{tmp: tmpPath, dest: dest, dir: dir}, nil
}

// mapPath: Clean + Join + 越界校验。
func (w *FS) mapPath(name string) (string, error) {
	rel := filepath.Clean(name)
	if rel == "." || rel == "" {
		return "", contract.ErrPathInvalid
	}
	if filepath.IsAbs(rel) {
		return "", contract.ErrPathInvalid
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", contract.ErrPathInvalid
	}
	if vol := filepath.VolumeName(rel); vol != "" {
		return "", contract.ErrPathInvalid
	}
	if strings.HasPrefix(filepath.Base(rel), w.prefix) {
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(w.root, rel), nil
}

// staged: 一次暂存。Commit 与 Abort 至多生效其一。
type staged struct {
	tmp  string
	dest string
	dir  string

	mu   sync.Mutex
	done bool
}

func (s *staged) Path() string  { return s.tmp }
func (s *staged) Final() string { return s.dest }

// Commit 同步暂存文件并原子替换为最终名。
func (s *staged) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	if err := syncFile(s.tmp); err != nil {
		removeStaged(s.tmp)
		return err
	}
	// 平台特定的原子替换（或最佳努力）
	if err := osReplace(s.tmp, s.dest); err != nil {
		removeStaged(s.tmp)
		return err
	}
	// 最佳努力：同步父目录，提升崩溃安全性
	_ = syncDir(s.dir)
	return nil
}

// Abort 删除暂存文件及引擎可能遗留的旁路文件。
func (s *staged) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	if err := os.Remove(s.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	removeStaged(s.tmp)
	return nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// removeStaged 最佳努力删除暂存文件与 SQLite 日志旁路文件。
func removeStaged(tmp string) {
	for _, p := range []string{tmp, tmp + "-journal", tmp + "-wal", tmp + "-shm"} {
		_ = os.Remove(p)
	}
}
