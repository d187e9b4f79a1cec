package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	currentName   = "vdsync-current.txt"
	rotatedPrefix = "vdsync-"
)

// RotatingFile 将日志行写入指定目录，并按文件大小轮转。
// - 当前文件固定名：vdsync-current.txt
// - 轮转：size+len(line) 超过 maxBytes 时重命名为 vdsync-<UTC 时间戳>.txt 并重新创建当前文件
// - 保留：keep > 0 时只保留最近 keep 个轮转文件
type RotatingFile struct {
	dir      string
	maxBytes int64
	keep     int
	mu       sync.Mutex
	f        *os.File
	curSize  int64
}

// NewRotatingFile 创建轮转文件；maxBytes<=0 使用 10 MiB。
func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes}
}

// SetKeep 设置保留的轮转文件数（0 表示不清理）。
func (w *RotatingFile) SetKeep(n int) {
	w.mu.Lock()
	w.keep = n
	w.mu.Unlock()
}

// Current 返回当前文件路径。
func (w *RotatingFile) Current() string { return filepath.Join(w.dir, currentName) }

func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	lineLen := int64(len(b) + 1) // 包含换行
	if err := w.ensureOpen(); err != nil {
		return err
	}
	if w.curSize > 0 && w.curSize+lineLen > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(append(b, '\n'))
	w.curSize += int64(n)
	return err
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.Current(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	_ = w.f.Close()
	w.f = nil
	// 高精度时间戳，避免同秒冲突覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	rotated := filepath.Join(w.dir, fmt.Sprintf("%s%s.txt", rotatedPrefix, ts))
	if err := os.Rename(w.Current(), rotated); err != nil {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	w.prune()
	return w.ensureOpen()
}

// prune 删除超出保留数的旧轮转文件（时间戳字典序即时间序）。
func (w *RotatingFile) prune() {
	if w.keep <= 0 {
		return
	}
	matches, _ := filepath.Glob(filepath.Join(w.dir, rotatedPrefix+"2*.txt"))
	if len(matches) <= w.keep {
		return
	}
	sort.Strings(matches)
	for _, p := range matches[:len(matches)-w.keep] {
		_ = os.Remove(p)
	}
}

// Close 关闭当前打开的文件句柄
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
